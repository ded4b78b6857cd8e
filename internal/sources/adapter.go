// Package sources implements one search adapter per content platform.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

// Adapter searches one platform. Search returns a lazy, finite sequence that
// re-executes the remote query on every iteration. A yielded error ends the
// sequence; an empty sequence means no match.
type Adapter interface {
	Platform() models.Platform
	Search(ctx context.Context, keyword string, cfg models.SourceConfig, maxResults int) iter.Seq2[models.RawEnvelope, error]
	// ParsePayload normalizes a payload previously produced by Search.
	ParsePayload(payload json.RawMessage) (models.Content, error)
}

// Registry maps platforms onto adapters.
type Registry struct {
	adapters map[models.Platform]Adapter
}

// NewRegistry builds a registry; a later adapter for the same platform wins.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Platform]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get returns the adapter for platform.
func (r *Registry) Get(p models.Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms lists the registered platforms in sorted order.
func (r *Registry) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newEnvelope(p models.Platform, contentID, keyword string, item any) (models.RawEnvelope, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return models.RawEnvelope{}, fmt.Errorf("marshal %s payload %s: %w", p, contentID, err)
	}
	return models.RawEnvelope{
		Source:    p,
		ContentID: contentID,
		Keyword:   keyword,
		Payload:   payload,
		FetchedAt: time.Now().UTC(),
		Status:    models.EnvelopeStatusPending,
	}, nil
}

func extractionError(p models.Platform, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", models.ErrExtractionFailure, p, fmt.Sprintf(format, args...))
}

func capResults(requested, configured int) int {
	n := requested
	if configured > 0 && (n <= 0 || configured < n) {
		n = configured
	}
	if n <= 0 {
		n = 25
	}
	return n
}

// Hashtags returns the lower-cased #tags found in text, without duplicates.
func Hashtags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "#") || len(field) < 2 {
			continue
		}
		tag := strings.ToLower(strings.TrimRight(field[1:], ".,!?;:\"'()"))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}
