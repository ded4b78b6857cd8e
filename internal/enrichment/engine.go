// Package enrichment turns staged envelopes into enriched posts.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/polwatch/internal/models"
	"github.com/STRATINT/polwatch/internal/sources"
)

// DefaultTimeout bounds a single reasoning call.
const DefaultTimeout = 15 * time.Second

// Degraded reasons recorded on posts built from the fallback analysis.
const (
	ReasonTimeout     = "timeout"
	ReasonMalformed   = "malformed"
	ReasonUnavailable = "unavailable"
)

// Enricher produces a post from one claimed envelope.
type Enricher interface {
	Enrich(ctx context.Context, env models.RawEnvelope, cluster models.Cluster) (*models.Post, error)
}

// Engine parses envelopes with the platform adapters and analyzes them with a
// Reasoner. Reasoning failures never fail an envelope; they degrade it.
type Engine struct {
	parsers  *sources.Registry
	reasoner Reasoner
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTimeout overrides the per-call reasoning timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the time source used for enrichment timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an enrichment engine.
func NewEngine(parsers *sources.Registry, reasoner Reasoner, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		parsers:  parsers,
		reasoner: reasoner,
		timeout:  DefaultTimeout,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich parses the envelope payload and analyzes it. It fails only with
// models.ErrExtractionFailure (unusable payload) or when ctx itself is done;
// reasoning timeouts and malformed responses produce a degraded post.
func (e *Engine) Enrich(ctx context.Context, env models.RawEnvelope, cluster models.Cluster) (*models.Post, error) {
	adapter, ok := e.parsers.Get(env.Source)
	if !ok {
		return nil, fmt.Errorf("%w: no parser for source %q", models.ErrExtractionFailure, env.Source)
	}
	content, err := adapter.ParsePayload(env.Payload)
	if err != nil {
		if !errors.Is(err, models.ErrExtractionFailure) {
			err = fmt.Errorf("%w: %v", models.ErrExtractionFailure, err)
		}
		return nil, fmt.Errorf("envelope %s: %w", env.Key(), err)
	}
	if strings.TrimSpace(content.Text) == "" {
		return nil, fmt.Errorf("envelope %s: %w: no usable text", env.Key(), models.ErrExtractionFailure)
	}

	req := Request{
		Source:      env.Source,
		Keyword:     env.Keyword,
		Author:      content.Author,
		Text:        content.Text,
		Hashtags:    content.Hashtags,
		ClusterName: cluster.Name,
		ClusterType: cluster.Type,
		Entities:    cluster.EntityNames(),
	}

	analysis, reason, err := e.analyze(ctx, env, req)
	if err != nil {
		return nil, err
	}

	post := e.buildPost(env, cluster, content, analysis, reason)
	if err := post.Validate(); err != nil {
		return nil, fmt.Errorf("envelope %s: %w", env.Key(), err)
	}
	return post, nil
}

func (e *Engine) analyze(ctx context.Context, env models.RawEnvelope, req Request) (*Analysis, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	analysis, err := e.reasoner.Analyze(callCtx, req)
	if err == nil && analysis == nil {
		err = fmt.Errorf("%w: empty analysis", models.ErrEnrichmentMalformed)
	}
	if err == nil {
		e.logger.Debug("enrichment complete",
			"envelope_id", env.ID,
			"reasoner", e.reasoner.Name(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return analysis, "", nil
	}

	// the caller gave up; leave the envelope for a later sweep
	if ctx.Err() != nil {
		return nil, "", fmt.Errorf("envelope %s: enrichment aborted: %w", env.Key(), ctx.Err())
	}

	reason := degradedReason(callCtx, err)
	e.logger.Warn("enrichment degraded",
		"envelope_id", env.ID,
		"source", env.Source,
		"content_id", env.ContentID,
		"reasoner", e.reasoner.Name(),
		"reason", reason,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	return Fallback(), reason, nil
}

func degradedReason(callCtx context.Context, err error) string {
	switch {
	case errors.Is(err, models.ErrEnrichmentTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, models.ErrEnrichmentMalformed):
		return ReasonMalformed
	default:
		return ReasonUnavailable
	}
}

func (e *Engine) buildPost(env models.RawEnvelope, cluster models.Cluster, content models.Content, a *Analysis, reason string) *models.Post {
	degraded := reason != ""
	now := e.now().UTC()

	sentiments := normalizeSentiments(a.Entities, cluster.EntityNames(), content.Text)
	level, score := normalizeThreat(a.ThreatLevel, a.ThreatScore)

	language := unknownLanguage
	if !degraded {
		language = normalizeLanguage(a.Language, content.Language)
	}

	clusterID := env.ClusterID
	if clusterID == "" {
		clusterID = cluster.ID
	}

	return &models.Post{
		ID:                 uuid.NewString(),
		Source:             env.Source,
		ContentID:          env.ContentID,
		ClusterID:          clusterID,
		EnvelopeID:         env.ID,
		Keyword:            env.Keyword,
		Author:             content.Author,
		Text:               content.Text,
		URL:                content.URL,
		PublishedAt:        content.PublishedAt,
		Metrics:            content.Metrics,
		Hashtags:           content.Hashtags,
		Sentiments:         sentiments,
		OverallSentiment:   overallSentiment(sentiments),
		ThreatLevel:        level,
		ThreatScore:        score,
		Narrative:          truncateRunes(strings.TrimSpace(a.Narrative), maxNarrativeRunes),
		Topics:             normalizeTopics(a.Topics),
		Language:           language,
		Comparison:         normalizeComparison(a.Comparison),
		EnrichmentDegraded: degraded,
		DegradedReason:     reason,
		EnrichedAt:         now,
		CreatedAt:          now,
	}
}
