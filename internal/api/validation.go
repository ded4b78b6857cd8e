package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/STRATINT/polwatch/internal/ingestion"
	"github.com/STRATINT/polwatch/internal/models"
)

const (
	maxBacklogLimit      = 1000
	maxBacklogBatches    = 100
	maxBacklogRunTime    = 30 * time.Minute
	maxRequeueLimit      = 10000
	defaultCampaignLimit = 50
	maxCampaignLimit     = 500
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// collectBody is the optional body of both collect endpoints.
type collectBody struct {
	Sources      []string `json:"sources,omitempty"`
	ClusterType  string   `json:"cluster_type,omitempty"`
	EnrichInline bool     `json:"enrich_inline,omitempty"`
}

// ValidateSources parses a source subset, rejecting unknown platforms and
// repeats.
func ValidateSources(raw []string) ([]models.Platform, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[models.Platform]bool, len(raw))
	out := make([]models.Platform, 0, len(raw))
	for _, s := range raw {
		p, err := models.ParsePlatform(s)
		if err != nil {
			return nil, ValidationError{Field: "sources", Message: err.Error()}
		}
		if seen[p] {
			return nil, ValidationError{Field: "sources", Message: fmt.Sprintf("duplicate source %q", s)}
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// ValidateClusterType accepts an empty type (all clusters) or a known one.
func ValidateClusterType(raw string) (models.ClusterType, error) {
	switch t := models.ClusterType(raw); t {
	case "", models.ClusterTypeOwn, models.ClusterTypeCompetitor:
		return t, nil
	default:
		return "", ValidationError{Field: "cluster_type", Message: fmt.Sprintf("unknown cluster type %q", raw)}
	}
}

// backlogBody bounds a manually triggered sweep. MaxDurationSeconds becomes
// the sweep deadline.
type backlogBody struct {
	Limit              int `json:"limit,omitempty"`
	MaxBatches         int `json:"max_batches,omitempty"`
	MaxDurationSeconds int `json:"max_duration_seconds,omitempty"`
}

// ValidateBacklog converts a backlog body into a request relative to now.
func ValidateBacklog(body backlogBody, now time.Time) (ingestion.BacklogRequest, error) {
	if body.Limit < 0 || body.Limit > maxBacklogLimit {
		return ingestion.BacklogRequest{}, ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 0 and %d", maxBacklogLimit)}
	}
	if body.MaxBatches < 0 || body.MaxBatches > maxBacklogBatches {
		return ingestion.BacklogRequest{}, ValidationError{Field: "max_batches", Message: fmt.Sprintf("must be between 0 and %d", maxBacklogBatches)}
	}
	maxDuration := time.Duration(body.MaxDurationSeconds) * time.Second
	if maxDuration < 0 || maxDuration > maxBacklogRunTime {
		return ingestion.BacklogRequest{}, ValidationError{Field: "max_duration_seconds", Message: fmt.Sprintf("must be between 0 and %d", int(maxBacklogRunTime.Seconds()))}
	}

	req := ingestion.BacklogRequest{Limit: body.Limit, MaxBatches: body.MaxBatches}
	if maxDuration > 0 {
		req.Deadline = now.Add(maxDuration)
	}
	return req, nil
}

// ValidateLimit parses an optional positive integer query parameter.
func ValidateLimit(field, raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, ValidationError{Field: field, Message: fmt.Sprintf("must be an integer between 1 and %d", max)}
	}
	return n, nil
}
