package ingestion

import (
	"context"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

// ClusterCounts summarizes the registry.
type ClusterCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Status is a best-effort snapshot of pipeline state. Sections that could
// not be read are left empty and the failure is listed in Errors.
type Status struct {
	Clusters         ClusterCounts                 `json:"clusters"`
	Backlog          map[models.EnvelopeStatus]int `json:"backlog"`
	PostsByPlatform  map[models.Platform]int       `json:"posts_by_platform"`
	PostsBySentiment map[models.SentimentLabel]int `json:"posts_by_sentiment"`
	TotalPosts       int                           `json:"total_posts"`
	Errors           []string                      `json:"errors,omitempty"`
	GeneratedAt      time.Time                     `json:"generated_at"`
}

// Pending returns the number of envelopes waiting for enrichment.
func (s *Status) Pending() int {
	return s.Backlog[models.EnvelopeStatusPending]
}

// GetStatus never fails; unavailable sections are reported in Status.Errors.
func (p *Pipeline) GetStatus(ctx context.Context) *Status {
	status := &Status{
		Backlog:          make(map[models.EnvelopeStatus]int),
		PostsByPlatform:  make(map[models.Platform]int),
		PostsBySentiment: make(map[models.SentimentLabel]int),
		GeneratedAt:      p.now().UTC(),
	}
	fail := func(section string, err error) {
		p.logger.Warn("status section unavailable", "section", section, "error", err)
		status.Errors = append(status.Errors, section+": "+err.Error())
	}

	if total, active, err := p.clusters.Count(ctx); err != nil {
		fail("clusters", err)
	} else {
		status.Clusters = ClusterCounts{Total: total, Active: active}
	}

	if counts, err := p.envelopes.CountByStatus(ctx); err != nil {
		fail("backlog", err)
	} else {
		for _, s := range []models.EnvelopeStatus{
			models.EnvelopeStatusPending,
			models.EnvelopeStatusProcessing,
			models.EnvelopeStatusCompleted,
			models.EnvelopeStatusFailed,
			models.EnvelopeStatusSkipped,
		} {
			status.Backlog[s] = counts[s]
		}
	}

	if counts, err := p.posts.CountByPlatform(ctx); err != nil {
		fail("posts_by_platform", err)
	} else {
		for platform, n := range counts {
			status.PostsByPlatform[platform] = n
			status.TotalPosts += n
		}
	}

	if counts, err := p.posts.CountBySentiment(ctx); err != nil {
		fail("posts_by_sentiment", err)
	} else {
		for label, n := range counts {
			status.PostsBySentiment[label] = n
		}
	}

	if err := p.cache.Ping(ctx); err != nil {
		fail("dedup_cache", err)
	}
	return status
}
