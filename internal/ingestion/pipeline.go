// Package ingestion orchestrates collection from the source adapters into the
// raw store and drains the raw store through enrichment into the post store.
package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/dedup"
	"github.com/STRATINT/polwatch/internal/enrichment"
	"github.com/STRATINT/polwatch/internal/models"
	"github.com/STRATINT/polwatch/internal/sources"
)

// CampaignSink receives every post that completed enrichment.
type CampaignSink interface {
	OnPostEnriched(ctx context.Context, post *models.Post, cluster models.Cluster) (*models.Campaign, error)
}

// Observer receives pipeline measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveSource(source models.Platform, stats SourceStats, duration time.Duration, err error)
	ObserveEnvelope(status models.EnvelopeStatus, degraded bool, duration time.Duration)
	ObserveBacklog(result BacklogResult, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveSource(models.Platform, SourceStats, time.Duration, error) {}
func (nopObserver) ObserveEnvelope(models.EnvelopeStatus, bool, time.Duration) {}
func (nopObserver) ObserveBacklog(BacklogResult, time.Duration) {}

// Dependencies are the collaborators a Pipeline drives. Campaigns and
// Observer are optional.
type Dependencies struct {
	Clusters  ClusterRepository
	Envelopes EnvelopeRepository
	Posts     PostRepository
	Cache     dedup.Cache
	Adapters  *sources.Registry
	Enricher  enrichment.Enricher
	Campaigns CampaignSink
	Observer  Observer
}

// PipelineConfig holds configuration for the orchestrator.
type PipelineConfig struct {
	ClusterConcurrency  int
	SourceConcurrency   int
	EnrichmentWorkers   int
	BacklogBatchSize    int
	BacklogMaxBatches   int
	EnrichInline        bool
	CacheFailurePolicy  config.CacheFailurePolicy
	DedupTTL            time.Duration
	CollectionRateLimit int64 // per source per counter window; zero disables
	RetryPolicy         RetryPolicy
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ClusterConcurrency: 4,
		SourceConcurrency:  4,
		EnrichmentWorkers:  4,
		BacklogBatchSize:   50,
		BacklogMaxBatches:  20,
		CacheFailurePolicy: config.CacheFailOpen,
		DedupTTL:           dedup.DefaultTTL,
		RetryPolicy:        DefaultRetryPolicy(),
	}
}

// PipelineConfigFrom maps runtime configuration onto the orchestrator.
func PipelineConfigFrom(cfg config.Config) PipelineConfig {
	out := DefaultPipelineConfig()
	p := cfg.Pipeline
	if p.ClusterConcurrency > 0 {
		out.ClusterConcurrency = p.ClusterConcurrency
	}
	if p.SourceConcurrency > 0 {
		out.SourceConcurrency = p.SourceConcurrency
	}
	if p.EnrichmentWorkers > 0 {
		out.EnrichmentWorkers = p.EnrichmentWorkers
	}
	if p.BacklogBatchSize > 0 {
		out.BacklogBatchSize = p.BacklogBatchSize
	}
	if p.BacklogMaxBatches > 0 {
		out.BacklogMaxBatches = p.BacklogMaxBatches
	}
	if p.CacheFailurePolicy != "" {
		out.CacheFailurePolicy = p.CacheFailurePolicy
	}
	if cfg.Dedup.TTL > 0 {
		out.DedupTTL = cfg.Dedup.TTL
	}
	out.EnrichInline = p.EnrichInline
	out.CollectionRateLimit = p.CollectionRateLimit
	return out
}

// Pipeline orchestrates collection and backlog processing.
type Pipeline struct {
	clusters  ClusterRepository
	envelopes EnvelopeRepository
	posts     PostRepository
	cache     dedup.Cache
	adapters  *sources.Registry
	enricher  enrichment.Enricher
	campaigns CampaignSink
	observer  Observer
	logger    *slog.Logger
	config    PipelineConfig
	now       func() time.Time
}

// NewPipeline creates a new orchestrator.
func NewPipeline(deps Dependencies, cfg PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Clusters == nil:
		return nil, errors.New("cluster repository is required")
	case deps.Envelopes == nil:
		return nil, errors.New("envelope repository is required")
	case deps.Posts == nil:
		return nil, errors.New("post repository is required")
	case deps.Cache == nil:
		return nil, errors.New("dedup cache is required")
	case deps.Adapters == nil:
		return nil, errors.New("adapter registry is required")
	case deps.Enricher == nil:
		return nil, errors.New("enricher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	cfg.ClusterConcurrency = max(cfg.ClusterConcurrency, 1)
	cfg.SourceConcurrency = max(cfg.SourceConcurrency, 1)
	cfg.EnrichmentWorkers = max(cfg.EnrichmentWorkers, 1)
	cfg.BacklogBatchSize = max(cfg.BacklogBatchSize, 1)
	cfg.BacklogMaxBatches = max(cfg.BacklogMaxBatches, 1)
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = dedup.DefaultTTL
	}

	return &Pipeline{
		clusters:  deps.Clusters,
		envelopes: deps.Envelopes,
		posts:     deps.Posts,
		cache:     deps.Cache,
		adapters:  deps.Adapters,
		enricher:  deps.Enricher,
		campaigns: deps.Campaigns,
		observer:  observer,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
	}, nil
}

// SetClock replaces the time source used for deadlines and timestamps.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// RequeueFailed moves up to limit failed envelopes back to pending. Failed
// envelopes are never retried automatically; this is the operator's lever.
func (p *Pipeline) RequeueFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = p.config.BacklogBatchSize
	}
	n, err := p.envelopes.RequeueFailed(ctx, limit)
	if err != nil {
		return 0, err
	}
	p.logger.Info("requeued failed envelopes", "count", n)
	return n, nil
}

// cleanupCache drops expired entries from caches that do not expire on
// their own.
func (p *Pipeline) cleanupCache() {
	if c, ok := p.cache.(interface{ Cleanup(time.Time) }); ok {
		c.Cleanup(p.now())
	}
}
