package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/models"
)

var errThrottled = fmt.Errorf("%w: collection throttled", models.ErrRateLimited)

// CollectRequest selects a cluster and optionally a subset of its sources.
type CollectRequest struct {
	ClusterID    string            `json:"cluster_id"`
	Sources      []models.Platform `json:"sources,omitempty"`
	EnrichInline bool              `json:"enrich_inline,omitempty"`
}

// CollectAllRequest collects every active cluster, optionally of one type.
type CollectAllRequest struct {
	ClusterType  models.ClusterType `json:"cluster_type,omitempty"`
	Sources      []models.Platform  `json:"sources,omitempty"`
	EnrichInline bool               `json:"enrich_inline,omitempty"`
}

// SourceStats counts what one source produced in one run. A failed source
// reports zero.
type SourceStats struct {
	Fetched    int `json:"fetched"`
	Duplicates int `json:"duplicates"`
	Staged     int `json:"staged"`
}

// CollectionError records one source that failed during a run.
type CollectionError struct {
	ClusterID string          `json:"cluster_id"`
	Source    models.Platform `json:"source,omitempty"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
}

// CollectionResult is the outcome of collecting one cluster.
type CollectionResult struct {
	ClusterID      string                          `json:"cluster_id"`
	ClusterName    string                          `json:"cluster_name"`
	PostsCollected int                             `json:"posts_collected"`
	PostsProcessed int                             `json:"posts_processed"`
	PerSource      map[models.Platform]SourceStats `json:"per_source"`
	Errors         []CollectionError               `json:"errors,omitempty"`
	StartedAt      time.Time                       `json:"started_at"`
	CompletedAt    time.Time                       `json:"completed_at"`
}

// AggregateResult sums the per-cluster results of a collect-all run.
type AggregateResult struct {
	Clusters       int                `json:"clusters"`
	PostsCollected int                `json:"posts_collected"`
	PostsProcessed int                `json:"posts_processed"`
	Results        []CollectionResult `json:"results"`
	Errors         []CollectionError  `json:"errors,omitempty"`
}

// CollectCluster searches every enabled source of one cluster for each of
// its keywords and stages unseen items. Source failures are isolated: they
// are reported in the result and never fail the call. The returned error is
// reserved for an unknown cluster or an unreachable registry.
func (p *Pipeline) CollectCluster(ctx context.Context, req CollectRequest) (*CollectionResult, error) {
	if req.ClusterID == "" {
		return nil, errors.New("cluster id is required")
	}
	cluster, err := p.clusters.Get(ctx, req.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("load cluster %s: %w", req.ClusterID, err)
	}
	if !cluster.Active {
		p.logger.Warn("collecting inactive cluster", "cluster_id", cluster.ID)
	}

	result := p.collectCluster(ctx, *cluster, req.Sources, req.EnrichInline || p.config.EnrichInline)
	p.cleanupCache()
	return result, nil
}

// CollectAllActiveClusters fans out over active clusters with bounded
// concurrency.
func (p *Pipeline) CollectAllActiveClusters(ctx context.Context, req CollectAllRequest) (*AggregateResult, error) {
	clusters, err := p.clusters.ListActive(ctx, req.ClusterType)
	if err != nil {
		return nil, fmt.Errorf("list active clusters: %w", err)
	}

	p.logger.Info("collecting active clusters",
		"clusters", len(clusters),
		"cluster_type", req.ClusterType,
	)

	inline := req.EnrichInline || p.config.EnrichInline
	results := make([]CollectionResult, len(clusters))

	g := new(errgroup.Group)
	g.SetLimit(p.config.ClusterConcurrency)
	for i, cluster := range clusters {
		g.Go(func() error {
			results[i] = *p.collectCluster(ctx, cluster, req.Sources, inline)
			return nil
		})
	}
	_ = g.Wait()
	p.cleanupCache()

	agg := &AggregateResult{Clusters: len(clusters), Results: results}
	for _, r := range results {
		agg.PostsCollected += r.PostsCollected
		agg.PostsProcessed += r.PostsProcessed
		agg.Errors = append(agg.Errors, r.Errors...)
	}

	p.logger.Info("collection cycle complete",
		"clusters", agg.Clusters,
		"posts_collected", agg.PostsCollected,
		"posts_processed", agg.PostsProcessed,
		"errors", len(agg.Errors),
	)
	return agg, nil
}

func (p *Pipeline) collectCluster(ctx context.Context, cluster models.Cluster, only []models.Platform, inline bool) *CollectionResult {
	result := &CollectionResult{
		ClusterID:   cluster.ID,
		ClusterName: cluster.Name,
		PerSource:   make(map[models.Platform]SourceStats),
		StartedAt:   p.now().UTC(),
	}

	var (
		mu     sync.Mutex
		staged []string
	)

	g := new(errgroup.Group)
	g.SetLimit(p.config.SourceConcurrency)
	for _, platform := range cluster.EnabledSources(only) {
		g.Go(func() error {
			start := time.Now()
			ids, stats, err := p.collectSource(ctx, cluster, platform)
			p.observer.ObserveSource(platform, stats, time.Since(start), err)

			mu.Lock()
			defer mu.Unlock()
			result.PerSource[platform] = stats
			if err != nil {
				p.logger.Warn("source collection failed",
					"cluster_id", cluster.ID,
					"source", platform,
					"error", err,
				)
				result.Errors = append(result.Errors, newCollectionError(cluster.ID, platform, err))
				return nil
			}
			staged = append(staged, ids...)
			result.PostsCollected += stats.Staged
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].Source < result.Errors[j].Source })

	if inline && len(staged) > 0 {
		processed, err := p.enrichStaged(ctx, staged)
		result.PostsProcessed = processed
		if err != nil {
			p.logger.Error("inline enrichment aborted", "cluster_id", cluster.ID, "error", err)
			result.Errors = append(result.Errors, newCollectionError(cluster.ID, "", err))
		}
	}

	result.CompletedAt = p.now().UTC()
	p.logger.Info("cluster collected",
		"cluster_id", cluster.ID,
		"posts_collected", result.PostsCollected,
		"posts_processed", result.PostsProcessed,
		"errors", len(result.Errors),
		"duration", result.CompletedAt.Sub(result.StartedAt),
	)
	return result
}

// collectSource drains every keyword search of one source, then stages the
// items the cache has not seen. Any search error discards the whole source
// for this run.
func (p *Pipeline) collectSource(ctx context.Context, cluster models.Cluster, platform models.Platform) ([]string, SourceStats, error) {
	adapter, ok := p.adapters.Get(platform)
	if !ok {
		return nil, SourceStats{}, fmt.Errorf("no adapter registered for %s", platform)
	}
	if err := p.throttle(ctx, cluster.ID, platform); err != nil {
		return nil, SourceStats{}, err
	}

	cfg := cluster.Sources[platform]
	var fetched []models.RawEnvelope
	inRun := make(map[string]bool)
	for _, keyword := range cluster.Keywords {
		for env, err := range adapter.Search(ctx, keyword, cfg, cfg.MaxResults) {
			if err != nil {
				return nil, SourceStats{}, fmt.Errorf("search %q: %w", keyword, err)
			}
			// the same item often matches several keywords
			if env.ContentID == "" || inRun[env.ContentID] {
				continue
			}
			inRun[env.ContentID] = true
			env.ClusterID = cluster.ID
			fetched = append(fetched, env)
		}
	}

	stats := SourceStats{Fetched: len(fetched)}
	if len(fetched) == 0 {
		return nil, stats, nil
	}

	unseen, err := p.filterUnseen(ctx, platform, fetched)
	if err != nil {
		return nil, SourceStats{}, err
	}
	stats.Duplicates = len(fetched) - len(unseen)

	var staged []string
	for _, env := range unseen {
		var (
			id  string
			won bool
		)
		err := RetryDatastore(ctx, p.config.RetryPolicy, func() error {
			var err error
			id, won, err = p.envelopes.Stage(ctx, env)
			return err
		})
		if err != nil {
			return nil, SourceStats{}, fmt.Errorf("stage %s: %w", env.ContentID, err)
		}
		if won {
			staged = append(staged, id)
		} else {
			stats.Duplicates++
		}
		// marked only after staging so a lost write is re-fetched next run
		if err := p.cache.MarkSeen(ctx, platform, env.ContentID, p.config.DedupTTL); err != nil {
			p.logger.Warn("failed to mark content seen",
				"source", platform,
				"content_id", env.ContentID,
				"error", err,
			)
		}
	}
	stats.Staged = len(staged)

	p.logger.Debug("source collected",
		"cluster_id", cluster.ID,
		"source", platform,
		"fetched", stats.Fetched,
		"duplicates", stats.Duplicates,
		"staged", stats.Staged,
	)
	return staged, stats, nil
}

// throttle caps how often one cluster collects from one source per window,
// so the limit does not shrink as clusters are added.
func (p *Pipeline) throttle(ctx context.Context, clusterID string, platform models.Platform) error {
	if p.config.CollectionRateLimit <= 0 {
		return nil
	}
	n, err := p.cache.Increment(ctx, platform, clusterID)
	if err != nil {
		if p.config.CacheFailurePolicy == config.CacheFailClosed {
			return fmt.Errorf("collection counter: %w", err)
		}
		p.logger.Warn("collection counter unavailable, not throttling",
			"cluster_id", clusterID,
			"source", platform,
			"error", err,
		)
		return nil
	}
	if n > p.config.CollectionRateLimit {
		return fmt.Errorf("%w: %s collected %d times for cluster %s in the current window (limit %d)",
			errThrottled, platform, n, clusterID, p.config.CollectionRateLimit)
	}
	return nil
}

func (p *Pipeline) filterUnseen(ctx context.Context, platform models.Platform, fetched []models.RawEnvelope) ([]models.RawEnvelope, error) {
	ids := make([]string, len(fetched))
	for i, env := range fetched {
		ids[i] = env.ContentID
	}

	unseen, err := p.cache.FilterUnseen(ctx, platform, ids)
	if err != nil {
		if p.config.CacheFailurePolicy == config.CacheFailClosed {
			return nil, fmt.Errorf("filter seen content: %w", err)
		}
		p.logger.Warn("dedup cache unavailable, treating items as unseen", "source", platform, "error", err)
		return fetched, nil
	}

	keep := make(map[string]bool, len(unseen))
	for _, id := range unseen {
		keep[id] = true
	}
	out := make([]models.RawEnvelope, 0, len(unseen))
	for _, env := range fetched {
		if keep[env.ContentID] {
			out = append(out, env)
		}
	}
	return out, nil
}

// enrichStaged claims freshly staged envelopes so the backlog sweep cannot
// pick them up, and enriches them right away.
func (p *Pipeline) enrichStaged(ctx context.Context, ids []string) (int, error) {
	claimed, err := p.envelopes.ClaimByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("claim staged envelopes: %w", err)
	}
	batch, err := p.processEnvelopes(ctx, claimed, time.Time{})
	return batch.Saved, err
}

func newCollectionError(clusterID string, source models.Platform, err error) CollectionError {
	return CollectionError{
		ClusterID: clusterID,
		Source:    source,
		Kind:      errorKind(err),
		Message:   err.Error(),
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, errThrottled):
		return "throttled"
	case errors.Is(err, models.ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, models.ErrDatastoreUnavailable):
		return "datastore_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return string(models.ClassifySourceError(err))
}
