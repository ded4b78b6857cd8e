package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/STRATINT/polwatch/internal/models"
)

// BacklogRequest bounds one backlog sweep. Zero values take the configured
// defaults; a zero Deadline means none.
type BacklogRequest struct {
	Limit      int       `json:"limit,omitempty"`
	MaxBatches int       `json:"max_batches,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
}

// BacklogResult counts what a sweep did with the envelopes it claimed.
type BacklogResult struct {
	Batches     int `json:"batches"`
	Processed   int `json:"processed"`
	Saved       int `json:"saved"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Degraded    int `json:"degraded"`
	Released    int `json:"released"`
	ErrorsCount int `json:"errors_count"`
}

func (r *BacklogResult) add(o BacklogResult) {
	r.Processed += o.Processed
	r.Saved += o.Saved
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Degraded += o.Degraded
	r.Released += o.Released
	r.ErrorsCount += o.ErrorsCount
}

type envelopeOutcome struct {
	status   models.EnvelopeStatus // empty when the envelope goes back to pending
	saved    bool
	degraded bool
	err      error // per-item problem, counted
	fatal    error // aborts the batch
}

// ProcessBacklog claims pending envelopes in batches and enriches them with
// a bounded worker pool. An unreachable datastore aborts the sweep with an
// error wrapping models.ErrDatastoreUnavailable; per-item failures are
// counted and never abort. When the deadline passes no new enrichment is
// started and claimed envelopes that were not started go back to pending.
func (p *Pipeline) ProcessBacklog(ctx context.Context, req BacklogRequest) (*BacklogResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = p.config.BacklogBatchSize
	}
	maxBatches := req.MaxBatches
	if maxBatches <= 0 {
		maxBatches = p.config.BacklogMaxBatches
	}

	start := time.Now()
	result := &BacklogResult{}
	var sweepErr error

	for result.Batches < maxBatches {
		if ctx.Err() != nil || p.pastDeadline(req.Deadline) {
			break
		}

		claimed, err := p.envelopes.ClaimPending(ctx, limit)
		if err != nil {
			sweepErr = fmt.Errorf("claim pending envelopes: %w", err)
			break
		}
		if len(claimed) == 0 {
			break
		}
		result.Batches++

		batch, err := p.processEnvelopes(ctx, claimed, req.Deadline)
		result.add(batch)
		if err != nil {
			sweepErr = err
			break
		}
		if len(claimed) < limit {
			break
		}
	}

	p.observer.ObserveBacklog(*result, time.Since(start))

	if sweepErr != nil {
		p.logger.Error("backlog sweep aborted",
			"batches", result.Batches,
			"processed", result.Processed,
			"error", sweepErr,
		)
		return result, sweepErr
	}

	p.logger.Info("backlog sweep complete",
		"batches", result.Batches,
		"processed", result.Processed,
		"saved", result.Saved,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"degraded", result.Degraded,
		"released", result.Released,
		"duration", time.Since(start),
	)
	return result, ctx.Err()
}

// processEnvelopes runs claimed envelopes through enrichment with at most
// EnrichmentWorkers in flight.
func (p *Pipeline) processEnvelopes(ctx context.Context, envs []models.RawEnvelope, deadline time.Time) (BacklogResult, error) {
	var (
		mu        sync.Mutex
		out       BacklogResult
		fatal     error
		release   []string
		unstarted []models.RawEnvelope
	)
	clusters := newClusterCache(p.clusters)
	g := new(errgroup.Group)
	g.SetLimit(p.config.EnrichmentWorkers)

	stopped := func() bool {
		if ctx.Err() != nil || p.pastDeadline(deadline) {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		return fatal != nil
	}

	for i, env := range envs {
		if stopped() {
			unstarted = envs[i:]
			break
		}

		// blocks until a worker slot frees up
		g.Go(func() error {
			if stopped() {
				mu.Lock()
				release = append(release, env.ID)
				mu.Unlock()
				return nil
			}

			begin := time.Now()
			o := p.processEnvelope(ctx, env, clusters)
			p.observer.ObserveEnvelope(o.status, o.degraded, time.Since(begin))

			mu.Lock()
			defer mu.Unlock()
			switch o.status {
			case models.EnvelopeStatusCompleted:
				out.Processed++
				if o.saved {
					out.Saved++
				}
				if o.degraded {
					out.Degraded++
				}
			case models.EnvelopeStatusSkipped:
				out.Processed++
				out.Skipped++
			case models.EnvelopeStatusFailed:
				out.Processed++
				out.Failed++
				out.ErrorsCount++
			case "":
				release = append(release, env.ID)
			}
			if o.err != nil && o.status != models.EnvelopeStatusFailed {
				out.ErrorsCount++
			}
			if o.fatal != nil && fatal == nil {
				fatal = o.fatal
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, env := range unstarted {
		release = append(release, env.ID)
	}
	if len(release) > 0 {
		// the caller's context may already be done
		n, err := p.envelopes.Release(context.WithoutCancel(ctx), release)
		if err != nil {
			p.logger.Warn("failed to release claimed envelopes",
				"count", len(release),
				"error", err,
			)
		}
		out.Released += n
	}

	if fatal != nil {
		return out, fmt.Errorf("backlog batch aborted: %w", fatal)
	}
	return out, nil
}

// processEnvelope takes one claimed envelope to a terminal status, or
// reports that it should go back to pending.
func (p *Pipeline) processEnvelope(ctx context.Context, env models.RawEnvelope, clusters *clusterCache) envelopeOutcome {
	cluster, err := clusters.get(ctx, env.ClusterID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return envelopeOutcome{fatal: err}
		}
		p.logger.Warn("envelope references unknown cluster",
			"envelope_id", env.ID,
			"cluster_id", env.ClusterID,
		)
		cluster = models.Cluster{ID: env.ClusterID}
	}

	exists, err := p.posts.Exists(ctx, env.Key())
	if err != nil {
		return envelopeOutcome{fatal: fmt.Errorf("check existing post: %w", err)}
	}
	if exists {
		return p.resolveExisting(ctx, env)
	}

	post, err := p.enricher.Enrich(ctx, env, cluster)
	if err != nil {
		if ctx.Err() != nil {
			return envelopeOutcome{err: err}
		}
		p.logger.Warn("enrichment failed",
			"envelope_id", env.ID,
			"source", env.Source,
			"content_id", env.ContentID,
			"error", err,
		)
		return p.finish(ctx, env, models.EnvelopeStatusFailed, err.Error())
	}

	created, err := p.posts.Upsert(ctx, *post)
	if err != nil {
		if errors.Is(err, models.ErrDatastoreUnavailable) {
			return envelopeOutcome{fatal: fmt.Errorf("save post %s: %w", post.Key(), err)}
		}
		return p.finish(ctx, env, models.EnvelopeStatusFailed, err.Error())
	}

	o := p.finish(ctx, env, models.EnvelopeStatusCompleted, "")
	o.saved = true
	o.degraded = post.EnrichmentDegraded
	if !created {
		p.logger.Debug("post already existed, enrichment rewritten", "key", post.Key())
	}

	if p.campaigns != nil && o.fatal == nil {
		if _, err := p.campaigns.OnPostEnriched(ctx, post, cluster); err != nil {
			p.logger.Warn("campaign aggregation failed",
				"post_id", post.ID,
				"error", err,
			)
		}
	}
	return o
}

// resolveExisting handles an envelope whose post is already stored. When the
// post came from this very envelope an earlier attempt saved it but never
// recorded completion.
func (p *Pipeline) resolveExisting(ctx context.Context, env models.RawEnvelope) envelopeOutcome {
	existing, err := p.posts.Get(ctx, env.Key())
	if err != nil {
		if errors.Is(err, models.ErrDatastoreUnavailable) {
			return envelopeOutcome{fatal: fmt.Errorf("load existing post: %w", err)}
		}
		return envelopeOutcome{err: err}
	}
	if existing.EnvelopeID == env.ID {
		return p.finish(ctx, env, models.EnvelopeStatusCompleted, "")
	}
	return p.finish(ctx, env, models.EnvelopeStatusSkipped, "duplicate of post "+existing.ID)
}

func (p *Pipeline) finish(ctx context.Context, env models.RawEnvelope, status models.EnvelopeStatus, detail string) envelopeOutcome {
	var err error
	switch status {
	case models.EnvelopeStatusCompleted:
		err = p.envelopes.MarkCompleted(ctx, env.ID, 1)
	case models.EnvelopeStatusFailed:
		err = p.envelopes.MarkFailed(ctx, env.ID, detail)
	case models.EnvelopeStatusSkipped:
		err = p.envelopes.MarkSkipped(ctx, env.ID, detail)
	}
	if err == nil {
		return envelopeOutcome{status: status}
	}
	if errors.Is(err, models.ErrDatastoreUnavailable) {
		return envelopeOutcome{status: status, fatal: err}
	}
	// another worker reclaimed and finished the envelope after it went stale
	p.logger.Warn("envelope status not updated",
		"envelope_id", env.ID,
		"status", status,
		"error", err,
	)
	return envelopeOutcome{status: status, err: err}
}

func (p *Pipeline) pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && !p.now().Before(deadline)
}

// clusterCache memoizes cluster lookups for one batch.
type clusterCache struct {
	repo     ClusterRepository
	mu       sync.Mutex
	clusters map[string]models.Cluster
}

func newClusterCache(repo ClusterRepository) *clusterCache {
	return &clusterCache{repo: repo, clusters: make(map[string]models.Cluster)}
}

func (c *clusterCache) get(ctx context.Context, id string) (models.Cluster, error) {
	c.mu.Lock()
	cached, ok := c.clusters[id]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	cluster, err := c.repo.Get(ctx, id)
	if err != nil {
		return models.Cluster{}, err
	}

	c.mu.Lock()
	c.clusters[id] = *cluster
	c.mu.Unlock()
	return *cluster, nil
}
