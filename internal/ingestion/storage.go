package ingestion

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/polwatch/internal/models"
)

// ClusterRepository reads cluster definitions from the registry.
type ClusterRepository interface {
	// Get returns the cluster or an error wrapping models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Cluster, error)

	// ListActive returns active clusters; an empty type matches all.
	ListActive(ctx context.Context, clusterType models.ClusterType) ([]models.Cluster, error)

	// Count returns the total and active cluster counts.
	Count(ctx context.Context) (total, active int, err error)
}

// EnvelopeRepository is the raw store. Claims are atomic: concurrent callers
// never receive the same envelope.
type EnvelopeRepository interface {
	// Stage persists an envelope as pending. staged is false when an
	// envelope for the same content is already pending or processing; id is
	// then that envelope's id.
	Stage(ctx context.Context, env models.RawEnvelope) (id string, staged bool, err error)

	// ClaimPending moves up to limit pending envelopes to processing.
	ClaimPending(ctx context.Context, limit int) ([]models.RawEnvelope, error)

	// ClaimByIDs claims the listed envelopes that are still pending.
	ClaimByIDs(ctx context.Context, ids []string) ([]models.RawEnvelope, error)

	MarkCompleted(ctx context.Context, id string, extractedCount int) error
	MarkFailed(ctx context.Context, id, detail string) error
	MarkSkipped(ctx context.Context, id, reason string) error

	// Release returns claimed envelopes to pending.
	Release(ctx context.Context, ids []string) (int, error)

	// RequeueFailed moves failed envelopes back to pending.
	RequeueFailed(ctx context.Context, limit int) (int, error)

	CountByStatus(ctx context.Context) (map[models.EnvelopeStatus]int, error)
}

// PostRepository is the canonical post store, unique on (source, content_id).
type PostRepository interface {
	// Upsert inserts the post or rewrites the enrichment block of the
	// existing one. created reports an insert.
	Upsert(ctx context.Context, post models.Post) (created bool, err error)

	// Get returns the post or an error wrapping models.ErrNotFound.
	Get(ctx context.Context, key models.PostKey) (*models.Post, error)

	Exists(ctx context.Context, key models.PostKey) (bool, error)
	CountByPlatform(ctx context.Context) (map[models.Platform]int, error)
	CountBySentiment(ctx context.Context) (map[models.SentimentLabel]int, error)
}

// MemoryClusterRepository implements an in-memory cluster registry for testing/development.
type MemoryClusterRepository struct {
	mu       sync.RWMutex
	clusters map[string]models.Cluster
}

// NewMemoryClusterRepository creates a registry holding the given clusters.
func NewMemoryClusterRepository(clusters ...models.Cluster) *MemoryClusterRepository {
	r := &MemoryClusterRepository{clusters: make(map[string]models.Cluster)}
	for _, c := range clusters {
		r.clusters[c.ID] = c
	}
	return r
}

// Put adds or replaces a cluster.
func (r *MemoryClusterRepository) Put(c models.Cluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters[c.ID] = c
}

func (r *MemoryClusterRepository) Get(_ context.Context, id string) (*models.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, models.ErrNotFound)
	}
	return &c, nil
}

func (r *MemoryClusterRepository) ListActive(_ context.Context, clusterType models.ClusterType) ([]models.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Cluster
	for _, c := range r.clusters {
		if !c.Active || (clusterType != "" && c.Type != clusterType) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryClusterRepository) Count(context.Context) (int, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := 0
	for _, c := range r.clusters {
		if c.Active {
			active++
		}
	}
	return len(r.clusters), active, nil
}

// MemoryEnvelopeRepository implements an in-memory raw store for testing/development.
type MemoryEnvelopeRepository struct {
	mu         sync.Mutex
	envelopes  map[string]*models.RawEnvelope
	inflight   map[models.PostKey]string // key -> pending/processing envelope id
	staleAfter time.Duration
	now        func() time.Time
}

// NewMemoryEnvelopeRepository creates an empty raw store. Claims older than
// staleAfter may be reclaimed; zero disables reclaiming.
func NewMemoryEnvelopeRepository(staleAfter time.Duration) *MemoryEnvelopeRepository {
	return &MemoryEnvelopeRepository{
		envelopes:  make(map[string]*models.RawEnvelope),
		inflight:   make(map[models.PostKey]string),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (r *MemoryEnvelopeRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryEnvelopeRepository) Stage(_ context.Context, env models.RawEnvelope) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := env.Key()
	if id, ok := r.inflight[key]; ok {
		return id, false, nil
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.FetchedAt.IsZero() {
		env.FetchedAt = r.now().UTC()
	}
	env.Status = models.EnvelopeStatusPending
	env.Error = ""
	env.ClaimedAt = nil
	env.ProcessedAt = nil
	env.Payload = slices.Clone(env.Payload)

	r.envelopes[env.ID] = &env
	r.inflight[key] = env.ID
	return env.ID, true, nil
}

func (r *MemoryEnvelopeRepository) ClaimPending(_ context.Context, limit int) ([]models.RawEnvelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var candidates []*models.RawEnvelope
	for _, env := range r.envelopes {
		if env.Status == models.EnvelopeStatusPending || r.staleLocked(env, now) {
			candidates = append(candidates, env)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FetchedAt.Equal(candidates[j].FetchedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].FetchedAt.Before(candidates[j].FetchedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.RawEnvelope, 0, len(candidates))
	for _, env := range candidates {
		r.claimLocked(env, now)
		out = append(out, copyEnvelope(env))
	}
	return out, nil
}

func (r *MemoryEnvelopeRepository) ClaimByIDs(_ context.Context, ids []string) ([]models.RawEnvelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []models.RawEnvelope
	for _, id := range ids {
		env, ok := r.envelopes[id]
		if !ok || env.Status != models.EnvelopeStatusPending {
			continue
		}
		r.claimLocked(env, now)
		out = append(out, copyEnvelope(env))
	}
	return out, nil
}

func (r *MemoryEnvelopeRepository) MarkCompleted(_ context.Context, id string, extractedCount int) error {
	return r.finish(id, models.EnvelopeStatusCompleted, "", func(env *models.RawEnvelope) {
		env.ExtractedCount = extractedCount
	})
}

func (r *MemoryEnvelopeRepository) MarkFailed(_ context.Context, id, detail string) error {
	return r.finish(id, models.EnvelopeStatusFailed, detail, nil)
}

func (r *MemoryEnvelopeRepository) MarkSkipped(_ context.Context, id, reason string) error {
	return r.finish(id, models.EnvelopeStatusSkipped, reason, nil)
}

func (r *MemoryEnvelopeRepository) finish(id string, next models.EnvelopeStatus, detail string, apply func(*models.RawEnvelope)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envelopes[id]
	if !ok || !env.Status.CanTransition(next) {
		return fmt.Errorf("%s envelope %s: %w", next, id, models.ErrInvalidTransition)
	}
	now := r.now()
	env.Status = next
	env.Error = detail
	env.ClaimedAt = nil
	env.ProcessedAt = &now
	if apply != nil {
		apply(env)
	}
	delete(r.inflight, env.Key())
	return nil
}

func (r *MemoryEnvelopeRepository) Release(_ context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range ids {
		env, ok := r.envelopes[id]
		if !ok || env.Status != models.EnvelopeStatusProcessing {
			continue
		}
		env.Status = models.EnvelopeStatusPending
		env.ClaimedAt = nil
		n++
	}
	return n, nil
}

func (r *MemoryEnvelopeRepository) RequeueFailed(_ context.Context, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []*models.RawEnvelope
	for _, env := range r.envelopes {
		if env.Status != models.EnvelopeStatusFailed {
			continue
		}
		if _, busy := r.inflight[env.Key()]; busy {
			continue
		}
		failed = append(failed, env)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].FetchedAt.Before(failed[j].FetchedAt) })

	n := 0
	for _, env := range failed {
		if limit > 0 && n >= limit {
			break
		}
		// two failed envelopes for the same content: only the oldest returns
		if _, busy := r.inflight[env.Key()]; busy {
			continue
		}
		env.Status = models.EnvelopeStatusPending
		env.Error = ""
		env.ProcessedAt = nil
		r.inflight[env.Key()] = env.ID
		n++
	}
	return n, nil
}

func (r *MemoryEnvelopeRepository) CountByStatus(context.Context) (map[models.EnvelopeStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[models.EnvelopeStatus]int)
	for _, env := range r.envelopes {
		counts[env.Status]++
	}
	return counts, nil
}

// Get returns a copy of one envelope.
func (r *MemoryEnvelopeRepository) Get(_ context.Context, id string) (*models.RawEnvelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envelopes[id]
	if !ok {
		return nil, fmt.Errorf("envelope %s: %w", id, models.ErrNotFound)
	}
	cp := copyEnvelope(env)
	return &cp, nil
}

// List returns copies of every envelope ordered by fetch time.
func (r *MemoryEnvelopeRepository) List() []models.RawEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RawEnvelope, 0, len(r.envelopes))
	for _, env := range r.envelopes {
		out = append(out, copyEnvelope(env))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.Before(out[j].FetchedAt) })
	return out
}

func (r *MemoryEnvelopeRepository) staleLocked(env *models.RawEnvelope, now time.Time) bool {
	return r.staleAfter > 0 &&
		env.Status == models.EnvelopeStatusProcessing &&
		env.ClaimedAt != nil &&
		env.ClaimedAt.Before(now.Add(-r.staleAfter))
}

func (r *MemoryEnvelopeRepository) claimLocked(env *models.RawEnvelope, now time.Time) {
	claimed := now
	env.Status = models.EnvelopeStatusProcessing
	env.ClaimedAt = &claimed
	env.Error = ""
}

func copyEnvelope(env *models.RawEnvelope) models.RawEnvelope {
	cp := *env
	cp.Payload = slices.Clone(env.Payload)
	if env.ClaimedAt != nil {
		t := *env.ClaimedAt
		cp.ClaimedAt = &t
	}
	if env.ProcessedAt != nil {
		t := *env.ProcessedAt
		cp.ProcessedAt = &t
	}
	return cp
}

// MemoryPostRepository implements an in-memory post store for testing/development.
type MemoryPostRepository struct {
	mu    sync.RWMutex
	posts map[models.PostKey]models.Post
	now   func() time.Time
}

// NewMemoryPostRepository creates an empty post store.
func NewMemoryPostRepository() *MemoryPostRepository {
	return &MemoryPostRepository{
		posts: make(map[models.PostKey]models.Post),
		now:   time.Now,
	}
}

func (r *MemoryPostRepository) Upsert(_ context.Context, post models.Post) (bool, error) {
	if err := post.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := post.Key()
	existing, ok := r.posts[key]
	if !ok {
		if post.ID == "" {
			post.ID = uuid.NewString()
		}
		if post.CreatedAt.IsZero() {
			post.CreatedAt = r.now().UTC()
		}
		r.posts[key] = post
		return true, nil
	}

	// content fields are immutable; only the enrichment block and metrics move
	existing.Metrics = post.Metrics
	existing.Sentiments = post.Sentiments
	existing.OverallSentiment = post.OverallSentiment
	existing.ThreatLevel = post.ThreatLevel
	existing.ThreatScore = post.ThreatScore
	existing.Narrative = post.Narrative
	existing.Topics = post.Topics
	existing.Language = post.Language
	existing.Comparison = post.Comparison
	existing.EnrichmentDegraded = post.EnrichmentDegraded
	existing.DegradedReason = post.DegradedReason
	existing.EnrichedAt = post.EnrichedAt
	r.posts[key] = existing
	return false, nil
}

func (r *MemoryPostRepository) Get(_ context.Context, key models.PostKey) (*models.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.posts[key]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", key, models.ErrNotFound)
	}
	return &p, nil
}

func (r *MemoryPostRepository) Exists(_ context.Context, key models.PostKey) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.posts[key]
	return ok, nil
}

func (r *MemoryPostRepository) CountByPlatform(context.Context) (map[models.Platform]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[models.Platform]int)
	for _, p := range r.posts {
		counts[p.Source]++
	}
	return counts, nil
}

func (r *MemoryPostRepository) CountBySentiment(context.Context) (map[models.SentimentLabel]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[models.SentimentLabel]int)
	for _, p := range r.posts {
		counts[models.LabelForScore(p.OverallSentiment)]++
	}
	return counts, nil
}

// Len returns the number of stored posts.
func (r *MemoryPostRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.posts)
}
