package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/STRATINT/polwatch/internal/enrichment"
	"github.com/STRATINT/polwatch/internal/models"
	"github.com/STRATINT/polwatch/internal/sources"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stage collects the cluster without enrichment and returns the staged count.
func stage(t *testing.T, h *harness, clusterID string) int {
	t.Helper()
	result, err := h.pipeline.CollectCluster(context.Background(), CollectRequest{ClusterID: clusterID})
	if err != nil {
		t.Fatalf("CollectCluster: %v", err)
	}
	return result.PostsCollected
}

func statuses(h *harness) map[models.EnvelopeStatus]int {
	counts := make(map[models.EnvelopeStatus]int)
	for _, env := range h.envelopes.List() {
		counts[env.Status]++
	}
	return counts
}

func TestProcessBacklog(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1", "2", "3")}
	h := newHarness(t, []sources.Adapter{twitter})
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	stage(t, h, "dmk")

	result, err := h.pipeline.ProcessBacklog(context.Background(), BacklogRequest{})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Processed != 3 || result.Saved != 3 || result.ErrorsCount != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Batches != 1 {
		t.Errorf("expected a single batch, got %d", result.Batches)
	}
	if got := statuses(h)[models.EnvelopeStatusCompleted]; got != 3 {
		t.Errorf("expected 3 completed envelopes, got %d", got)
	}

	post, err := h.posts.Get(context.Background(), models.PostKey{Source: models.PlatformTwitter, ContentID: "2"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if post.ClusterID != "dmk" || post.ThreatLevel != models.ThreatHigh || post.EnrichmentDegraded {
		t.Errorf("unexpected post %+v", post)
	}
	if len(h.sink.posts) != 3 {
		t.Errorf("expected 3 posts fed to campaigns, got %v", h.sink.posts)
	}
}

func TestProcessBacklogBatches(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1", "2", "3", "4", "5")}
	h := newHarness(t, []sources.Adapter{twitter})
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	stage(t, h, "dmk")

	result, err := h.pipeline.ProcessBacklog(context.Background(), BacklogRequest{Limit: 2, MaxBatches: 2})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Batches != 2 || result.Processed != 4 {
		t.Errorf("expected 2 batches / 4 processed, got %+v", result)
	}
	if got := statuses(h)[models.EnvelopeStatusPending]; got != 1 {
		t.Errorf("expected 1 envelope left pending, got %d", got)
	}
}

func TestProcessBacklogSkipsExistingPosts(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1")}
	h := newHarness(t, []sources.Adapter{twitter})
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	ctx := context.Background()

	existing := models.Post{
		Source:      models.PlatformTwitter,
		ContentID:   "1",
		EnvelopeID:  "older-envelope",
		ThreatLevel: models.ThreatLow,
	}
	if _, err := h.posts.Upsert(ctx, existing); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	stage(t, h, "dmk")

	result, err := h.pipeline.ProcessBacklog(ctx, BacklogRequest{})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Skipped != 1 || result.Saved != 0 {
		t.Errorf("expected one skip, got %+v", result)
	}
	if h.reasoner.calls.Load() != 0 {
		t.Error("duplicate content should not be enriched")
	}
	envs := h.envelopes.List()
	if envs[0].Status != models.EnvelopeStatusSkipped || !strings.Contains(envs[0].Error, "duplicate") {
		t.Errorf("unexpected envelope %+v", envs[0])
	}
}

func TestProcessBacklogCompletesEnvelopeWhosePostWasSaved(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1")}
	h := newHarness(t, []sources.Adapter{twitter})
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	ctx := context.Background()
	stage(t, h, "dmk")

	env := h.envelopes.List()[0]
	post := models.Post{Source: env.Source, ContentID: env.ContentID, EnvelopeID: env.ID, ThreatLevel: models.ThreatLow}
	if _, err := h.posts.Upsert(ctx, post); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	result, err := h.pipeline.ProcessBacklog(ctx, BacklogRequest{})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Processed != 1 || result.Skipped != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if got, _ := h.envelopes.Get(ctx, env.ID); got.Status != models.EnvelopeStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestProcessBacklogExtractionFailure(t *testing.T) {
	bad := items("1", "2")
	bad[1].Text = "   "
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: bad}
	h := newHarness(t, []sources.Adapter{twitter})
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	ctx := context.Background()
	stage(t, h, "dmk")

	result, err := h.pipeline.ProcessBacklog(ctx, BacklogRequest{})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Saved != 1 || result.Failed != 1 || result.ErrorsCount != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	for _, env := range h.envelopes.List() {
		if env.ContentID != "2" {
			continue
		}
		if env.Status != models.EnvelopeStatusFailed || !strings.Contains(env.Error, models.ErrExtractionFailure.Error()) {
			t.Errorf("unexpected failed envelope %+v", env)
		}
	}

	// failed envelopes wait for an operator
	again, err := h.pipeline.ProcessBacklog(ctx, BacklogRequest{})
	if err != nil || again.Processed != 0 {
		t.Fatalf("failed envelope was retried automatically: %+v, %v", again, err)
	}
	n, err := h.pipeline.RequeueFailed(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("RequeueFailed = %d, %v", n, err)
	}
	if got := statuses(h)[models.EnvelopeStatusPending]; got != 1 {
		t.Errorf("expected the failed envelope back in pending, got %d", got)
	}
}

func TestProcessBacklogDegradesOnReasonerTimeout(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1")}
	h := newHarness(t, []sources.Adapter{twitter}, withEngineTimeout(20*time.Millisecond))
	h.reasoner.delay = time.Second
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	ctx := context.Background()
	stage(t, h, "dmk")

	result, err := h.pipeline.ProcessBacklog(ctx, BacklogRequest{})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Saved != 1 || result.Degraded != 1 {
		t.Errorf("expected one degraded save, got %+v", result)
	}

	post, err := h.posts.Get(ctx, models.PostKey{Source: models.PlatformTwitter, ContentID: "1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !post.EnrichmentDegraded || post.DegradedReason != enrichment.ReasonTimeout {
		t.Errorf("expected degraded timeout post, got %+v", post)
	}
	if post.ThreatLevel != models.ThreatLow || post.Language != "unknown" {
		t.Errorf("expected fallback values, got %s / %s", post.ThreatLevel, post.Language)
	}
	if got := statuses(h)[models.EnvelopeStatusCompleted]; got != 1 {
		t.Errorf("degraded envelope should complete, got %v", statuses(h))
	}
}

func TestProcessBacklogConcurrentSweepsProcessOnce(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
	}
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items(ids...)}
	h := newHarness(t, []sources.Adapter{twitter}, withConfig(func(c *PipelineConfig) {
		c.EnrichmentWorkers = 3
	}))
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	stage(t, h, "dmk")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total BacklogResult
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.pipeline.ProcessBacklog(context.Background(), BacklogRequest{Limit: 3})
			if err != nil {
				t.Errorf("ProcessBacklog: %v", err)
				return
			}
			mu.Lock()
			total.add(*result)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total.Processed != 20 || total.Saved != 20 {
		t.Errorf("expected every envelope processed exactly once, got %+v", total)
	}
	if h.reasoner.calls.Load() != 20 {
		t.Errorf("expected 20 enrichment calls, got %d", h.reasoner.calls.Load())
	}
	if h.posts.Len() != 20 {
		t.Errorf("expected 20 posts, got %d", h.posts.Len())
	}
}

func TestProcessBacklogDeadlineReleasesUnstarted(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1", "2", "3")}
	h := newHarness(t, []sources.Adapter{twitter}, withConfig(func(c *PipelineConfig) {
		c.EnrichmentWorkers = 1
	}))
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	stage(t, h, "dmk")

	clock := &testClock{now: baseTime}
	h.pipeline.SetClock(clock.Now)
	h.reasoner.onAnalyze = func() { clock.Advance(time.Minute) }

	result, err := h.pipeline.ProcessBacklog(context.Background(), BacklogRequest{Deadline: baseTime.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Processed != 1 || result.Released != 2 {
		t.Errorf("expected 1 processed and 2 released, got %+v", result)
	}
	counts := statuses(h)
	if counts[models.EnvelopeStatusCompleted] != 1 || counts[models.EnvelopeStatusPending] != 2 {
		t.Errorf("unexpected statuses %v", counts)
	}
}

func TestProcessBacklogPastDeadlineClaimsNothing(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1")}
	h := newHarness(t, []sources.Adapter{twitter})
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	stage(t, h, "dmk")

	result, err := h.pipeline.ProcessBacklog(context.Background(), BacklogRequest{Deadline: time.Now().Add(-time.Second)})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Batches != 0 || statuses(h)[models.EnvelopeStatusPending] != 1 {
		t.Errorf("expected nothing claimed, got %+v", result)
	}
}

// unavailablePosts fails every read as if the database connection dropped.
type unavailablePosts struct{ *MemoryPostRepository }

func (unavailablePosts) Exists(context.Context, models.PostKey) (bool, error) {
	return false, fmt.Errorf("check post exists: %w", models.ErrDatastoreUnavailable)
}

func TestProcessBacklogAbortsWhenDatastoreUnavailable(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1", "2", "3")}
	h := newHarness(t, []sources.Adapter{twitter},
		withPosts(unavailablePosts{NewMemoryPostRepository()}),
		withConfig(func(c *PipelineConfig) { c.EnrichmentWorkers = 1 }),
	)
	h.clusters.Put(testCluster("dmk", "DMK", models.PlatformTwitter))
	stage(t, h, "dmk")

	result, err := h.pipeline.ProcessBacklog(context.Background(), BacklogRequest{})
	if !errors.Is(err, models.ErrDatastoreUnavailable) {
		t.Fatalf("expected ErrDatastoreUnavailable, got %v", err)
	}
	if result.Processed != 0 || result.Released != 3 {
		t.Errorf("expected the whole batch released, got %+v", result)
	}
	if h.reasoner.calls.Load() != 0 {
		t.Error("no enrichment should run once the datastore is gone")
	}
	if got := statuses(h)[models.EnvelopeStatusPending]; got != 3 {
		t.Errorf("expected 3 pending envelopes, got %d", got)
	}
}

func TestProcessBacklogUnknownClusterStillEnriches(t *testing.T) {
	twitter := &fakeAdapter{platform: models.PlatformTwitter, items: items("1")}
	h := newHarness(t, []sources.Adapter{twitter})
	ctx := context.Background()

	env := models.RawEnvelope{
		Source:    models.PlatformTwitter,
		ContentID: "orphan",
		ClusterID: "deleted",
		Payload:   []byte(`{"id":"orphan","text":"DMK statement on budget"}`),
		FetchedAt: baseTime,
	}
	if _, staged, err := h.envelopes.Stage(ctx, env); err != nil || !staged {
		t.Fatalf("Stage = %v, %v", staged, err)
	}

	result, err := h.pipeline.ProcessBacklog(ctx, BacklogRequest{})
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if result.Saved != 1 {
		t.Errorf("expected the orphan envelope to be saved, got %+v", result)
	}
}
