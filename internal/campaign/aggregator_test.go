package campaign

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.CampaignEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, e models.CampaignEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) types() []models.CampaignEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.CampaignEventType
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

var competitor = models.Cluster{ID: "dmk", Name: "DMK", Type: models.ClusterTypeCompetitor, Keywords: []string{"DMK"}}

func post(id string, level models.ThreatLevel, topics ...string) *models.Post {
	return &models.Post{
		Source:           models.PlatformTwitter,
		ContentID:        id,
		Keyword:          "DMK",
		Author:           "author-" + id,
		ThreatLevel:      level,
		OverallSentiment: -0.5,
		Topics:           topics,
		Metrics:          models.Engagement{Likes: 10, Shares: 5},
	}
}

func newTestAggregator(cfg Config) (*Aggregator, *MemoryStore, *recordingNotifier, *fakeClock) {
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	clock := newClock()
	agg := NewAggregator(store, notifier, cfg, nil)
	agg.SetClock(clock.now)
	return agg, store, notifier, clock
}

func TestRelatedHighThreatPostsFormOneCampaign(t *testing.T) {
	agg, store, notifier, clock := newTestAggregator(DefaultConfig())
	ctx := context.Background()

	first, err := agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption", "tender"), competitor)
	if err != nil || first == nil {
		t.Fatalf("first post: %v, %v", first, err)
	}
	clock.advance(10 * time.Minute)
	second, err := agg.OnPostEnriched(ctx, post("2", models.ThreatHigh, "corruption"), competitor)
	if err != nil || second == nil {
		t.Fatalf("second post: %v, %v", second, err)
	}
	third, err := agg.OnPostEnriched(ctx, post("3", models.ThreatLow, "corruption"), competitor)
	if err != nil || third != nil {
		t.Fatalf("low-threat post must be ignored, got %v, %v", third, err)
	}

	all, _ := store.List(ctx, 0)
	if len(all) != 1 {
		t.Fatalf("expected exactly one campaign, got %d", len(all))
	}
	c := all[0]
	if c.TotalPosts != 2 || !c.HasMember(models.PostKey{Source: models.PlatformTwitter, ContentID: "1"}) ||
		!c.HasMember(models.PostKey{Source: models.PlatformTwitter, ContentID: "2"}) {
		t.Fatalf("unexpected members: %+v", c.Members)
	}
	if c.HasMember(models.PostKey{Source: models.PlatformTwitter, ContentID: "3"}) {
		t.Fatal("low-threat post joined the campaign")
	}
	for _, m := range c.Members {
		if !m.ThreatLevel.AtLeast(agg.Threshold()) {
			t.Fatalf("member %s below grouping threshold", m.Key)
		}
	}
	if c.Status != models.CampaignMonitoring || c.Classification != models.ClusterTypeCompetitor {
		t.Fatalf("unexpected status/classification %s/%s", c.Status, c.Classification)
	}
	if c.Reach != 30 || c.AvgSentiment != -0.5 || c.Velocity != 2 {
		t.Fatalf("unexpected aggregates reach=%d sentiment=%v velocity=%v", c.Reach, c.AvgSentiment, c.Velocity)
	}

	got := notifier.types()
	if len(got) != 2 || got[0] != models.EventCampaignDetected || got[1] != models.EventCampaignUpdated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestUnrelatedPostsFormSeparateCampaigns(t *testing.T) {
	agg, store, _, _ := newTestAggregator(DefaultConfig())
	ctx := context.Background()

	agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption"), competitor)
	agg.OnPostEnriched(ctx, post("2", models.ThreatHigh, "floods", "relief", "water"), competitor)

	own := competitor
	own.Type = models.ClusterTypeOwn
	agg.OnPostEnriched(ctx, post("3", models.ThreatHigh, "corruption"), own)

	all, _ := store.List(ctx, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 campaigns, got %d", len(all))
	}
}

func TestSharedHashtagMatches(t *testing.T) {
	agg, store, _, _ := newTestAggregator(DefaultConfig())
	ctx := context.Background()

	a := post("1", models.ThreatMedium, "jobs")
	a.Hashtags = []string{"GoBackDMK"}
	b := post("2", models.ThreatCritical, "prices")
	b.Hashtags = []string{"#gobackdmk"}

	agg.OnPostEnriched(ctx, a, competitor)
	c, err := agg.OnPostEnriched(ctx, b, competitor)
	if err != nil {
		t.Fatalf("OnPostEnriched returned error: %v", err)
	}
	all, _ := store.List(ctx, 0)
	if len(all) != 1 || c.TotalPosts != 2 {
		t.Fatalf("expected hashtag match, got %d campaigns", len(all))
	}
	if c.ThreatLevel != models.ThreatCritical {
		t.Fatalf("campaign threat must be the max member level, got %s", c.ThreatLevel)
	}
}

func TestGroupingWindowAndResolvedCampaigns(t *testing.T) {
	agg, store, _, clock := newTestAggregator(DefaultConfig())
	ctx := context.Background()

	first, _ := agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption"), competitor)
	if _, err := agg.Resolve(ctx, first.ID); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	second, _ := agg.OnPostEnriched(ctx, post("2", models.ThreatHigh, "corruption"), competitor)
	if second.ID == first.ID {
		t.Fatal("resolved campaign must not accept new posts")
	}

	clock.advance(72 * time.Hour)
	third, _ := agg.OnPostEnriched(ctx, post("3", models.ThreatHigh, "corruption"), competitor)
	if third.ID == second.ID {
		t.Fatal("campaign outside the grouping window must not match")
	}

	all, _ := store.List(ctx, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 campaigns, got %d", len(all))
	}
}

func TestVelocityEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VelocityThreshold = 2
	cfg.EscalationWindow = time.Hour
	agg, _, notifier, clock := newTestAggregator(cfg)
	ctx := context.Background()

	agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption"), competitor)
	clock.advance(5 * time.Minute)
	c, err := agg.OnPostEnriched(ctx, post("2", models.ThreatHigh, "corruption"), competitor)
	if err != nil {
		t.Fatalf("OnPostEnriched returned error: %v", err)
	}
	if c.Status != models.CampaignActive || c.ThreatLevel != models.ThreatCritical || c.EscalatedAt == nil {
		t.Fatalf("expected escalation to active/critical, got %s/%s", c.Status, c.ThreatLevel)
	}

	clock.advance(5 * time.Minute)
	agg.OnPostEnriched(ctx, post("3", models.ThreatHigh, "corruption"), competitor)

	escalations := 0
	for _, typ := range notifier.types() {
		if typ == models.EventCampaignEscalated {
			escalations++
		}
	}
	if escalations != 1 {
		t.Fatalf("expected one escalation within the window, got %d", escalations)
	}
}

func TestAcknowledgedCampaignDoesNotEscalate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VelocityThreshold = 2
	agg, _, _, _ := newTestAggregator(cfg)
	ctx := context.Background()

	c, _ := agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption"), competitor)
	if _, err := agg.Acknowledge(ctx, c.ID); err != nil {
		t.Fatalf("Acknowledge returned error: %v", err)
	}
	c, _ = agg.OnPostEnriched(ctx, post("2", models.ThreatHigh, "corruption"), competitor)
	if c.Status != models.CampaignAcknowledged || c.ThreatLevel != models.ThreatHigh {
		t.Fatalf("acknowledged campaign changed: %s/%s", c.Status, c.ThreatLevel)
	}
}

func TestOnPostEnrichedIsIdempotent(t *testing.T) {
	agg, _, _, _ := newTestAggregator(DefaultConfig())
	ctx := context.Background()

	p := post("1", models.ThreatHigh, "corruption")
	agg.OnPostEnriched(ctx, p, competitor)
	c, err := agg.OnPostEnriched(ctx, p, competitor)
	if err != nil {
		t.Fatalf("OnPostEnriched returned error: %v", err)
	}
	if c.TotalPosts != 1 {
		t.Fatalf("re-enriched post must not join twice, got %d members", c.TotalPosts)
	}
}

type conflictingStore struct {
	*MemoryStore
	conflicts int
}

func (s *conflictingStore) Update(ctx context.Context, c *models.Campaign) error {
	if s.conflicts > 0 {
		s.conflicts--
		// simulate another writer
		stored, _ := s.MemoryStore.Get(ctx, c.ID)
		s.MemoryStore.Update(ctx, stored)
		return models.ErrVersionConflict
	}
	return s.MemoryStore.Update(ctx, c)
}

func TestVersionConflictIsRetried(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore()}
	agg := NewAggregator(store, nil, DefaultConfig(), nil)
	ctx := context.Background()

	agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption"), competitor)
	store.conflicts = 2
	c, err := agg.OnPostEnriched(ctx, post("2", models.ThreatHigh, "corruption"), competitor)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if c.TotalPosts != 2 {
		t.Fatalf("expected 2 members, got %d", c.TotalPosts)
	}

	store.conflicts = 100
	_, err = agg.OnPostEnriched(ctx, post("3", models.ThreatHigh, "corruption"), competitor)
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("expected version conflict after retries, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	agg, _, notifier, _ := newTestAggregator(DefaultConfig())
	ctx := context.Background()

	c, _ := agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption"), competitor)

	if _, err := agg.Monitor(ctx, c.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("monitoring -> monitoring must be rejected, got %v", err)
	}
	if _, err := agg.Acknowledge(ctx, c.ID); err != nil {
		t.Fatalf("Acknowledge returned error: %v", err)
	}
	if _, err := agg.Monitor(ctx, c.ID); err != nil {
		t.Fatalf("Monitor returned error: %v", err)
	}
	resolved, err := agg.Resolve(ctx, c.ID)
	if err != nil || resolved.Status != models.CampaignResolved {
		t.Fatalf("Resolve: %v, %v", resolved, err)
	}
	if _, err := agg.Acknowledge(ctx, c.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("resolved campaign must not be acknowledged, got %v", err)
	}
	if _, err := agg.Resolve(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got := notifier.types()
	want := []models.CampaignEventType{
		models.EventCampaignDetected,
		models.EventCampaignAcknowledged,
		models.EventCampaignUpdated,
		models.EventCampaignResolved,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestOverlapCoefficient(t *testing.T) {
	tests := []struct {
		a, b []string
		want float64
	}{
		{[]string{"a", "b", "c"}, []string{"a"}, 1},
		{[]string{"a", "b", "c"}, []string{"a", "x", "y"}, 1.0 / 3},
		{nil, []string{"a"}, 0},
		{[]string{"a"}, []string{"b"}, 0},
	}
	for _, tt := range tests {
		if got := overlapCoefficient(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("overlapCoefficient(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

// blockingNotifier parks every Notify until release is closed.
type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (n *blockingNotifier) Notify(ctx context.Context, e models.CampaignEvent) error {
	n.once.Do(func() { close(n.entered) })
	select {
	case <-n.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowNotifierDoesNotBlockAggregation(t *testing.T) {
	notifier := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	store := NewMemoryStore()
	agg := NewAggregator(store, notifier, DefaultConfig(), nil)
	agg.SetClock(newClock().now)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := agg.OnPostEnriched(ctx, post("1", models.ThreatHigh, "corruption"), competitor)
		first <- err
	}()
	<-notifier.entered

	// the first caller is still publishing; an unrelated post must aggregate
	done := make(chan error, 1)
	go func() {
		c, _, err := agg.aggregate(ctx, post("2", models.ThreatHigh, "floods"), competitor)
		if err == nil && c == nil {
			err = errors.New("no campaign created")
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aggregation blocked behind a pending notification")
	}

	close(notifier.release)
	if err := <-first; err != nil {
		t.Fatalf("first OnPostEnriched: %v", err)
	}
	campaigns, err := store.List(ctx, 10)
	if err != nil || len(campaigns) != 2 {
		t.Fatalf("expected 2 campaigns, got %d (%v)", len(campaigns), err)
	}
}
