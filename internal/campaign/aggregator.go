// Package campaign groups related high-threat posts into campaigns and runs
// their lifecycle.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/models"
)

const maxSignatureTerms = 50

// Notifier receives campaign lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event models.CampaignEvent) error
}

// Config holds grouping and escalation settings.
type Config struct {
	GroupingThreshold models.ThreatLevel
	// OverlapThreshold is the minimum topic overlap coefficient for a match.
	OverlapThreshold float64
	// GroupingWindow limits matching to campaigns updated this recently.
	GroupingWindow time.Duration
	// VelocityThreshold in posts per hour within EscalationWindow.
	VelocityThreshold  float64
	EscalationWindow   time.Duration
	MaxConflictRetries int
}

// DefaultConfig returns the default grouping configuration.
func DefaultConfig() Config {
	return Config{
		GroupingThreshold:  models.ThreatMedium,
		OverlapThreshold:   0.3,
		GroupingWindow:     48 * time.Hour,
		VelocityThreshold:  5,
		EscalationWindow:   time.Hour,
		MaxConflictRetries: 5,
	}
}

// ConfigFrom maps the application configuration.
func ConfigFrom(cfg config.CampaignConfig) (Config, error) {
	c := DefaultConfig()
	if cfg.GroupingThreshold != "" {
		level, err := models.ParseThreatLevel(cfg.GroupingThreshold)
		if err != nil {
			return c, fmt.Errorf("grouping threshold: %w", err)
		}
		c.GroupingThreshold = level
	}
	if cfg.OverlapThreshold > 0 {
		c.OverlapThreshold = cfg.OverlapThreshold
	}
	if cfg.GroupingWindow > 0 {
		c.GroupingWindow = cfg.GroupingWindow
	}
	if cfg.VelocityThreshold > 0 {
		c.VelocityThreshold = cfg.VelocityThreshold
	}
	if cfg.EscalationWindow > 0 {
		c.EscalationWindow = cfg.EscalationWindow
	}
	return c, nil
}

// Aggregator implements campaign detection. Posts are aggregated one at a
// time per process; writers in other processes are reconciled through the
// store's version check.
type Aggregator struct {
	store    Store
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewAggregator creates an aggregator. A nil notifier drops events.
func NewAggregator(store Store, notifier Notifier, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 1
	}
	return &Aggregator{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Threshold returns the configured grouping threshold.
func (a *Aggregator) Threshold() models.ThreatLevel {
	return a.cfg.GroupingThreshold
}

// OnPostEnriched folds an enriched post into a campaign. Posts below the
// grouping threshold are ignored and yield (nil, nil). A post already in a
// campaign returns that campaign unchanged. Events are published after the
// aggregation lock is released, so a slow notifier only delays its caller.
func (a *Aggregator) OnPostEnriched(ctx context.Context, post *models.Post, cluster models.Cluster) (*models.Campaign, error) {
	if post == nil || !post.ThreatLevel.AtLeast(a.cfg.GroupingThreshold) {
		return nil, nil
	}

	c, events, err := a.aggregate(ctx, post, cluster)
	if err != nil {
		return nil, err
	}
	a.publish(ctx, events)
	return c, nil
}

func (a *Aggregator) aggregate(ctx context.Context, post *models.Post, cluster models.Cluster) (*models.Campaign, []models.CampaignEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keywords, topics := postSignature(post)
	for attempt := 0; attempt < a.cfg.MaxConflictRetries; attempt++ {
		now := a.now().UTC()
		open, err := a.store.ListOpen(ctx, cluster.Type, now.Add(-a.cfg.GroupingWindow))
		if err != nil {
			return nil, nil, fmt.Errorf("list open campaigns: %w", err)
		}

		for i := range open {
			if open[i].HasMember(post.Key()) {
				return &open[i], nil, nil
			}
		}

		match := a.bestMatch(open, keywords, topics, post.Author)
		if match == nil {
			return a.create(ctx, post, cluster, keywords, topics, now)
		}

		types := a.join(match, post, cluster, keywords, topics, now)
		if err := a.store.Update(ctx, match); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				a.logger.Debug("campaign version conflict, retrying", "campaign_id", match.ID, "attempt", attempt+1)
				continue
			}
			return nil, nil, fmt.Errorf("update campaign %s: %w", match.ID, err)
		}

		key := post.Key()
		events := make([]models.CampaignEvent, 0, len(types))
		for _, t := range types {
			events = append(events, newEvent(t, match, &key, now))
		}
		return match, events, nil
	}
	return nil, nil, fmt.Errorf("aggregate post %s: %w after %d attempts", post.Key(), models.ErrVersionConflict, a.cfg.MaxConflictRetries)
}

func (a *Aggregator) create(ctx context.Context, post *models.Post, cluster models.Cluster, keywords, topics []string, now time.Time) (*models.Campaign, []models.CampaignEvent, error) {
	c := &models.Campaign{
		ID:             uuid.NewString(),
		Classification: cluster.Type,
		ThreatLevel:    post.ThreatLevel,
		Status:         models.CampaignMonitoring,
		FirstDetected:  now,
	}
	types := a.join(c, post, cluster, keywords, topics, now)
	if err := a.store.Create(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("create campaign: %w", err)
	}

	a.logger.Info("campaign detected",
		"campaign_id", c.ID,
		"classification", c.Classification,
		"threat_level", c.ThreatLevel,
		"topics", c.Topics,
	)
	key := post.Key()
	events := []models.CampaignEvent{newEvent(models.EventCampaignDetected, c, &key, now)}
	for _, t := range types {
		if t == models.EventCampaignEscalated {
			events = append(events, newEvent(t, c, &key, now))
		}
	}
	return c, events, nil
}

// join appends the post, recomputes aggregates and applies velocity
// escalation. It returns the events the change produces.
func (a *Aggregator) join(c *models.Campaign, post *models.Post, cluster models.Cluster, keywords, topics []string, now time.Time) []models.CampaignEventType {
	c.Members = append(c.Members, models.CampaignMember{
		Key:         post.Key(),
		ClusterID:   cluster.ID,
		ThreatLevel: post.ThreatLevel,
		Sentiment:   post.OverallSentiment,
		Reach:       post.Metrics.Total(),
		JoinedAt:    now,
	})
	c.Keywords = union(c.Keywords, keywords)
	c.Topics = union(c.Topics, topics)
	if post.Author != "" {
		c.Participants = union(c.Participants, []string{post.Author})
	}
	c.ThreatLevel = models.MaxThreat(c.ThreatLevel, post.ThreatLevel)
	c.LastUpdated = now
	recompute(c, now)

	events := []models.CampaignEventType{models.EventCampaignUpdated}
	if a.shouldEscalate(c, now) {
		c.Status = models.CampaignActive
		c.ThreatLevel = c.ThreatLevel.Raise()
		escalated := now
		c.EscalatedAt = &escalated
		a.logger.Warn("campaign escalated",
			"campaign_id", c.ID,
			"threat_level", c.ThreatLevel,
			"velocity", c.Velocity,
		)
		events = append(events, models.EventCampaignEscalated)
	}
	return events
}

// recompute refreshes the aggregate metrics from the member set.
func recompute(c *models.Campaign, now time.Time) {
	c.TotalPosts = len(c.Members)
	var sentiment float64
	var reach int64
	for _, m := range c.Members {
		sentiment += m.Sentiment
		reach += m.Reach
	}
	if c.TotalPosts > 0 {
		c.AvgSentiment = sentiment / float64(c.TotalPosts)
	}
	c.Reach = reach
	hours := math.Max(now.Sub(c.FirstDetected).Hours(), 1)
	c.Velocity = float64(c.TotalPosts) / hours
}

// shouldEscalate reports whether members joined within the escalation window
// arrive at or above the velocity threshold and the campaign has not already
// escalated within that window. Acknowledged campaigns are left alone.
func (a *Aggregator) shouldEscalate(c *models.Campaign, now time.Time) bool {
	if a.cfg.VelocityThreshold <= 0 || a.cfg.EscalationWindow <= 0 {
		return false
	}
	if c.Status != models.CampaignMonitoring && c.Status != models.CampaignActive {
		return false
	}
	since := now.Add(-a.cfg.EscalationWindow)
	if c.EscalatedAt != nil && c.EscalatedAt.After(since) {
		return false
	}
	recent := 0
	for _, m := range c.Members {
		if !m.JoinedAt.Before(since) {
			recent++
		}
	}
	rate := float64(recent) / a.cfg.EscalationWindow.Hours()
	return rate >= a.cfg.VelocityThreshold
}

// bestMatch returns the open campaign most similar to the post signature, or
// nil. A shared hashtag or a topic overlap at or above the threshold matches;
// a shared participant only breaks ties.
func (a *Aggregator) bestMatch(open []models.Campaign, keywords, topics []string, author string) *models.Campaign {
	var best *models.Campaign
	var bestScore float64
	for i := range open {
		c := &open[i]
		shared := len(intersect(c.Keywords, keywords))
		overlap := overlapCoefficient(c.Topics, topics)
		if shared == 0 && overlap < a.cfg.OverlapThreshold {
			continue
		}
		score := float64(shared) + overlap
		if author != "" && contains(c.Participants, author) {
			score += 0.1
		}
		if best == nil || score > bestScore || (score == bestScore && c.LastUpdated.After(best.LastUpdated)) {
			best, bestScore = c, score
		}
	}
	return best
}

// postSignature returns the post's hashtags and narrative topics. The search
// keyword is left out: every post of a cluster shares it.
func postSignature(p *models.Post) (keywords, topics []string) {
	return normalizeTerms(p.Hashtags), normalizeTerms(p.Topics)
}

func normalizeTerms(terms []string) []string {
	var out []string
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(t, "#")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// overlapCoefficient is |A∩B| / min(|A|,|B|).
func overlapCoefficient(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return float64(len(intersect(a, b))) / float64(min(len(a), len(b)))
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	var out []string
	for _, y := range b {
		if set[y] {
			out = append(out, y)
			delete(set, y)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, y := range b {
		if len(out) >= maxSignatureTerms {
			break
		}
		if !contains(out, y) {
			out = append(out, y)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// newEvent snapshots c; the campaign is not touched after its store write.
func newEvent(t models.CampaignEventType, c *models.Campaign, key *models.PostKey, now time.Time) models.CampaignEvent {
	return models.CampaignEvent{
		Type:       t,
		CampaignID: c.ID,
		Campaign:   *c,
		PostKey:    key,
		OccurredAt: now,
	}
}

func (a *Aggregator) notify(ctx context.Context, t models.CampaignEventType, c *models.Campaign, key *models.PostKey, now time.Time) {
	a.publish(ctx, []models.CampaignEvent{newEvent(t, c, key, now)})
}

// publish hands events to the notifier. Failures are logged only.
func (a *Aggregator) publish(ctx context.Context, events []models.CampaignEvent) {
	if a.notifier == nil {
		return
	}
	for _, event := range events {
		if err := a.notifier.Notify(ctx, event); err != nil {
			a.logger.Error("failed to publish campaign event",
				"campaign_id", event.CampaignID,
				"event", event.Type,
				"error", err,
			)
		}
	}
}
