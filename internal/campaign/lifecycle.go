package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/STRATINT/polwatch/internal/models"
)

// Acknowledge marks a campaign as seen by an operator.
func (a *Aggregator) Acknowledge(ctx context.Context, id string) (*models.Campaign, error) {
	return a.transition(ctx, id, models.CampaignAcknowledged, models.EventCampaignAcknowledged)
}

// Resolve closes a campaign; resolved campaigns accept no new posts.
func (a *Aggregator) Resolve(ctx context.Context, id string) (*models.Campaign, error) {
	return a.transition(ctx, id, models.CampaignResolved, models.EventCampaignResolved)
}

// Monitor returns an acknowledged or active campaign to monitoring.
func (a *Aggregator) Monitor(ctx context.Context, id string) (*models.Campaign, error) {
	return a.transition(ctx, id, models.CampaignMonitoring, models.EventCampaignUpdated)
}

// Get returns one campaign.
func (a *Aggregator) Get(ctx context.Context, id string) (*models.Campaign, error) {
	return a.store.Get(ctx, id)
}

// List returns the most recently updated campaigns.
func (a *Aggregator) List(ctx context.Context, limit int) ([]models.Campaign, error) {
	return a.store.List(ctx, limit)
}

func (a *Aggregator) transition(ctx context.Context, id string, next models.CampaignStatus, event models.CampaignEventType) (*models.Campaign, error) {
	for attempt := 0; attempt < a.cfg.MaxConflictRetries; attempt++ {
		c, err := a.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !c.Status.CanTransition(next) {
			return nil, fmt.Errorf("campaign %s %s -> %s: %w", id, c.Status, next, models.ErrInvalidTransition)
		}

		prev := c.Status
		now := a.now().UTC()
		c.Status = next
		c.LastUpdated = now
		if err := a.store.Update(ctx, c); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update campaign %s: %w", id, err)
		}

		a.logger.Info("campaign status changed",
			"campaign_id", id,
			"from", prev,
			"to", next,
		)
		a.notify(ctx, event, c, nil, now)
		return c, nil
	}
	return nil, fmt.Errorf("campaign %s: %w after %d attempts", id, models.ErrVersionConflict, a.cfg.MaxConflictRetries)
}
