package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

// Store persists campaigns with optimistic concurrency. Update must fail with
// models.ErrVersionConflict when the stored version differs from c.Version,
// and bump c.Version on success.
type Store interface {
	Create(ctx context.Context, c *models.Campaign) error
	Update(ctx context.Context, c *models.Campaign) error
	Get(ctx context.Context, id string) (*models.Campaign, error)
	ListOpen(ctx context.Context, classification models.ClusterType, since time.Time) ([]models.Campaign, error)
	List(ctx context.Context, limit int) ([]models.Campaign, error)
}

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	campaigns map[string]models.Campaign
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{campaigns: make(map[string]models.Campaign)}
}

func (s *MemoryStore) Create(ctx context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	c.Version = 1
	s.campaigns[c.ID] = clone(*c)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.campaigns[c.ID]
	if !ok {
		return fmt.Errorf("campaign %s: %w", c.ID, models.ErrNotFound)
	}
	if stored.Version != c.Version {
		return fmt.Errorf("campaign %s at version %d: %w", c.ID, c.Version, models.ErrVersionConflict)
	}
	c.Version++
	s.campaigns[c.ID] = clone(*c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	out := clone(c)
	return &out, nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, classification models.ClusterType, since time.Time) ([]models.Campaign, error) {
	return s.list(func(c models.Campaign) bool {
		return c.Classification == classification && c.Status.Open() && !c.LastUpdated.Before(since)
	}, 0), nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]models.Campaign, error) {
	return s.list(func(models.Campaign) bool { return true }, limit), nil
}

func (s *MemoryStore) list(keep func(models.Campaign) bool, limit int) []models.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if keep(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clone(c models.Campaign) models.Campaign {
	c.Members = append([]models.CampaignMember(nil), c.Members...)
	c.Keywords = append([]string(nil), c.Keywords...)
	c.Topics = append([]string(nil), c.Topics...)
	c.Participants = append([]string(nil), c.Participants...)
	if c.EscalatedAt != nil {
		t := *c.EscalatedAt
		c.EscalatedAt = &t
	}
	return c
}
