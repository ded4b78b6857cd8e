package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

type rateCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCache is an in-process Cache used for tests and single-node runs.
type MemoryCache struct {
	mu       sync.Mutex
	seen     map[string]time.Time // key -> expiry
	counters map[string]*rateCounter
	window   time.Duration
	now      func() time.Time
}

// NewMemoryCache creates an in-memory cache whose rate counters expire after window.
func NewMemoryCache(window time.Duration) *MemoryCache {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &MemoryCache{
		seen:     make(map[string]time.Time),
		counters: make(map[string]*rateCounter),
		window:   window,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCache) Seen(_ context.Context, source models.Platform, contentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(seenKey(defaultPrefix, source, contentID)), nil
}

func (c *MemoryCache) MarkSeen(_ context.Context, source models.Platform, contentID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[seenKey(defaultPrefix, source, contentID)] = c.now().Add(normalizeTTL(ttl))
	return nil
}

func (c *MemoryCache) FilterUnseen(_ context.Context, source models.Platform, contentIDs []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	unseen := make([]string, 0, len(contentIDs))
	for _, id := range contentIDs {
		if !c.liveLocked(seenKey(defaultPrefix, source, id)) {
			unseen = append(unseen, id)
		}
	}
	return unseen, nil
}

func (c *MemoryCache) Increment(_ context.Context, source models.Platform, clusterID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rateKey(defaultPrefix, source, clusterID)
	now := c.now()
	ctr, ok := c.counters[key]
	if !ok || !now.Before(ctr.expiresAt) {
		ctr = &rateCounter{expiresAt: now.Add(c.window)}
		c.counters[key] = ctr
	}
	ctr.count++
	return ctr.count, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

// Cleanup removes entries that expired before the given time.
func (c *MemoryCache) Cleanup(olderThan time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, exp := range c.seen {
		if exp.Before(olderThan) {
			delete(c.seen, key)
		}
	}
	for key, ctr := range c.counters {
		if ctr.expiresAt.Before(olderThan) {
			delete(c.counters, key)
		}
	}
}

// Size returns the number of remembered items, expired or not.
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *MemoryCache) liveLocked(key string) bool {
	exp, ok := c.seen[key]
	return ok && c.now().Before(exp)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
