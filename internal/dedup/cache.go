// Package dedup tracks which (source, content id) pairs have already been
// collected, and keeps per-source collection counters for each cluster.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

const (
	// DefaultTTL is how long a collected item is remembered.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultRateWindow is the lifetime of a collection counter.
	DefaultRateWindow = 15 * time.Minute

	defaultPrefix = "polwatch"
)

// Cache is the shared seen-set and rate counter used by collection.
// Implementations wrap backend failures with models.ErrCacheUnavailable.
type Cache interface {
	Seen(ctx context.Context, source models.Platform, contentID string) (bool, error)
	MarkSeen(ctx context.Context, source models.Platform, contentID string, ttl time.Duration) error
	FilterUnseen(ctx context.Context, source models.Platform, contentIDs []string) ([]string, error)
	// Increment bumps the counter for one cluster's collections from source
	// and returns the count within the current window. The window starts at
	// the first increment and always expires.
	Increment(ctx context.Context, source models.Platform, clusterID string) (int64, error)
	Ping(ctx context.Context) error
}

func seenKey(prefix string, source models.Platform, contentID string) string {
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, source, contentID)
}

func rateKey(prefix string, source models.Platform, clusterID string) string {
	return fmt.Sprintf("%s:rate:%s:%s", prefix, source, clusterID)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrCacheUnavailable, op, err)
}
