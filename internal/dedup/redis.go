package dedup

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/STRATINT/polwatch/internal/models"
)

// RedisCache is the shared Cache backed by Redis.
type RedisCache struct {
	client goredis.UniversalClient
	prefix string
	window time.Duration
}

// RedisOption customizes a RedisCache.
type RedisOption func(*RedisCache)

// WithKeyPrefix namespaces all keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithRateWindow sets the counter window used by Increment.
func WithRateWindow(window time.Duration) RedisOption {
	return func(c *RedisCache) {
		if window > 0 {
			c.window = window
		}
	}
}

// NewRedisCache wraps an existing client. The caller owns the client.
func NewRedisCache(client goredis.UniversalClient, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, prefix: defaultPrefix, window: DefaultRateWindow}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromURL parses a redis:// URL and returns a connected client.
func NewClientFromURL(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	return client, nil
}

func (c *RedisCache) Seen(ctx context.Context, source models.Platform, contentID string) (bool, error) {
	n, err := c.client.Exists(ctx, seenKey(c.prefix, source, contentID)).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (c *RedisCache) MarkSeen(ctx context.Context, source models.Platform, contentID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, seenKey(c.prefix, source, contentID), 1, normalizeTTL(ttl)).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (c *RedisCache) FilterUnseen(ctx context.Context, source models.Platform, contentIDs []string) ([]string, error) {
	if len(contentIDs) == 0 {
		return nil, nil
	}
	pipe := c.client.Pipeline()
	cmds := make([]*goredis.IntCmd, len(contentIDs))
	for i, id := range contentIDs {
		cmds[i] = pipe.Exists(ctx, seenKey(c.prefix, source, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("pipeline exists", err)
	}

	unseen := make([]string, 0, len(contentIDs))
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			unseen = append(unseen, contentIDs[i])
		}
	}
	return unseen, nil
}

// incrWindow increments KEYS[1] and gives it a TTL of ARGV[1] ms whenever it
// has none, in one round trip. A counter left without a TTL by an older
// writer is repaired on its next increment.
var incrWindow = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (c *RedisCache) Increment(ctx context.Context, source models.Platform, clusterID string) (int64, error) {
	key := rateKey(c.prefix, source, clusterID)
	n, err := incrWindow.Run(ctx, c.client, []string{key}, c.window.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
