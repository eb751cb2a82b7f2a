// Package quota caches per-user crawl quota in front of the external
// quota authority. The authority stays the ledger of record; this layer
// only saves a network round trip per dispatch decision.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// ErrCacheMiss signals that no cached quota record exists for the user.
var ErrCacheMiss = errors.New("quota cache miss")

// Cache stores quota snapshots keyed by user.
type Cache interface {
	Get(ctx context.Context, key string) (crawl.QuotaInfo, error)
	Set(ctx context.Context, key string, info crawl.QuotaInfo, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache is the production Cache over a Redis connection. Records are
// stored as JSON strings; a value that fails to decode is treated as
// corruption, evicted, and reported as a miss.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache builds a RedisCache.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get loads a cached quota snapshot or returns ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) (crawl.QuotaInfo, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crawl.QuotaInfo{}, ErrCacheMiss
		}
		return crawl.QuotaInfo{}, fmt.Errorf("quota cache get: %w", err)
	}
	var info crawl.QuotaInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		// Corrupt entry: evict and treat as a miss rather than surfacing
		// the decode failure to admission decisions.
		_ = c.rdb.Del(ctx, key).Err()
		return crawl.QuotaInfo{}, ErrCacheMiss
	}
	return info, nil
}

// Set stores a quota snapshot with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, info crawl.QuotaInfo, ttl time.Duration) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("quota cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("quota cache set: %w", err)
	}
	return nil
}

// Del removes a cached snapshot.
func (c *RedisCache) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("quota cache del: %w", err)
	}
	return nil
}

// CacheKey builds the per-user cache key.
func CacheKey(userID string) string {
	return "quota:user:" + userID
}
