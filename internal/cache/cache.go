// Package cache provides the redis-backed result cache used by the
// pipeline to skip re-extraction of unchanged calls.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResultCache stores unit outputs keyed by call, unit, and unit version.
// A version bump invalidates prior entries by key construction alone.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a result cache. TTL defaults to 24h.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResultCache{client: client, ttl: ttl, logger: logger}
}

func key(callID, unit, version string) string {
	return fmt.Sprintf("callsift:result:%s:%s:%s", callID, unit, version)
}

// Get returns the cached output for the exact call, unit, and version.
// Cache errors degrade to a miss; the pipeline must not fail on cache
// trouble.
func (c *ResultCache) Get(ctx context.Context, callID, unit, version string) (any, bool) {
	raw, err := c.client.Get(ctx, key(callID, unit, version)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("unit", unit), zap.Error(err))
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Warn("cache entry corrupt", zap.String("unit", unit), zap.Error(err))
		return nil, false
	}
	return out, true
}

// Set stores a unit output. Write failures are logged, not surfaced.
func (c *ResultCache) Set(ctx context.Context, callID, unit, version string, output any) {
	raw, err := json.Marshal(output)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("unit", unit), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key(callID, unit, version), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("unit", unit), zap.Error(err))
	}
}

// Invalidate removes every cached entry for a call.
func (c *ResultCache) Invalidate(ctx context.Context, callID string) error {
	pattern := fmt.Sprintf("callsift:result:%s:*", callID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("invalidate call %s: %w", callID, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("invalidate call %s: %w", callID, err)
	}
	return nil
}
