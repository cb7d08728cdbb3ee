// Package cache is the Redis collaborator: hot-path ranking/snapshot caches
// plus the pub/sub transport the signal bus publishes on. Everything
// degrades to a no-op when Redis is not configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/marketscan/scanner/internal/domain"
)

// Cache is the hot-path cache contract the orchestrator writes through.
type Cache interface {
	CacheRankings(ctx context.Context, frame domain.RankingFrame) error
	CacheSnapshots(ctx context.Context, snaps []domain.Snapshot) error
}

// RedisCache backs Cache and the signal bus transport with one client.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAuto returns a live Redis cache when addr is set and reachable, and a
// process-local no-op otherwise, so the scanner runs without Redis.
func NewAuto(ctx context.Context, addr string, ttl time.Duration) Cache {
	if addr == "" {
		log.Info().Msg("redis not configured, caching disabled")
		return Noop{}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Str("addr", addr).Err(err).Msg("redis unreachable, caching disabled")
		return Noop{}
	}
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCache wraps an existing client, for tests and custom wiring.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// CacheRankings stores the latest frame under a per-profile key.
func (c *RedisCache) CacheRankings(ctx context.Context, frame domain.RankingFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode ranking frame: %w", err)
	}
	key := fmt.Sprintf("scanner:rankings:%s", frame.Profile)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache rankings: %w", err)
	}
	return nil
}

// CacheSnapshots stores each snapshot under its symbol key in one pipeline.
func (c *RedisCache) CacheSnapshots(ctx context.Context, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, snap := range snaps {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot %s: %w", snap.Symbol, err)
		}
		pipe.Set(ctx, fmt.Sprintf("scanner:snapshot:%s", snap.Symbol), payload, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache snapshots: %w", err)
	}
	return nil
}

// PublishSignal implements the signal bus transport over Redis PUBLISH.
func (c *RedisCache) PublishSignal(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *RedisCache) Close() error { return c.client.Close() }

// Noop satisfies Cache when Redis is absent.
type Noop struct{}

func (Noop) CacheRankings(context.Context, domain.RankingFrame) error { return nil }
func (Noop) CacheSnapshots(context.Context, []domain.Snapshot) error  { return nil }
