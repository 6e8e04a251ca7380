package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/forestwatch-vn/forestwatch/pkg/observability"
)

// Cache stores resolved users keyed by user ID. Implementations must treat
// their own failures as misses; a cache outage slows resolution down, it
// never changes its outcome.
type Cache interface {
	Get(ctx context.Context, userID int64) (*ResolvedUser, bool)
	Set(ctx context.Context, userID int64, resolved *ResolvedUser)
	Invalidate(ctx context.Context, userID int64)
	Clear(ctx context.Context)
	// Sweep evicts expired entries and returns how many were removed.
	Sweep(ctx context.Context) int
}

// MemoryCache is the in-process tier: a TTL map swept on a fixed interval
// by the scheduler in cmd. Entries also expire lazily on read so a stalled
// sweeper cannot serve stale grants.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[int64]memoryEntry
	ttl     time.Duration
	metrics *observability.Metrics
}

type memoryEntry struct {
	resolved  *ResolvedUser
	expiresAt time.Time
}

// NewMemoryCache creates a memory cache with the given entry TTL.
func NewMemoryCache(ttl time.Duration, metrics *observability.Metrics) *MemoryCache {
	return &MemoryCache{
		entries: make(map[int64]memoryEntry),
		ttl:     ttl,
		metrics: metrics,
	}
}

// Get returns the cached resolution when present and unexpired.
func (c *MemoryCache) Get(_ context.Context, userID int64) (*ResolvedUser, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues("memory").Inc()
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
	}
	return entry.resolved, true
}

// Set stores a resolution with the configured TTL.
func (c *MemoryCache) Set(_ context.Context, userID int64, resolved *ResolvedUser) {
	c.mu.Lock()
	c.entries[userID] = memoryEntry{resolved: resolved, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops one user's entry.
func (c *MemoryCache) Invalidate(_ context.Context, userID int64) {
	c.mu.Lock()
	if _, ok := c.entries[userID]; ok {
		delete(c.entries, userID)
		if c.metrics != nil {
			c.metrics.CacheEvictionsTotal.WithLabelValues("explicit").Inc()
		}
	}
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *MemoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[int64]memoryEntry)
	c.mu.Unlock()
	if c.metrics != nil && n > 0 {
		c.metrics.CacheEvictionsTotal.WithLabelValues("explicit").Add(float64(n))
	}
}

// Sweep removes expired entries in one pass under the write lock.
func (c *MemoryCache) Sweep(_ context.Context) int {
	now := time.Now()
	c.mu.Lock()
	evicted := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			evicted++
		}
	}
	c.mu.Unlock()
	if c.metrics != nil && evicted > 0 {
		c.metrics.CacheEvictionsTotal.WithLabelValues("sweep").Add(float64(evicted))
	}
	return evicted
}

// Len returns the current entry count, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache is the shared tier for multi-replica deployments. Expiry is
// server-side TTL, so Sweep is a no-op here.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRedisCache creates a Redis-backed cache with the given entry TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger, metrics: metrics}
}

func redisKey(userID int64) string {
	return fmt.Sprintf("forestwatch:rbac:user:%d", userID)
}

// Get returns the cached resolution, treating any Redis failure as a miss.
func (c *RedisCache) Get(ctx context.Context, userID int64) (*ResolvedUser, bool) {
	data, err := c.client.Get(ctx, redisKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.WithError(err).Warn("redis cache read failed, treating as miss")
		}
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
		}
		return nil, false
	}

	var resolved ResolvedUser
	if err := json.Unmarshal(data, &resolved); err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Warn("redis cache entry corrupt, dropping")
		}
		c.client.Del(ctx, redisKey(userID))
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
	}
	return &resolved, true
}

// Set stores a resolution; failures are logged and ignored.
func (c *RedisCache) Set(ctx context.Context, userID int64, resolved *ResolvedUser) {
	data, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKey(userID), data, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("redis cache write failed")
	}
}

// Invalidate drops one user's entry.
func (c *RedisCache) Invalidate(ctx context.Context, userID int64) {
	if err := c.client.Del(ctx, redisKey(userID)).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("redis cache invalidate failed")
	}
}

// Clear drops every cached resolution by key prefix scan.
func (c *RedisCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, "forestwatch:rbac:user:*", 100).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("redis cache clear failed")
	}
}

// Sweep is a no-op; Redis expires entries server-side.
func (c *RedisCache) Sweep(_ context.Context) int { return 0 }

// TieredCache reads through memory then Redis, and writes both. Used when
// the service runs multiple replicas behind the gateway.
type TieredCache struct {
	local  *MemoryCache
	shared *RedisCache
}

// NewTieredCache composes the in-process and shared tiers.
func NewTieredCache(local *MemoryCache, shared *RedisCache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

// Get checks the local tier, then the shared tier, promoting shared hits
// into the local tier.
func (c *TieredCache) Get(ctx context.Context, userID int64) (*ResolvedUser, bool) {
	if resolved, ok := c.local.Get(ctx, userID); ok {
		return resolved, true
	}
	if resolved, ok := c.shared.Get(ctx, userID); ok {
		c.local.Set(ctx, userID, resolved)
		return resolved, true
	}
	return nil, false
}

// Set writes both tiers.
func (c *TieredCache) Set(ctx context.Context, userID int64, resolved *ResolvedUser) {
	c.local.Set(ctx, userID, resolved)
	c.shared.Set(ctx, userID, resolved)
}

// Invalidate drops the user from both tiers.
func (c *TieredCache) Invalidate(ctx context.Context, userID int64) {
	c.local.Invalidate(ctx, userID)
	c.shared.Invalidate(ctx, userID)
}

// Clear drops everything from both tiers.
func (c *TieredCache) Clear(ctx context.Context) {
	c.local.Clear(ctx)
	c.shared.Clear(ctx)
}

// Sweep sweeps the local tier.
func (c *TieredCache) Sweep(ctx context.Context) int {
	return c.local.Sweep(ctx)
}
