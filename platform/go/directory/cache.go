package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// Cache stores resolved tenants under string keys with a per-entry TTL.
// Implementations treat backend errors as misses.
type Cache interface {
	Get(ctx context.Context, key string) (tenant.Tenant, bool)
	Set(ctx context.Context, key string, t tenant.Tenant, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]cacheItem
	now   func() time.Time
}

type cacheItem struct {
	tenant    tenant.Tenant
	expiresAt time.Time
}

// NewMemoryCache returns an empty in-process cache. Expired entries are dropped on read.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]cacheItem), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (tenant.Tenant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return tenant.Tenant{}, false
	}
	if c.now().After(item.expiresAt) {
		delete(c.items, key)
		return tenant.Tenant{}, false
	}
	return item.tenant, true
}

func (c *MemoryCache) Set(_ context.Context, key string, t tenant.Tenant, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem{tenant: t, expiresAt: c.now().Add(ttl)}
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.items, key)
	}
}

// RedisCache shares resolved tenants across service replicas.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisCache stores entries as JSON under prefix+key.
func NewRedisCache(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisCache {
	if client == nil {
		panic("directory: redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (tenant.Tenant, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("tenant cache read failed", zap.String("key", key), zap.Error(err))
		}
		return tenant.Tenant{}, false
	}
	var t tenant.Tenant
	if err := json.Unmarshal(raw, &t); err != nil {
		c.logger.Warn("tenant cache entry undecodable", zap.String("key", key), zap.Error(err))
		return tenant.Tenant{}, false
	}
	return t, true
}

func (c *RedisCache) Set(ctx context.Context, key string, t tenant.Tenant, ttl time.Duration) {
	raw, err := json.Marshal(t)
	if err != nil {
		c.logger.Warn("tenant cache entry unencodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		c.logger.Warn("tenant cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = c.prefix + key
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn("tenant cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
