// Package cache holds the small TTL caches the record stores put in front of the ledger.
// Entries are always safe to lose; the ledger is the source of truth.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a string key/value store with per-entry expiry.
type Cache interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache implements an in-memory cache with TTL
type MemoryCache struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]cacheItem
}

type cacheItem struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache. A nil clock uses wall time.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{
		clock: clk,
		items: make(map[string]cacheItem),
	}
}

// GetString retrieves a value, evicting it if it has expired.
func (c *MemoryCache) GetString(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return "", ErrMiss
	}
	if !item.expiresAt.IsZero() && !c.clock.Now().Before(item.expiresAt) {
		delete(c.items, key)
		return "", ErrMiss
	}
	return item.value, nil
}

// SetString stores a value. A non-positive expiration keeps it until deleted.
func (c *MemoryCache) SetString(_ context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := cacheItem{value: value}
	if expiration > 0 {
		item.expiresAt = c.clock.Now().Add(expiration)
	}
	c.items[key] = item
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RedisAdapter implements Cache on top of a Redis client.
type RedisAdapter struct {
	client RedisClient
	prefix string
}

// NewRedisAdapter creates a new Redis adapter. Every key is namespaced with prefix.
func NewRedisAdapter(client RedisClient, prefix string) *RedisAdapter {
	return &RedisAdapter{client: client, prefix: prefix}
}

func (c *RedisAdapter) key(k string) string { return c.prefix + k }

// GetString maps redis.Nil onto ErrMiss.
func (c *RedisAdapter) GetString(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *RedisAdapter) SetString(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration < 0 {
		expiration = 0
	}
	return c.client.Set(ctx, c.key(key), value, expiration).Err()
}

func (c *RedisAdapter) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Close closes the Redis connection
func (c *RedisAdapter) Close() error {
	return c.client.Close()
}
