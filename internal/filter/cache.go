package filter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whadgest/whadgest-backend/internal/config"
)

// VerdictCache stores classifier verdicts by text hash
type VerdictCache interface {
	Get(ctx context.Context, key string) (blocked bool, ok bool)
	Set(ctx context.Context, key string, blocked bool)
}

// CacheKey hashes text into a verdict cache key
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is an in-process verdict cache with TTL
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]cacheItem
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheItem struct {
	blocked    bool
	expiration time.Time
}

// NewMemoryCache creates an in-memory verdict cache
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		items:      make(map[string]cacheItem),
		ttl:        ttl,
		maxEntries: 10000,
		now:        time.Now,
	}
}

// Get implements VerdictCache
func (c *MemoryCache) Get(ctx context.Context, key string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || c.now().After(item.expiration) {
		return false, false
	}
	return item.blocked, true
}

// Set implements VerdictCache
func (c *MemoryCache) Set(ctx context.Context, key string, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxEntries {
		c.pruneLocked()
	}
	c.items[key] = cacheItem{
		blocked:    blocked,
		expiration: c.now().Add(c.ttl),
	}
}

// Prune removes expired entries
func (c *MemoryCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *MemoryCache) pruneLocked() int {
	now := c.now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
			removed++
		}
	}
	// Still full: drop everything rather than grow without bound.
	if len(c.items) >= c.maxEntries {
		removed += len(c.items)
		c.items = make(map[string]cacheItem)
	}
	return removed
}

// Len returns the number of stored entries
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// RedisCache shares verdicts between processes
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis verdict cache
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "whadgest:verdict:"}
}

// Get implements VerdictCache. Redis errors count as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (bool, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		return false, false
	}
	return val == "1", true
}

// Set implements VerdictCache
func (c *RedisCache) Set(ctx context.Context, key string, blocked bool) {
	val := "0"
	if blocked {
		val = "1"
	}
	_ = c.client.Set(ctx, c.prefix+key, val, c.ttl).Err()
}

// NewRedisClient connects to the configured Redis node or cluster.
// Addresses are comma separated.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("redis address is not configured")
	}
	var addrs []string
	for _, addr := range strings.Split(cfg.Address, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
