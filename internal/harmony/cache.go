package harmony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EphemeralCache holds raw commentary slices for a short time. Entries are
// never written to history.
type EphemeralCache interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

type memEntry struct {
	key    string
	value  string
	expiry time.Time
}

// MemoryCache is the default process-wide ephemeral store. Expired entries
// are pruned on every Put.
type MemoryCache struct {
	mu      sync.Mutex
	entries []memEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache { return &MemoryCache{now: time.Now} }

// DefaultCache is used by adapters that are not given a cache.
var DefaultCache EphemeralCache = NewMemoryCache()

func (c *MemoryCache) Put(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.expiry.After(now) {
			kept = append(kept, e)
		}
	}
	c.entries = append(kept, memEntry{key: key, value: value, expiry: now.Add(ttl)})
	return nil
}

// Get returns a live entry.
func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for i := len(c.entries) - 1; i >= 0; i-- {
		if e := c.entries[i]; e.key == key && e.expiry.After(now) {
			return e.value, true
		}
	}
	return "", false
}

// Len counts stored entries, expired ones included until the next Put.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache stores slices in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to url and verifies the connection.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client, prefix: "mia:commentary:"}, nil
}

func (c *RedisCache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Close releases the connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
