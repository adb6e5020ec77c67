package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oceanic-labs/mariner-core/internal/service"
)

// GuardianRedisCache backs GuardianService's message-hash cache with Redis,
// so safety decisions survive process restarts and are shared across
// replicas — the shape a TTL keyed lookup actually wants, unlike the
// cosine-scan semantic cache (D).
type GuardianRedisCache struct {
	client redis.UniversalClient
}

// NewGuardianRedisCache pings addr and returns a ready cache, or an error if
// Redis is unreachable; callers should fall back to GuardianMemoryCache on error.
func NewGuardianRedisCache(addr, password string, db int) (*GuardianRedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &GuardianRedisCache{client: client}, nil
}

func (c *GuardianRedisCache) key(hash string) string {
	return "guardian:" + hash
}

// Get implements service.GuardianCache.
func (c *GuardianRedisCache) Get(ctx context.Context, hash string) (*service.GuardianResult, bool) {
	raw, err := c.client.Get(ctx, c.key(hash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("[GUARDIAN-CACHE] redis get failed", "error", err)
		}
		return nil, false
	}
	var result service.GuardianResult
	if err := json.Unmarshal(raw, &result); err != nil {
		slog.Warn("[GUARDIAN-CACHE] decode failed", "error", err)
		return nil, false
	}
	return &result, true
}

// Set implements service.GuardianCache.
func (c *GuardianRedisCache) Set(ctx context.Context, hash string, result service.GuardianResult, ttl time.Duration) {
	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("[GUARDIAN-CACHE] encode failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(hash), data, ttl).Err(); err != nil {
		slog.Warn("[GUARDIAN-CACHE] redis set failed", "error", err)
	}
}

// GuardianMemoryCache is the in-process fallback used when Redis is
// unreachable at startup — same TTL-map shape as query.go/embedding.go.
type GuardianMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]guardianMemEntry
}

type guardianMemEntry struct {
	result    service.GuardianResult
	expiresAt time.Time
}

// NewGuardianMemoryCache creates an in-process GuardianCache fallback.
func NewGuardianMemoryCache() *GuardianMemoryCache {
	return &GuardianMemoryCache{entries: make(map[string]guardianMemEntry)}
}

func (c *GuardianMemoryCache) Get(_ context.Context, hash string) (*service.GuardianResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	result := entry.result
	return &result, true
}

func (c *GuardianMemoryCache) Set(_ context.Context, hash string, result service.GuardianResult, ttl time.Duration) {
	c.mu.Lock()
	c.entries[hash] = guardianMemEntry{result: result, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}
