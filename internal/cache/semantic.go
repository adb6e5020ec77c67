// Package cache provides in-memory caching for the RAG pipeline.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oceanic-labs/mariner-core/internal/service"
)

// SemanticCache caches generated answers keyed by query embedding rather
// than exact query text, so paraphrased questions ("what's the minimum
// freeboard" vs "minimum required freeboard") can still hit. A linear
// cosine scan over a capped, per-user entry set stands in for an ANN index;
// at the ~10k-entry ceiling this holds, it's cheaper to keep correct than to
// wire a vector index purely for the cache.
type SemanticCache struct {
	mu            sync.RWMutex
	entries       []*semanticEntry
	capacity      int
	ttl           time.Duration
	minSimilarity float64
	stopCh        chan struct{}
	group         singleflight.Group
}

type semanticEntry struct {
	userID    string
	embedding []float32
	result    service.CachedAnswer
	createdAt time.Time
	expiresAt time.Time
	lastTouch time.Time
}

// NewSemanticCache creates a SemanticCache and starts its background
// eviction goroutine. minSimilarity is the cosine threshold a stored
// embedding must clear to count as a hit (SPEC_FULL.md default 0.99 — a
// near-duplicate bar, not a loose paraphrase match).
func NewSemanticCache(capacity int, ttl time.Duration, minSimilarity float64) *SemanticCache {
	c := &SemanticCache{
		entries:       make([]*semanticEntry, 0, capacity),
		capacity:      capacity,
		ttl:           ttl,
		minSimilarity: minSimilarity,
		stopCh:        make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get scans the user's cached embeddings for the nearest neighbor and
// returns it if its cosine similarity to queryVec clears minSimilarity.
func (c *SemanticCache) Get(userID string, queryVec []float32) (*service.CachedAnswer, bool) {
	// Full lock, not a read lock: a hit updates the entry's lastTouch.
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var best *semanticEntry
	bestSim := -1.0
	for _, e := range c.entries {
		if e.userID != userID || now.After(e.expiresAt) {
			continue
		}
		sim := cosineSimilarity(queryVec, e.embedding)
		if sim > bestSim {
			bestSim = sim
			best = e
		}
	}

	if best == nil || bestSim < c.minSimilarity {
		return nil, false
	}

	best.lastTouch = now
	slog.Info("[SEM-CACHE] hit", "user_id", userID, "similarity", bestSim, "age_ms", now.Sub(best.createdAt).Milliseconds())
	result := best.result
	return &result, true
}

// Set stores a generated answer under the given query embedding, evicting
// the least-recently-used entry first if the cache is at capacity.
func (c *SemanticCache) Set(userID string, queryVec []float32, result service.CachedAnswer) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	vec := make([]float32, len(queryVec))
	copy(vec, queryVec)
	c.entries = append(c.entries, &semanticEntry{
		userID:    userID,
		embedding: vec,
		result:    result,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
		lastTouch: now,
	})

	slog.Info("[SEM-CACHE] set", "user_id", userID, "total_entries", len(c.entries))
}

// GetOrCompute coalesces concurrent calls for the same (userID, query) pair
// via singleflight, so a burst of identical questions triggers at most one
// retrieve+generate+verify pipeline run; the rest wait on its result. The
// coalescing key is the literal query text, independent of the embedding
// similarity check Get/Set perform — it only protects against exact
// duplicate in-flight requests, not paraphrases.
func (c *SemanticCache) GetOrCompute(ctx context.Context, userID, query string, fn func() (service.CachedAnswer, error)) (service.CachedAnswer, error) {
	key := singleflightKey(userID, query)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return service.CachedAnswer{}, err
	}
	return v.(service.CachedAnswer), nil
}

// InvalidateUser removes all cached entries for a user.
func (c *SemanticCache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	removed := 0
	for _, e := range c.entries {
		if e.userID == userID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept

	if removed > 0 {
		slog.Info("[SEM-CACHE] invalidated user", "user_id", userID, "entries_removed", removed)
	}
}

// Len returns the number of entries currently held.
func (c *SemanticCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop halts the background cleanup goroutine.
func (c *SemanticCache) Stop() {
	close(c.stopCh)
}

// evictOldestLocked drops the least-recently-touched entry. Caller must hold mu.
func (c *SemanticCache) evictOldestLocked() {
	if len(c.entries) == 0 {
		return
	}
	oldestIdx := 0
	for i, e := range c.entries {
		if e.lastTouch.Before(c.entries[oldestIdx].lastTouch) {
			oldestIdx = i
		}
	}
	c.entries = append(c.entries[:oldestIdx], c.entries[oldestIdx+1:]...)
}

// cleanup removes expired entries every 5 minutes.
func (c *SemanticCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			before := len(c.entries)
			kept := c.entries[:0]
			for _, e := range c.entries {
				if now.Before(e.expiresAt) {
					kept = append(kept, e)
				}
			}
			c.entries = kept
			after := len(c.entries)
			c.mu.Unlock()
			if before != after {
				slog.Info("[SEM-CACHE] cleanup", "removed", before-after, "remaining", after)
			}
		case <-c.stopCh:
			return
		}
	}
}

// cosineSimilarity computes the cosine similarity of two equal-length,
// L2-normalized vectors. Embeddings from the Vertex AI client are already
// unit-normalized, so this reduces to a plain dot product; the explicit norm
// terms are kept so the cache stays correct if that invariant ever slips.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// singleflightKey builds a coalescing key for in-flight request dedup.
func singleflightKey(userID, query string) string {
	h := sha256.Sum256([]byte(query))
	return fmt.Sprintf("sf:%s:%x", userID, h[:8])
}
