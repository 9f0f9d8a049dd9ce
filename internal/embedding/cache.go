// Package embedding provides the shared embedding cache: a bounded LRU memo
// store keyed by content hash, with an at-most-once-compute guarantee under
// concurrent misses.
package embedding

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"inkforge/internal/logging"
)

// ContentHash returns the cache key for a piece of content. BLAKE3, hex.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ComputeFunc produces an embedding on a cache miss, typically by calling a
// backend adapter.
type ComputeFunc func(ctx context.Context) ([]float32, error)

// Cache is a bounded, evicting embedding store shared across sessions.
// Concurrent misses for the same hash share one compute: the losers wait on
// the winner's result.
type Cache struct {
	lru   *lru.Cache[string, []float32]
	group singleflight.Group

	mu       sync.Mutex
	maxBytes int64
	curBytes int64

	hits      atomic.Int64
	misses    atomic.Int64
	computes  atomic.Int64
	evictions atomic.Int64
}

// NewCache creates a cache bounded by entry count and, when maxBytes > 0, by
// a vector byte budget.
func NewCache(maxEntries int, maxBytes int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}

	c := &Cache{maxBytes: maxBytes}
	l, err := lru.NewWithEvict(maxEntries, func(key string, vec []float32) {
		c.evictions.Add(1)
		c.mu.Lock()
		c.curBytes -= vecBytes(vec)
		c.mu.Unlock()
		logging.EmbeddingDebug("evicted %s (%d dims)", key[:min(len(key), 8)], len(vec))
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func vecBytes(vec []float32) int64 {
	return int64(len(vec)) * 4
}

// GetOrCompute returns the cached embedding for hash, computing it via
// compute on a miss. At most one compute is in flight per hash.
func (c *Cache) GetOrCompute(ctx context.Context, hash string, compute ComputeFunc) ([]float32, error) {
	if vec, ok := c.lru.Get(hash); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(hash, func() (interface{}, error) {
		// A previous winner may have populated the cache between our miss
		// and this call.
		if vec, ok := c.lru.Get(hash); ok {
			return vec, nil
		}

		c.computes.Add(1)
		vec, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.add(hash, vec)
		return vec, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		// The in-flight compute keeps running for the remaining waiters.
		return nil, ctx.Err()
	}
}

// Get returns a cached embedding without computing.
func (c *Cache) Get(hash string) ([]float32, bool) {
	vec, ok := c.lru.Get(hash)
	if ok {
		c.hits.Add(1)
	}
	return vec, ok
}

func (c *Cache) add(hash string, vec []float32) {
	size := vecBytes(vec)

	c.mu.Lock()
	c.curBytes += size
	c.mu.Unlock()

	c.lru.Add(hash, vec)

	// Enforce the optional byte budget after insert. Evictions run the
	// callback, which decrements curBytes.
	if c.maxBytes > 0 {
		for {
			c.mu.Lock()
			over := c.curBytes > c.maxBytes && c.lru.Len() > 1
			c.mu.Unlock()
			if !over {
				break
			}
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
		}
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats reports cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Computes  int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	bytes := c.curBytes
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Computes:  c.computes.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.lru.Len(),
		Bytes:     bytes,
	}
}
