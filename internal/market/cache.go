package market

import (
	"container/list"
	"sync"
	"time"

	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/metrics"
)

type cacheEntry struct {
	key        string
	value      interface{}
	bytes      int
	insertedAt time.Time
	expiresAt  time.Time
}

// MemoryCache is the in-process hot cache in front of Redis and the exchange.
// Eviction is LRU by approximate entry size; expired entries are kept until
// evicted so they can still serve stale fallback reads.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	maxBytes int
	curBytes int
	clk      clock.Clock

	hitCount      int64
	missCount     int64
	evictionCount int64
}

func NewMemoryCache(maxBytes int, clk clock.Clock) *MemoryCache {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &MemoryCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
		clk:      clk,
	}
}

// Get returns a fresh entry, or nil if missing or past its TTL.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.missCount++
		metrics.CacheMisses.WithLabelValues("memory").Inc()
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.clk.Now().After(entry.expiresAt) {
		c.missCount++
		metrics.CacheMisses.WithLabelValues("memory").Inc()
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hitCount++
	metrics.CacheHits.WithLabelValues("memory").Inc()
	return entry.value, true
}

// GetStale returns an entry even past its TTL, as long as it was inserted
// within the given window. Used for fallback when the upstream is down.
func (c *MemoryCache) GetStale(key string, window time.Duration) (interface{}, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.clk.Since(entry.insertedAt) > window {
		c.removeLocked(elem)
		return nil, time.Time{}, false
	}
	return entry.value, entry.insertedAt, true
}

// Set inserts or replaces an entry and evicts from the cold end until the
// byte budget holds.
func (c *MemoryCache) Set(key string, value interface{}, approxBytes int, ttl time.Duration) {
	if approxBytes <= 0 {
		approxBytes = 64
	}
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.curBytes += approxBytes - entry.bytes
		entry.value = value
		entry.bytes = approxBytes
		entry.insertedAt = now
		entry.expiresAt = now.Add(ttl)
		c.order.MoveToFront(elem)
	} else {
		entry := &cacheEntry{
			key:        key,
			value:      value,
			bytes:      approxBytes,
			insertedAt: now,
			expiresAt:  now.Add(ttl),
		}
		c.entries[key] = c.order.PushFront(entry)
		c.curBytes += approxBytes
	}

	for c.curBytes > c.maxBytes && c.order.Len() > 1 {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictionCount++
	}
}

// Delete removes an entry if present.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

func (c *MemoryCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.curBytes -= entry.bytes
}

// CacheStats is a point-in-time snapshot of cache behavior.
type CacheStats struct {
	Entries   int     `json:"entries"`
	Bytes     int     `json:"bytes"`
	MaxBytes  int     `json:"maxBytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Entries:   c.order.Len(),
		Bytes:     c.curBytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hitCount,
		Misses:    c.missCount,
		Evictions: c.evictionCount,
	}
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}
