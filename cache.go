package policy

import (
	"strings"
	"sync"
	"time"
)

// ============================================================================
// TTL CACHE
// ============================================================================

// CacheStats is a point-in-time snapshot of a store's counters.
type CacheStats struct {
	Size      int     `json:"size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type cacheEntry[T any] struct {
	value      T
	insertedAt time.Time
	expiresAt  time.Time
}

// CacheStore is a bounded TTL store. Expiry is lazy (checked on Get) and
// eviction at capacity removes the entry with the oldest insertion
// timestamp. That is deliberate: access recency does not extend an
// entry's life, so a stale-but-popular entry cannot pin the cache.
type CacheStore[T any] struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry[T]
	maxEntries int
	defaultTTL time.Duration

	hits      uint64
	misses    uint64
	sets      uint64
	evictions uint64
}

// NewCacheStore builds a store; maxEntries <= 0 means unbounded and
// ttl <= 0 means entries never expire by default.
func NewCacheStore[T any](maxEntries int, ttl time.Duration) *CacheStore[T] {
	return &CacheStore[T]{
		entries:    make(map[string]cacheEntry[T]),
		maxEntries: maxEntries,
		defaultTTL: ttl,
	}
}

// Get returns the live value for key. Expired entries are removed on the
// way out and count as misses.
func (c *CacheStore[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *CacheStore[T]) Set(key string, value T) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL.
func (c *CacheStore[T]) SetTTL(key string, value T, ttl time.Duration) {
	now := time.Now()
	e := cacheEntry[T]{value: value, insertedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = e
	c.sets++
}

// evictOldestLocked drops the entry with the oldest insertion time.
func (c *CacheStore[T]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.insertedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.insertedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Delete removes a single key.
func (c *CacheStore[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteByPrefix removes every key starting with prefix and reports how
// many were removed.
func (c *CacheStore[T]) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// DeleteMatching removes every key containing sub.
func (c *CacheStore[T]) DeleteMatching(sub string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.Contains(k, sub) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Flush empties the store. Counters are retained.
func (c *CacheStore[T]) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry[T])
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not.
func (c *CacheStore[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats snapshots the counters.
func (c *CacheStore[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Default TTLs for the three engine-owned stores.
const (
	DefaultRoleTTL      = 5 * time.Minute
	DefaultCheckTTL     = 1 * time.Minute
	DefaultEffectiveTTL = 10 * time.Minute

	DefaultCacheCapacity = 1000
)
