// Package fieldcache provides the bounded in-memory caches backing the
// detection path: field decisions, storage reads, and URL-pattern matches
// are all held in instances of the same structure, differing only in
// key/value types and configured size/timeout.
//
// Expiration is checked at read time; there is no background sweeper, so an
// idle cache costs nothing. Capacity eviction is pure LRU on last access,
// ties broken by oldest insertion. TTL is hard: reads never refresh it.
package fieldcache

import (
	"sync"
	"time"
)

// Entry wraps a cached value with its bookkeeping. Owned exclusively by the
// cache; eviction drops it.
type Entry[V any] struct {
	Data         V
	Timestamp    time.Time
	LastAccessed time.Time
	Hits         int
	// Context optionally carries caller data alongside the value (the
	// field cache stores the detection signature here for invalidation).
	Context string
}

// Config sets the cache bounds.
type Config struct {
	// MaxSize is the entry cap. Default: 256.
	MaxSize int
	// Timeout is the hard TTL. Default: 5 minutes.
	Timeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stats is a point-in-time snapshot of a cache's configuration and load.
type Stats struct {
	Size    int           `json:"size"`
	MaxSize int           `json:"max_size"`
	Timeout time.Duration `json:"timeout"`
}

// Cache is a bounded TTL+LRU map. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	cfg     Config
	entries map[K]*Entry[V]
}

// New creates a Cache with the given bounds.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	cfg.defaults()
	return &Cache[K, V]{
		cfg:     cfg,
		entries: make(map[K]*Entry[V], cfg.MaxSize),
	}
}

// Get returns the entry for key, or false when missing or expired. An
// expired entry is removed on the spot. A hit bumps LastAccessed and Hits
// but never the TTL clock.
func (c *Cache[K, V]) Get(key K) (*Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	now := c.cfg.Now()
	if now.Sub(e.Timestamp) >= c.cfg.Timeout {
		delete(c.entries, key)
		return nil, false
	}

	e.LastAccessed = now
	e.Hits++
	return e, true
}

// Put inserts or overwrites the entry for key. When the cache is full, the
// least-recently-accessed entry is evicted first; expired entries are
// cleared before counting, so nothing is evicted early just because a stale
// entry still occupies a slot.
func (c *Cache[K, V]) Put(key K, data V, context string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxSize {
		c.expireLocked(now)
		if len(c.entries) >= c.cfg.MaxSize {
			c.evictLocked()
		}
	}

	c.entries[key] = &Entry[V]{
		Data:         data,
		Timestamp:    now,
		LastAccessed: now,
		Context:      context,
	}
}

// Invalidate removes a single entry.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateFunc removes every entry the predicate matches and returns how
// many were dropped. Used to purge field decisions by signature after a
// correction.
func (c *Cache[K, V]) InvalidateFunc(match func(key K, e *Entry[V]) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if match(k, e) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]*Entry[V], c.cfg.MaxSize)
	c.mu.Unlock()
}

// Stats returns the current size and configured bounds.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:    len(c.entries),
		MaxSize: c.cfg.MaxSize,
		Timeout: c.cfg.Timeout,
	}
}

// expireLocked drops entries past their TTL.
func (c *Cache[K, V]) expireLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.Timestamp) >= c.cfg.Timeout {
			delete(c.entries, k)
		}
	}
}

// evictLocked removes the least-recently-accessed live entry, ties broken
// by oldest insertion. Only called for entries still inside their TTL.
func (c *Cache[K, V]) evictLocked() {
	var victim K
	var found bool
	var oldest *Entry[V]

	for k, e := range c.entries {
		if oldest == nil ||
			e.LastAccessed.Before(oldest.LastAccessed) ||
			(e.LastAccessed.Equal(oldest.LastAccessed) && e.Timestamp.Before(oldest.Timestamp)) {
			victim, oldest, found = k, e, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}
