// ABOUTME: TTL-based, tag-invalidated query result cache with a bounded LRU
// ABOUTME: Serves reads from memory; any internal failure degrades to a miss

package cache

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry is one cached query result. Expiry is absolute: insertedAt + ttl.
type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
	tags       []string
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.insertedAt.Add(e.ttl))
}

// Stats is a snapshot of cache counters. Evictions counts only
// capacity evictions; invalidation and expiry removals are deliberate
// and not a sizing signal.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a thread-safe query result cache. Entries carry a per-entry
// TTL (checked lazily on Get and swept periodically) and a tag set used
// for bulk invalidation when underlying tables change. Size is bounded;
// the least-recently-used entries are evicted first.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *entry]
	byTag map[string]map[string]struct{}

	defaultTTL time.Duration
	logger     *slog.Logger

	hits      int64
	misses    int64
	evictions int64

	// adding is set while Set inserts, so onEvict can tell a capacity
	// eviction apart from an explicit Remove
	adding bool

	done   chan struct{}
	closed bool
}

// New creates a cache bounded to maxEntries with the given default TTL.
// A background goroutine sweeps expired entries every cleanupInterval.
func New(maxEntries int, defaultTTL, cleanupInterval time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		byTag:      make(map[string]map[string]struct{}),
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "cache"),
		done:       make(chan struct{}),
	}

	// The eviction callback runs under c.mu (every LRU mutation here is
	// already locked), so it must not lock.
	inner, err := lru.NewWithEvict(maxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	c.lru = inner

	go c.sweep(cleanupInterval)
	return c, nil
}

// onEvict keeps the tag index consistent with the LRU contents.
func (c *Cache) onEvict(key string, e *entry) {
	if c.adding {
		c.evictions++
	}
	for _, tag := range e.tags {
		if keys, ok := c.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}

// Key builds a deterministic cache key from a logical query name and
// its bound parameters, so two calls with identical intent share an
// entry: Key("customers", "john", 50, 0) -> "customers_john_50_0".
func Key(name string, params ...any) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, name)
	for _, p := range params {
		parts = append(parts, strings.ReplaceAll(fmt.Sprintf("%v", p), " ", "-"))
	}
	return strings.Join(parts, "_")
}

// Get returns the cached value for key, or ok=false on a miss. An
// expired entry is removed and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.misses++
		return nil, false
	}

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}

	if e.expired(time.Now()) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}

	c.hits++
	return e.value, true
}

// Set stores value under key with the given TTL and tags. A zero or
// negative TTL uses the cache default. Storing never fails from the
// caller's perspective; a closed cache drops the write.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	// Replacing an existing key must first detach its old tags
	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key)
	}

	c.adding = true
	c.lru.Add(key, &entry{
		value:      value,
		insertedAt: time.Now(),
		ttl:        ttl,
		tags:       tags,
	})
	c.adding = false

	for _, tag := range tags {
		if c.byTag[tag] == nil {
			c.byTag[tag] = make(map[string]struct{})
		}
		c.byTag[tag][key] = struct{}{}
	}
}

// Invalidate removes every entry carrying the given tag and returns
// how many entries were dropped.
func (c *Cache) Invalidate(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byTag[tag]
	if !ok {
		return 0
	}

	removed := 0
	for key := range keys {
		if c.lru.Remove(key) {
			removed++
		}
	}
	// onEvict clears byTag entries as keys are removed
	c.logger.Debug("cache invalidated", "tag", tag, "entries", removed)
	return removed
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) && c.lru.Remove(key) {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache invalidated", "prefix", prefix, "entries", removed)
	}
	return removed
}

// Cleanup removes all expired entries now. The background sweeper
// calls this on its own timer; it is exported for operator use.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// sweep runs in a background goroutine, periodically removing expired entries.
func (c *Cache) sweep(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("swept expired entries", "count", n)
			}
		case <-c.done:
			return
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.lru.Len(),
	}
}

// ResetStats zeroes the counters. Operator action only.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.byTag = make(map[string]map[string]struct{})
}

// Close stops the background sweeper and drops all entries. Safe to
// call multiple times; a closed cache answers every Get with a miss.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
		c.lru.Purge()
		c.byTag = make(map[string]map[string]struct{})
	}
}
