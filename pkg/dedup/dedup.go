// Package dedup provides the bounded duplicate-suppression cache adapters
// use to drop replayed platform events. Entries live for a TTL and the
// cache never grows past its size bound; state is in-memory only and not
// preserved across restarts.
package dedup

import (
	"sync"
	"time"
)

const (
	// DefaultTTL / DefaultMaxSize suit chat platforms with numeric
	// update identifiers; email uses longer windows (300s/500).
	DefaultTTL     = 60 * time.Second
	DefaultMaxSize = 1000
)

type entry struct {
	key       string
	firstSeen time.Time
}

// Cache is an insertion-ordered key set with TTL and size bounds.
type Cache struct {
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[string]int // key -> index into order
	order   []entry

	sweeper *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewCache builds a cache and starts its background sweep, which runs
// every TTL/2 so idle caches still shrink. Close releases the sweeper.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	c := &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]int),
		sweeper: time.NewTicker(ttl / 2),
		done:    make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-c.done:
				return
			case <-c.sweeper.C:
				c.Sweep(time.Now())
			}
		}
	}()

	return c
}

// Key builds a platform-scoped dedup key. Message identifiers may be
// reused across conversations on some platforms, so keys always carry the
// chat identifier.
func Key(chatID, messageID string) string {
	return chatID + "|" + messageID
}

// Has reports whether key was marked within the TTL.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Since(c.order[idx].firstSeen) > c.ttl {
		return false
	}
	return true
}

// Mark records key as seen. When the cache exceeds its bound, expired
// entries are swept; if a pathological burst keeps it oversized, the
// oldest quarter is evicted unconditionally.
func (c *Cache) Mark(key string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.entries[key]; ok {
		if now.Sub(c.order[idx].firstSeen) <= c.ttl {
			return
		}
		// Expired but not yet swept: re-marking starts a fresh window,
		// so the entry moves to the tail with a new timestamp.
		c.rebuildLocked(append(c.order[:idx:idx], c.order[idx+1:]...))
	}

	c.entries[key] = len(c.order)
	c.order = append(c.order, entry{key: key, firstSeen: now})

	if len(c.entries) > c.maxSize {
		c.sweepLocked(now)
	}
	if len(c.entries) > c.maxSize {
		c.evictOldestQuarterLocked()
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset clears all entries but keeps the background sweeper running, for
// adapters that drain caches on disconnect and may reconnect later.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]int)
	c.order = nil
}

// Sweep removes all entries older than the TTL.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
}

// Close stops the background sweeper and clears the cache. Idempotent.
func (c *Cache) Close() {
	c.once.Do(func() {
		c.sweeper.Stop()
		close(c.done)
	})

	c.mu.Lock()
	c.entries = make(map[string]int)
	c.order = nil
	c.mu.Unlock()
}

func (c *Cache) sweepLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	kept := make([]entry, 0, len(c.order))
	for _, e := range c.order {
		if _, live := c.entries[e.key]; !live {
			continue
		}
		if e.firstSeen.Before(cutoff) {
			delete(c.entries, e.key)
			continue
		}
		kept = append(kept, e)
	}
	c.rebuildLocked(kept)
}

func (c *Cache) evictOldestQuarterLocked() {
	evict := len(c.order) / 4
	if evict == 0 {
		evict = 1
	}

	for _, e := range c.order[:evict] {
		delete(c.entries, e.key)
	}
	c.rebuildLocked(append([]entry(nil), c.order[evict:]...))
}

func (c *Cache) rebuildLocked(kept []entry) {
	c.order = kept
	for i, e := range c.order {
		c.entries[e.key] = i
	}
}
