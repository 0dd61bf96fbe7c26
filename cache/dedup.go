package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Default cache settings.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1 << 20
)

// ErrInvalidTTL is returned when a cache is created with a non-positive TTL.
var ErrInvalidTTL = errors.New("dedup ttl must be positive")

// DedupCache records message ids that have already been processed.
//
// An id stays "seen" for at least the TTL after it was recorded. Entries are
// only removed by EvictExpired (never before TTL) or by the LRU bound when the
// cache holds MaxEntries ids.
type DedupCache struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, time.Time]
	maxEntries int
	ttl        time.Duration
	clock      clock.Clock
}

// CacheStats contains dedup cache statistics.
type CacheStats struct {
	Size       int           `json:"size"`
	MaxEntries int           `json:"max_entries"`
	TTL        time.Duration `json:"ttl"`
}

// NewDedupCache creates a cache with the given TTL and entry bound.
// A nil clock uses the wall clock.
func NewDedupCache(ttl time.Duration, maxEntries int, clk clock.Clock) (*DedupCache, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if clk == nil {
		clk = clock.New()
	}

	entries, err := lru.New[string, time.Time](maxEntries)
	if err != nil {
		return nil, err
	}

	return &DedupCache{
		entries:    entries,
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clk,
	}, nil
}

// Seen reports whether id was recorded within the TTL window.
func (c *DedupCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(id, c.clock.Now())
}

// MarkIfNew records id and returns true if it was not already seen.
// Check and record happen under one lock, so of several concurrent callers
// with the same id exactly one gets true.
func (c *DedupCache) MarkIfNew(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.seenLocked(id, now) {
		return false
	}
	c.entries.Add(id, now)
	return true
}

// Mark records id unconditionally, refreshing its timestamp.
func (c *DedupCache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(id, c.clock.Now())
}

func (c *DedupCache) seenLocked(id string, now time.Time) bool {
	firstSeen, ok := c.entries.Peek(id)
	if !ok {
		return false
	}
	// Expired but not yet swept counts as new.
	return now.Sub(firstSeen) <= c.ttl
}

// EvictExpired removes entries older than the TTL and returns how many were removed.
func (c *DedupCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0

	// Keys are ordered oldest to newest and timestamps only grow, so the
	// scan stops at the first live entry.
	for _, id := range c.entries.Keys() {
		firstSeen, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(firstSeen) <= c.ttl {
			break
		}
		c.entries.Remove(id)
		removed++
	}

	return removed
}

// Len returns the number of tracked ids, including expired ones not yet evicted.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// TTL returns the configured TTL.
func (c *DedupCache) TTL() time.Duration {
	return c.ttl
}

// GetStats returns current cache statistics.
func (c *DedupCache) GetStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:       c.entries.Len(),
		MaxEntries: c.maxEntries,
		TTL:        c.ttl,
	}
}
