package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration, maxEntries int) (*DedupCache, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c, err := NewDedupCache(ttl, maxEntries, mock)
	require.NoError(t, err)
	return c, mock
}

func TestNewDedupCacheRejectsBadTTL(t *testing.T) {
	_, err := NewDedupCache(0, 10, nil)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestDedupCacheMarkIfNew(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	assert.False(t, c.Seen("msg-1"))
	assert.True(t, c.MarkIfNew("msg-1"))
	assert.False(t, c.MarkIfNew("msg-1"), "second mark must report duplicate")
	assert.True(t, c.Seen("msg-1"))
	assert.Equal(t, 1, c.Len())
}

func TestDedupCacheConcurrentMarkIfNew(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var winners int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.MarkIfNew("same-id") {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners)
}

func TestDedupCacheEvictExpired(t *testing.T) {
	c, mock := newTestCache(t, 5*time.Minute, 100)

	c.Mark("old")
	mock.Add(3 * time.Minute)
	c.Mark("young")

	// Exactly at TTL the entry must survive.
	mock.Add(2 * time.Minute)
	assert.Equal(t, 0, c.EvictExpired())
	assert.True(t, c.Seen("old"))

	mock.Add(time.Second)
	assert.Equal(t, 1, c.EvictExpired())
	assert.False(t, c.Seen("old"))
	assert.True(t, c.Seen("young"))
	assert.Equal(t, 1, c.Len())
}

func TestDedupCacheExpiredEntryTreatedAsNew(t *testing.T) {
	c, mock := newTestCache(t, time.Minute, 100)

	require.True(t, c.MarkIfNew("msg"))
	mock.Add(time.Minute + time.Second)

	// Not swept yet, but past TTL: accepted again and refreshed.
	assert.True(t, c.MarkIfNew("msg"))
	assert.False(t, c.MarkIfNew("msg"))

	mock.Add(30 * time.Second)
	assert.Equal(t, 0, c.EvictExpired(), "refreshed entry must not be evicted early")
}

func TestDedupCacheLRUBound(t *testing.T) {
	c, mock := newTestCache(t, time.Hour, 3)

	for i := 0; i < 5; i++ {
		c.Mark(fmt.Sprintf("id-%d", i))
		mock.Add(time.Second)
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("id-0"))
	assert.False(t, c.Seen("id-1"))
	assert.True(t, c.Seen("id-4"))

	stats := c.GetStats()
	assert.Equal(t, 3, stats.MaxEntries)
	assert.Equal(t, time.Hour, stats.TTL)
}
