package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web4msg/internal/clock"
)

func newTestDedup(ttl time.Duration, maxSize int) (*Deduplicator, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	return New(Options{TTL: ttl, MaxSize: maxSize, ResultTTL: 100 * time.Millisecond, Clock: clk}), clk
}

func TestIsDuplicateFirstThenTrue(t *testing.T) {
	d, _ := newTestDedup(time.Minute, 10)
	for _, id := range []string{"m-1", "m-2", ""} {
		assert.False(t, d.IsDuplicate(id), "first call for %q", id)
		assert.True(t, d.IsDuplicate(id), "second call for %q", id)
	}
}

func TestReplayAfterTTLIsAcceptedAsNew(t *testing.T) {
	d, clk := newTestDedup(time.Minute, 10)
	require.False(t, d.IsDuplicate("m-1"))
	clk.Advance(30 * time.Second)
	require.True(t, d.IsDuplicate("m-1"))
	clk.Advance(31 * time.Second)
	assert.False(t, d.IsDuplicate("m-1"), "expired id must be treated as new")
	assert.True(t, d.IsDuplicate("m-1"))
}

func TestCachedResultEndsWithEntryTTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	d := New(Options{TTL: 10 * time.Second, ResultTTL: time.Second, Clock: clk})
	require.False(t, d.IsDuplicate("m-1"))
	clk.Advance(9500 * time.Millisecond)
	require.True(t, d.IsDuplicate("m-1"))
	clk.Advance(600 * time.Millisecond)
	assert.False(t, d.IsDuplicate("m-1"), "cached answer must not outlive the entry")
	assert.True(t, d.IsDuplicate("m-1"))
}

func TestRemoveAllowsRetry(t *testing.T) {
	d, _ := newTestDedup(time.Minute, 10)
	require.False(t, d.IsDuplicate("m-1"))
	d.Remove("m-1")
	assert.False(t, d.Seen("m-1"))
	assert.False(t, d.IsDuplicate("m-1"))
}

func TestCleanupExpiresThenEvictsOldest(t *testing.T) {
	d, clk := newTestDedup(time.Minute, 100)
	d.IsDuplicate("old")
	clk.Advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		d.IsDuplicate(fmt.Sprintf("new-%d", i))
		clk.Advance(time.Second)
	}
	assert.Equal(t, 4, d.Len(), "expired entry still physically present")
	assert.Equal(t, 1, d.Cleanup())
	assert.Equal(t, 3, d.Len())

	d.maxSize = 2
	assert.Equal(t, 1, d.Cleanup())
	assert.False(t, d.Seen("new-0"), "oldest live id evicted first")
	assert.True(t, d.Seen("new-1"))
	assert.True(t, d.Seen("new-2"))
}

func TestInsertBeyondMaxSizeEvicts(t *testing.T) {
	d, clk := newTestDedup(time.Hour, 3)
	for i := 0; i < 5; i++ {
		d.IsDuplicate(fmt.Sprintf("m-%d", i))
		clk.Advance(time.Millisecond)
	}
	assert.Equal(t, 3, d.Len())
	assert.False(t, d.Seen("m-0"))
	assert.False(t, d.Seen("m-1"))
	assert.True(t, d.Seen("m-4"))
}

func TestConcurrentDeliveriesAdmitOne(t *testing.T) {
	d := New(Options{TTL: time.Minute})
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.IsDuplicate("racing-id") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}
