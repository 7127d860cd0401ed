package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexFIFOHandoff(t *testing.T) {
	m := New()
	release := m.Lock("chat:alice|bob")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := m.Lock("chat:alice|bob")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		// Wait until waiter i is queued before starting the next one.
		require.Eventually(t, func() bool { return waiters(m, "chat:alice|bob") == i+1 }, time.Second, time.Millisecond)
	}
	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	m := New()
	release := m.Lock("a")
	defer release()

	done := make(chan struct{})
	go func() {
		r := m.Lock("b")
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
}

func TestKeyedMutexAcquireCancelled(t *testing.T) {
	m := New()
	release := m.Lock("k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, m.Len())
	r2, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	r2()
}

func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	m := New()
	boom := errors.New("boom")
	err := m.WithLock(context.Background(), "k", func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())

	func() {
		defer func() { _ = recover() }()
		_ = m.WithLock(context.Background(), "k", func() error { panic("op failed") })
	}()
	assert.Equal(t, 0, m.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := New()
	r := m.Lock("k")
	r()
	r()
	r2 := m.Lock("k")
	r2()
	assert.Equal(t, 0, m.Len())
}

func waiters(m *KeyedMutex, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tickets[key]; ok {
		return len(t.waiters)
	}
	return 0
}
