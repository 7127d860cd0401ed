// Package lock provides per-key mutual exclusion with FIFO hand-off.
//
// A KeyedMutex serialises critical sections that share a key while
// sections on different keys run freely. Ownership passes to waiters in
// the order they arrived. It is not reentrant: acquiring a key from
// inside a section already holding that key blocks forever (or until
// the context passed to Acquire ends).
package lock

import (
	"context"
	"sync"
)

type ticket struct {
	held    bool
	waiters []chan struct{}
}

// KeyedMutex is safe for concurrent use. The zero value is not usable;
// call New.
type KeyedMutex struct {
	mu      sync.Mutex
	tickets map[string]*ticket
}

func New() *KeyedMutex {
	return &KeyedMutex{tickets: make(map[string]*ticket)}
}

// Acquire blocks until key is held by the caller or ctx ends. The
// returned release func must be called exactly once; extra calls are
// no-ops.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	t, ok := m.tickets[key]
	if !ok {
		t = &ticket{}
		m.tickets[key] = t
	}
	if !t.held {
		t.held = true
		m.mu.Unlock()
		return m.releaser(key), nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return m.releaser(key), nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range t.waiters {
			if w == ch {
				t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		m.mu.Unlock()
		// Ownership was handed to us while we were giving up.
		m.release(key)
		return nil, ctx.Err()
	}
}

// Lock is Acquire without cancellation.
func (m *KeyedMutex) Lock(key string) func() {
	release, _ := m.Acquire(context.Background(), key)
	return release
}

// WithLock runs fn while holding key and releases on every exit path.
func (m *KeyedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	release, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Len reports the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

func (m *KeyedMutex) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(key) })
	}
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[key]
	if !ok {
		return
	}
	if len(t.waiters) == 0 {
		delete(m.tickets, key)
		return
	}
	next := t.waiters[0]
	t.waiters[0] = nil
	t.waiters = t.waiters[1:]
	close(next)
}
