// Package storetest holds the behavioural checks every store backend
// must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web4msg/internal/store"
)

// Factory opens a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises s against the store contract.
func Run(t *testing.T, open Factory) {
	t.Run("WriteReadOnce", func(t *testing.T) { testWriteReadOnce(t, open(t)) })
	t.Run("ListDirectChildren", func(t *testing.T) { testList(t, open(t)) })
	t.Run("SubscribeExistingAndFuture", func(t *testing.T) { testSubscribe(t, open(t)) })
	t.Run("SubscriptionClose", func(t *testing.T) { testSubscriptionClose(t, open(t)) })
	t.Run("ReplayInWriteOrder", func(t *testing.T) { testReplayOrder(t, open(t)) })
}

type collector struct {
	mu    sync.Mutex
	seen  map[string]string
	order []string
}

func newCollector() *collector { return &collector{seen: make(map[string]string)} }

func (c *collector) handle(path string, value []byte) {
	c.mu.Lock()
	c.seen[path] = string(value)
	c.order = append(c.order, path)
	c.mu.Unlock()
}

func (c *collector) get(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.seen[path]
	return v, ok
}

func (c *collector) paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func testWriteReadOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	_, ok, err := s.ReadOnce(ctx, "users/nobody/identity")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.WriteSync(ctx, s, "users/alice/identity", []byte("v1")))
	got, ok, err := s.ReadOnce(ctx, "/users/alice/identity/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, store.WriteSync(ctx, s, "users/alice/identity", []byte("v2")))
	got, _, err = s.ReadOnce(ctx, "users/alice/identity")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got), "last write wins")
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	for _, p := range []string{"inbox/bob/m1", "inbox/bob/m2", "inbox/bob/deep/m3", "inbox/carol/m4"} {
		require.NoError(t, store.WriteSync(ctx, s, p, []byte(p)))
	}
	got, err := s.List(ctx, "inbox/bob")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "inbox/bob/m1", string(got["inbox/bob/m1"]))
	assert.NotContains(t, got, "inbox/bob/deep/m3")
}

func testSubscribe(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Close()

	require.NoError(t, store.WriteSync(ctx, s, "groups/g1/messages/old", []byte("before")))
	c := newCollector()
	sub, err := s.Subscribe(ctx, "groups/g1/messages", c.handle)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.WriteSync(ctx, s, fmt.Sprintf("groups/g1/messages/m%d", i), []byte("after")))
	}
	require.NoError(t, store.WriteSync(ctx, s, "groups/g2/messages/other", []byte("x")))

	require.Eventually(t, func() bool { return c.len() == 6 }, 5*time.Second, 10*time.Millisecond)
	v, ok := c.get("groups/g1/messages/old")
	assert.True(t, ok)
	assert.Equal(t, "before", v)
	_, ok = c.get("groups/g2/messages/other")
	assert.False(t, ok)
}

func testSubscriptionClose(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	c := newCollector()
	sub, err := s.Subscribe(ctx, "inbox/dave", c.handle)
	require.NoError(t, err)
	require.NoError(t, store.WriteSync(ctx, s, "inbox/dave/m1", []byte("1")))
	require.Eventually(t, func() bool { return c.len() == 1 }, 5*time.Second, 10*time.Millisecond)

	sub.Close()
	sub.Close()
	require.NoError(t, store.WriteSync(ctx, s, "inbox/dave/m2", []byte("2")))
	time.Sleep(100 * time.Millisecond)
	_, ok := c.get("inbox/dave/m2")
	assert.False(t, ok, "closed subscription must not deliver")
}

// Children written before a subscription are replayed in write order, not
// path order; inbox ids are opaque and readers depend on send order.
func testReplayOrder(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Close()

	want := []string{"inbox/erin/zz", "inbox/erin/mm", "inbox/erin/aa", "inbox/erin/qq"}
	for _, p := range want {
		require.NoError(t, store.WriteSync(ctx, s, p, []byte(p)))
	}
	c := newCollector()
	sub, err := s.Subscribe(ctx, "inbox/erin", c.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return c.len() == len(want) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, c.paths())
}
