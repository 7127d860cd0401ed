package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"web4msg/internal/store"
	"web4msg/internal/store/storetest"
)

func startRelay(t *testing.T) (string, *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	backing := store.NewMemory()
	srv := NewServer(backing, 0, 0)
	ready := make(chan net.Addr, 1)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, "127.0.0.1:0", ready) }()
	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-errc:
		t.Fatalf("relay failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("relay did not start")
	}
	t.Cleanup(func() {
		cancel()
		_ = backing.Close()
	})
	return addr.String(), srv
}

func TestRemoteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		addr, _ := startRelay(t)
		r, err := Dial(addr, false, "")
		require.NoError(t, err)
		return r
	})
}

func TestRemotePingAndStats(t *testing.T) {
	addr, srv := startRelay(t)
	r, err := Dial(addr, false, "")
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.Ping(ctx))
	got := make(chan string, 1)
	sub, err := r.Subscribe(ctx, "inbox/bob", func(p string, _ []byte) { got <- p })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Stats().Subscriptions == 1 }, 5*time.Second, 10*time.Millisecond)
	sub.Close()
	require.Eventually(t, func() bool { return srv.Stats().Subscriptions == 0 }, 5*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, srv.Stats().Requests, uint64(2))
}

func TestRemoteRejectsEmptyPath(t *testing.T) {
	addr, _ := startRelay(t)
	r, err := Dial(addr, false, "")
	require.NoError(t, err)
	defer r.Close()
	require.Error(t, r.Write(context.Background(), "/", []byte("x"), nil))
}

func TestRemoteClosed(t *testing.T) {
	r, err := Dial("127.0.0.1:1", false, "")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, _, err = r.ReadOnce(context.Background(), "a/b")
	require.ErrorIs(t, err, store.ErrClosed)
}
