package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"web4msg/internal/debuglog"
	"web4msg/internal/proto"
	"web4msg/internal/retry"
	"web4msg/internal/store"
)

// Remote is a store.Store served by a relay Server.
type Remote struct {
	addr string
	tls  *tls.Config

	mu     sync.Mutex
	subs   map[*remoteSub]struct{}
	closed bool
}

// Dial prepares a Remote for addr. No connection is made until the first
// operation. caPath may be empty to trust the development certificate.
func Dial(addr string, insecure bool, caPath string) (*Remote, error) {
	if addr == "" {
		return nil, errors.New("missing relay addr")
	}
	conf, err := clientTLSConfig(insecure, caPath)
	if err != nil {
		return nil, err
	}
	return &Remote{addr: addr, tls: conf, subs: make(map[*remoteSub]struct{})}, nil
}

func (r *Remote) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// roundTrip sends one request on a pooled connection, retrying transport
// failures with backoff. Errors reported by the relay are not retried.
func (r *Remote) roundTrip(ctx context.Context, req proto.RelayRequest) (proto.RelayResponse, error) {
	if r.isClosed() {
		return proto.RelayResponse{}, store.ErrClosed
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var resp proto.RelayResponse
	err := retry.DoMax(ctx, clientMaxRetries, clientBackoffBase, clientBackoffMax, func(ctx context.Context) error {
		conn, err := clientConns.get(ctx, r.addr, r.tls, serverQUICConfig())
		if err != nil {
			clientConns.recordFailure(r.addr)
			return err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			clientConns.drop(r.addr, conn, "open stream failed")
			clientConns.recordFailure(r.addr)
			return err
		}
		defer stream.CancelRead(0)
		if dl, ok := ctx.Deadline(); ok {
			_ = stream.SetDeadline(dl)
		}
		if err := proto.WriteRelay(stream, req); err != nil {
			clientConns.drop(r.addr, conn, "write failed")
			return err
		}
		_ = stream.Close()
		var got proto.RelayResponse
		if err := proto.ReadRelay(stream, proto.MaxFrameSize, &got); err != nil {
			clientConns.drop(r.addr, conn, "read failed")
			return err
		}
		clientConns.touch(r.addr, conn)
		clientConns.resetFailures(r.addr)
		if !got.OK {
			return retry.Permanent(errors.New("relay: " + got.Err))
		}
		resp = got
		return nil
	})
	return resp, err
}

// Ping checks the relay is reachable.
func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.roundTrip(ctx, proto.RelayRequest{Op: proto.OpPing})
	return err
}

// Write sends the write and returns once the relay has applied it; ack
// is then called with nil. Transport failures are returned, not acked.
func (r *Remote) Write(ctx context.Context, path string, value []byte, ack func(error)) error {
	if _, err := r.roundTrip(ctx, proto.RelayRequest{Op: proto.OpWrite, Path: store.Clean(path), Value: value}); err != nil {
		return err
	}
	if ack != nil {
		ack(nil)
	}
	return nil
}

func (r *Remote) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	resp, err := r.roundTrip(ctx, proto.RelayRequest{Op: proto.OpRead, Path: store.Clean(path)})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (r *Remote) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := r.roundTrip(ctx, proto.RelayRequest{Op: proto.OpList, Prefix: store.Clean(prefix)})
	if err != nil {
		return nil, err
	}
	if resp.Entries == nil {
		resp.Entries = make(map[string][]byte)
	}
	return resp.Entries, nil
}

// Subscribe holds a dedicated connection for the subscription and
// re-establishes it with backoff if the relay goes away. Each
// re-establishment replays the present children.
func (r *Remote) Subscribe(ctx context.Context, prefix string, fn store.Handler) (store.Subscription, error) {
	if r.isClosed() {
		return nil, store.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &remoteSub{r: r, cancel: cancel}
	conn, stream, err := r.openSubscription(ctx, prefix)
	if err != nil {
		cancel()
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		_ = conn.CloseWithError(0, "closed")
		return nil, store.ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	go sub.run(ctx, prefix, conn, stream, fn)
	return sub, nil
}

func (r *Remote) openSubscription(ctx context.Context, prefix string) (*quic.Conn, *quic.Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dctx, r.addr, r.tls, serverQUICConfig())
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, nil, err
	}
	_ = stream.SetDeadline(time.Now().Add(clientTimeout))
	if err := proto.WriteRelay(stream, proto.RelayRequest{Op: proto.OpSubscribe, Prefix: store.Clean(prefix)}); err != nil {
		_ = conn.CloseWithError(0, "write failed")
		return nil, nil, err
	}
	var ack proto.RelayResponse
	if err := proto.ReadRelay(stream, proto.MaxFrameSize, &ack); err != nil {
		_ = conn.CloseWithError(0, "read failed")
		return nil, nil, err
	}
	if !ack.OK {
		_ = conn.CloseWithError(0, "rejected")
		return nil, nil, errors.New("relay: " + ack.Err)
	}
	_ = stream.SetDeadline(time.Time{})
	return conn, stream, nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
	return nil
}

type remoteSub struct {
	r      *Remote
	cancel context.CancelFunc
	once   sync.Once
}

func (s *remoteSub) run(ctx context.Context, prefix string, conn *quic.Conn, stream *quic.Stream, fn store.Handler) {
	defer s.Close()
	failures := 0
	for {
		err := s.pump(ctx, stream, fn)
		_ = conn.CloseWithError(0, "subscription ended")
		if ctx.Err() != nil {
			return
		}
		debuglog.RateLimitedf("relay-sub:"+prefix, 10*time.Second, "relay: subscription %s lost: %v", prefix, err)
		for {
			t := time.NewTimer(retry.Delay(failures, clientBackoffBase, 10*clientBackoffMax))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			conn, stream, err = s.r.openSubscription(ctx, prefix)
			if err == nil {
				failures = 0
				break
			}
			failures++
		}
	}
}

func (s *remoteSub) pump(ctx context.Context, stream *quic.Stream, fn store.Handler) error {
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()
	for {
		var resp proto.RelayResponse
		if err := proto.ReadRelay(stream, proto.MaxFrameSize, &resp); err != nil {
			return err
		}
		if !resp.OK {
			return errors.New("relay: " + resp.Err)
		}
		if resp.Path != "" {
			fn(resp.Path, resp.Value)
		}
	}
}

func (s *remoteSub) stop() {
	s.once.Do(s.cancel)
}

func (s *remoteSub) Close() {
	s.stop()
	s.r.mu.Lock()
	if s.r.subs != nil {
		delete(s.r.subs, s)
	}
	s.r.mu.Unlock()
}
