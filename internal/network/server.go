package network

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"web4msg/internal/debuglog"
	"web4msg/internal/proto"
	"web4msg/internal/store"
)

const (
	DefaultMaxConnsPerHost   = 32
	DefaultMaxStreamsPerHost = 256
	streamRWTimeout          = 10 * time.Second
	keepAlive                = 15 * time.Second
	maxIdle                  = 60 * time.Second
)

// Server exposes a store.Store to Remote clients over QUIC. Each stream
// carries one request; subscribe streams stay open and carry one frame
// per child until either side closes.
type Server struct {
	st      store.Store
	limiter *hostLimiter
	log     *zap.SugaredLogger

	requests      atomic.Uint64
	subscriptions atomic.Int64
}

func NewServer(st store.Store, maxConnsPerHost, maxStreamsPerHost int) *Server {
	if maxConnsPerHost == 0 {
		maxConnsPerHost = DefaultMaxConnsPerHost
	}
	if maxStreamsPerHost == 0 {
		maxStreamsPerHost = DefaultMaxStreamsPerHost
	}
	return &Server{
		st:      st,
		limiter: newHostLimiter(maxConnsPerHost, maxStreamsPerHost),
		log:     debuglog.Named("relay"),
	}
}

// ServerStats is a point-in-time view of relay activity.
type ServerStats struct {
	Requests      uint64 `json:"requests"`
	Subscriptions int64  `json:"subscriptions"`
}

func (s *Server) Stats() ServerStats {
	return ServerStats{Requests: s.requests.Load(), Subscriptions: s.subscriptions.Load()}
}

func serverQUICConfig() *quic.Config {
	return &quic.Config{KeepAlivePeriod: keepAlive, MaxIdleTimeout: maxIdle}
}

// ListenAndServe serves until ctx ends. ready, when non-nil, receives
// the bound address once the listener is up.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- net.Addr) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, serverQUICConfig())
	if err != nil {
		s.log.Infof("quic listen error: %v", err)
		return err
	}
	defer ln.Close()
	s.log.Infof("quic listen ready: %s", ln.Addr())
	if ready != nil {
		ready <- ln.Addr()
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Infof("quic accept error: %v", err)
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	host := hostOf(conn.RemoteAddr())
	if !s.limiter.acquireConn(host) {
		debuglog.RateLimitedf("relay-conncap:"+host, 10*time.Second, "relay: connection cap reached for %s", host)
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	defer s.limiter.releaseConn(host)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.log.Debugf("quic accept stream from %s ended: %v", host, err)
			return
		}
		if !s.limiter.acquireStream(host) {
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		go func(st *quic.Stream) {
			defer s.limiter.releaseStream(host)
			s.serveStream(ctx, st)
		}(stream)
	}
}

func (s *Server) serveStream(ctx context.Context, st *quic.Stream) {
	defer st.Close()
	_ = st.SetReadDeadline(time.Now().Add(streamRWTimeout))
	var req proto.RelayRequest
	if err := proto.ReadRelay(st, proto.SoftMaxFrameSize, &req); err != nil {
		s.log.Debugf("relay read request: %v", err)
		return
	}
	_ = st.SetReadDeadline(time.Time{})
	s.requests.Add(1)
	if req.Op == proto.OpSubscribe {
		s.serveSubscribe(ctx, st, req.Prefix)
		return
	}
	resp := s.handle(ctx, req)
	_ = st.SetWriteDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteRelay(st, resp); err != nil {
		s.log.Debugf("relay write response: %v", err)
	}
}

func (s *Server) handle(ctx context.Context, req proto.RelayRequest) proto.RelayResponse {
	ctx, cancel := context.WithTimeout(ctx, streamRWTimeout)
	defer cancel()
	fail := func(err error) proto.RelayResponse { return proto.RelayResponse{Err: err.Error()} }
	switch req.Op {
	case proto.OpPing:
		return proto.RelayResponse{OK: true}
	case proto.OpWrite:
		if store.Clean(req.Path) == "" {
			return fail(errors.New("empty path"))
		}
		if err := store.WriteSync(ctx, s.st, req.Path, req.Value); err != nil {
			return fail(err)
		}
		return proto.RelayResponse{OK: true}
	case proto.OpRead:
		v, ok, err := s.st.ReadOnce(ctx, req.Path)
		if err != nil {
			return fail(err)
		}
		return proto.RelayResponse{OK: true, Found: ok, Path: req.Path, Value: v}
	case proto.OpList:
		entries, err := s.st.List(ctx, req.Prefix)
		if err != nil {
			return fail(err)
		}
		return proto.RelayResponse{OK: true, Entries: entries}
	}
	return fail(errors.New("unknown op " + req.Op))
}

func (s *Server) serveSubscribe(ctx context.Context, st *quic.Stream, prefix string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.subscriptions.Add(1)
	defer s.subscriptions.Add(-1)

	// The client signals the end of a subscription by closing its side.
	go func() {
		var buf [1]byte
		for {
			if _, err := st.Read(buf[:]); err != nil {
				cancel()
				return
			}
		}
	}()

	out := make(chan proto.RelayResponse, 64)
	sub, err := s.st.Subscribe(ctx, prefix, func(path string, value []byte) {
		select {
		case out <- proto.RelayResponse{OK: true, Path: path, Value: value}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		_ = proto.WriteRelay(st, proto.RelayResponse{Err: err.Error()})
		return
	}
	defer sub.Close()
	if err := proto.WriteRelay(st, proto.RelayResponse{OK: true}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			st.CancelWrite(0)
			return
		case resp := <-out:
			_ = st.SetWriteDeadline(time.Now().Add(streamRWTimeout))
			if err := proto.WriteRelay(st, resp); err != nil {
				s.log.Debugf("relay subscribe %s write: %v", prefix, err)
				return
			}
		}
	}
}
