// Package redisstore shares the store between hosts through Redis.
//
// Values live under <ns>:v:<path>, each parent keeps a sorted set of its
// children under <ns>:c:<parent> scored by a namespace-wide write counter
// (<ns>:seq), and every write is published on <ns>:p:<parent>. A subscriber that races a write may see a child both
// in the initial listing and on the channel; handlers must tolerate
// repeats.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"web4msg/internal/debuglog"
	"web4msg/internal/store"
)

const DefaultNamespace = "web4msg"

// Connect initializes a Redis client from URL or host:port input.
func Connect(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

type Store struct {
	client *redis.Client
	ns     string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New wraps client. An empty namespace uses DefaultNamespace.
func New(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{client: client, ns: namespace, subs: make(map[*subscription]struct{})}
}

func (s *Store) valueKey(path string) string      { return s.ns + ":v:" + path }
func (s *Store) childrenKey(parent string) string { return s.ns + ":c:" + parent }
func (s *Store) channel(parent string) string     { return s.ns + ":p:" + parent }
func (s *Store) seqKey() string                   { return s.ns + ":seq" }

func parentOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) Write(ctx context.Context, path string, value []byte, ack func(error)) error {
	if s.isClosed() {
		return store.ErrClosed
	}
	path = store.Clean(path)
	parent := parentOf(path)
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.valueKey(path), value, 0)
		p.ZAdd(ctx, s.childrenKey(parent), redis.Z{Score: float64(seq), Member: path})
		p.Publish(ctx, s.channel(parent), path+"\n"+string(value))
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if ack != nil {
		ack(nil)
	}
	return nil
}

func (s *Store) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, store.ErrClosed
	}
	v, err := s.client.Get(ctx, s.valueKey(store.Clean(path))).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

type child struct {
	path  string
	value []byte
}

func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	children, err := s.children(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(children))
	for _, c := range children {
		out[c.path] = c.value
	}
	return out, nil
}

// children returns the direct children of prefix in write order.
func (s *Store) children(ctx context.Context, prefix string) ([]child, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	paths, err := s.client.ZRange(ctx, s.childrenKey(store.Clean(prefix)), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.valueKey(p)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]child, 0, len(paths))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, child{path: paths[i], value: []byte(str)})
		}
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, prefix string, fn store.Handler) (store.Subscription, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	prefix = store.Clean(prefix)
	ps := s.client.Subscribe(ctx, s.channel(prefix))
	// Wait for the subscription to be live before listing so no write
	// falls between the listing and the channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", prefix, err)
	}
	existing, err := s.children(ctx, prefix)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &subscription{s: s, ps: ps, done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ps.Close()
		return nil, store.ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(ctx, prefix, existing, fn)
	return sub, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
	return s.client.Close()
}

type subscription struct {
	s    *Store
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

func (sub *subscription) run(ctx context.Context, prefix string, existing []child, fn store.Handler) {
	defer sub.Close()
	for _, c := range existing {
		select {
		case <-sub.done:
			return
		default:
		}
		fn(c.path, c.value)
	}
	ch := sub.ps.Channel()
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			path, value, found := strings.Cut(msg.Payload, "\n")
			if !found || !store.IsChild(prefix, path) {
				debuglog.RateLimitedf("redis-payload", 10*time.Second, "redisstore: malformed payload on %s", msg.Channel)
				continue
			}
			fn(path, []byte(value))
		}
	}
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		close(sub.done)
		_ = sub.ps.Close()
	})
}

func (sub *subscription) Close() {
	sub.stop()
	sub.s.mu.Lock()
	if sub.s.subs != nil {
		delete(sub.s.subs, sub)
	}
	sub.s.mu.Unlock()
}
