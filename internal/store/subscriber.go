package store

import (
	"context"
	"sync"
)

type update struct {
	path  string
	value []byte
}

// subscriber is an unbounded FIFO of updates drained by one goroutine,
// so a slow handler never blocks writers.
type subscriber struct {
	prefix string
	fn     Handler

	mu     sync.Mutex
	items  []update
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(prefix string, fn Handler) *subscriber {
	return &subscriber{
		prefix: prefix,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(path string, value []byte) {
	s.mu.Lock()
	s.items = append(s.items, update{path: path, value: value})
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return update{}, false
	}
	u := s.items[0]
	s.items[0] = update{}
	s.items = s.items[1:]
	return u, true
}

func (s *subscriber) run(ctx context.Context) {
	for {
		for {
			select {
			case <-s.done:
				return
			default:
			}
			u, ok := s.pop()
			if !ok {
				break
			}
			s.fn(u.path, u.value)
		}
		select {
		case <-s.signal:
		case <-s.done:
			return
		case <-ctx.Done():
			s.close()
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}
