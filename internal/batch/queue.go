// Package batch implements a debounced micro-batching queue ordered by
// priority.
//
// Pending items are kept highest priority first and, within one
// priority, in arrival order. Every Enqueue restarts the debounce timer
// unless a batch is already running; when the timer fires up to
// BatchSize items are popped and processed concurrently. Items succeed
// or fail independently. The pending list is unbounded, so callers are
// expected to apply rate or capacity limits before enqueueing.
package batch

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"web4msg/internal/clock"
)

const (
	DefaultBatchSize    = 10
	DefaultBatchTimeout = 50 * time.Millisecond
)

var ErrClosed = errors.New("batch: queue closed")

// Processor handles one item.
type Processor[T, R any] func(ctx context.Context, item T) (R, error)

type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	Clock        clock.Clock
}

// Handle settles once its item has been processed.
type Handle[R any] struct {
	done chan struct{}
	val  R
	err  error
}

func (h *Handle[R]) Done() <-chan struct{} { return h.done }

// Wait blocks until the item settles or ctx ends.
func (h *Handle[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (h *Handle[R]) settle(v R, err error) {
	h.val, h.err = v, err
	close(h.done)
}

type item[T, R any] struct {
	payload    T
	priority   int
	seq        uint64
	enqueuedAt time.Time
	handle     *Handle[R]
}

type itemHeap[T, R any] []*item[T, R]

func (h itemHeap[T, R]) Len() int { return len(h) }
func (h itemHeap[T, R]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap[T, R]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap[T, R]) Push(x any)   { *h = append(*h, x.(*item[T, R])) }
func (h *itemHeap[T, R]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type Queue[T, R any] struct {
	mu      sync.Mutex
	clk     clock.Clock
	size    int
	timeout time.Duration
	proc    Processor[T, R]
	pending itemHeap[T, R]
	seq     uint64
	timer   clock.Timer
	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func New[T, R any](proc Processor[T, R], opts Options) *Queue[T, R] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T, R]{
		clk:     opts.Clock,
		size:    opts.BatchSize,
		timeout: opts.BatchTimeout,
		proc:    proc,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue adds payload with the given priority (higher is more urgent).
func (q *Queue[T, R]) Enqueue(payload T, priority int) *Handle[R] {
	h := &Handle[R]{done: make(chan struct{})}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		var zero R
		h.settle(zero, ErrClosed)
		return h
	}
	q.seq++
	heap.Push(&q.pending, &item[T, R]{
		payload:    payload,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: q.clk.Now(),
		handle:     h,
	})
	if !q.running {
		q.scheduleLocked()
	}
	return h
}

func (q *Queue[T, R]) scheduleLocked() {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = q.clk.AfterFunc(q.timeout, q.fire)
}

func (q *Queue[T, R]) fire() {
	q.mu.Lock()
	if q.running || q.closed || q.pending.Len() == 0 {
		q.mu.Unlock()
		return
	}
	q.running = true
	n := q.size
	if n > q.pending.Len() {
		n = q.pending.Len()
	}
	batch := make([]*item[T, R], 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&q.pending).(*item[T, R]))
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, it := range batch {
		wg.Add(1)
		go func(it *item[T, R]) {
			defer wg.Done()
			v, err := q.run(it.payload)
			it.handle.settle(v, err)
		}(it)
	}
	wg.Wait()

	q.mu.Lock()
	q.running = false
	if !q.closed && q.pending.Len() > 0 {
		q.scheduleLocked()
	}
	q.mu.Unlock()
}

func (q *Queue[T, R]) run(payload T) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("batch: processor panicked")
		}
	}()
	return q.proc(q.ctx, payload)
}

// Pending reports items waiting for a batch.
func (q *Queue[T, R]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Close fails all pending items with ErrClosed and cancels the context
// handed to running processors.
func (q *Queue[T, R]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()
	q.cancel()
	var zero R
	for _, it := range rest {
		it.handle.settle(zero, ErrClosed)
	}
}
