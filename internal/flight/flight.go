// Package flight caps the number of named operations in flight and
// coalesces duplicate requests for the same key onto one execution.
//
// A timeout abandons the wait, not the work: the operation keeps running
// and its side effects may land after the caller has seen a Timeout
// error. Treat Timeout as an unknown outcome.
package flight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"web4msg/internal/errs"
	"web4msg/internal/lock"
)

const (
	DefaultMaxConcurrent = 10
	DefaultTimeout       = 30 * time.Second
)

// Op is the unit of work. The context passed to it is detached from the
// caller's so an abandoned operation can still finish.
type Op func(ctx context.Context) (any, error)

type call struct {
	done     chan struct{}
	val      any
	err      error
	deadline time.Time
}

type Executor struct {
	mu       sync.Mutex
	locks    *lock.KeyedMutex
	max      int
	timeout  time.Duration
	inflight map[string]*call
}

type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	Locks         *lock.KeyedMutex
}

func New(opts Options) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Locks == nil {
		opts.Locks = lock.New()
	}
	return &Executor{
		locks:    opts.Locks,
		max:      opts.MaxConcurrent,
		timeout:  opts.Timeout,
		inflight: make(map[string]*call),
	}
}

// Execute runs op under key, or attaches to the run already in flight
// for key. A timeout <= 0 uses the executor default.
func (e *Executor) Execute(ctx context.Context, key string, op Op, timeout time.Duration) (any, error) {
	v, _, err := e.ExecuteShared(ctx, key, op, timeout)
	return v, err
}

// ExecuteShared is Execute that also reports whether the result came
// from a run started by another caller.
func (e *Executor) ExecuteShared(ctx context.Context, key string, op Op, timeout time.Duration) (any, bool, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	c, shared, err := e.register(ctx, key, timeout, op)
	if err != nil {
		return nil, false, err
	}
	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		return nil, shared, ctx.Err()
	}
}

func (e *Executor) register(ctx context.Context, key string, timeout time.Duration, op Op) (*call, bool, error) {
	release, err := e.locks.Acquire(ctx, "flight:"+key)
	if err != nil {
		return nil, false, err
	}
	defer release()

	e.mu.Lock()
	if c, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		return c, true, nil
	}
	if len(e.inflight) >= e.max {
		n := len(e.inflight)
		e.mu.Unlock()
		return nil, false, errs.New(errs.Capacity, "flight.execute", fmt.Sprintf("%d operations in flight (max %d)", n, e.max))
	}
	c := &call{done: make(chan struct{}), deadline: time.Now().Add(timeout)}
	e.inflight[key] = c
	e.mu.Unlock()

	go e.race(key, c, op, timeout)
	return c, false, nil
}

func (e *Executor) race(key string, c *call, op Op, timeout time.Duration) {
	type outcome struct {
		val any
		err error
	}
	res := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- outcome{err: fmt.Errorf("flight: operation %q panicked: %v", key, r)}
			}
		}()
		v, err := op(context.Background())
		res <- outcome{val: v, err: err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case o := <-res:
		c.val, c.err = o.val, o.err
	case <-t.C:
		c.err = errs.New(errs.Timeout, "flight.execute", fmt.Sprintf("%q did not settle within %s; outcome unknown", key, timeout))
	}

	e.mu.Lock()
	if e.inflight[key] == c {
		delete(e.inflight, key)
	}
	e.mu.Unlock()
	close(c.done)
}

// InFlight reports the number of running operations.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Deadline reports when the run for key times out.
func (e *Executor) Deadline(key string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.inflight[key]
	if !ok {
		return time.Time{}, false
	}
	return c.deadline, true
}
