// Package dedup filters message identifiers already processed within a
// TTL horizon. A replay arriving after the horizon is accepted as new.
package dedup

import (
	"container/list"
	"context"
	"sync"
	"time"

	"web4msg/internal/clock"
	"web4msg/internal/lock"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultMaxSize   = 10000
	DefaultResultTTL = time.Second
)

type Options struct {
	TTL       time.Duration
	MaxSize   int
	ResultTTL time.Duration
	Clock     clock.Clock
	// Locks serialises racing deliveries of one id. A private mutex is
	// used when nil.
	Locks *lock.KeyedMutex
}

type entry struct {
	id   string
	seen time.Time
}

// result is a cached answer, valid until the earlier of the result TTL
// and the entry's own expiry.
type result struct {
	dup   bool
	until time.Time
}

type Deduplicator struct {
	mu        sync.Mutex
	ttl       time.Duration
	maxSize   int
	resultTTL time.Duration
	clk       clock.Clock
	locks     *lock.KeyedMutex
	items     map[string]*list.Element
	order     *list.List // front = newest
	results   map[string]result
}

func New(opts Options) *Deduplicator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.ResultTTL > opts.TTL {
		opts.ResultTTL = opts.TTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Locks == nil {
		opts.Locks = lock.New()
	}
	return &Deduplicator{
		ttl:       opts.TTL,
		maxSize:   opts.MaxSize,
		resultTTL: opts.ResultTTL,
		clk:       opts.Clock,
		locks:     opts.Locks,
		items:     make(map[string]*list.Element),
		order:     list.New(),
		results:   make(map[string]result),
	}
}

// IsDuplicate reports whether id was already seen within the TTL. The
// first call for an id inside the window returns false and marks it.
func (d *Deduplicator) IsDuplicate(id string) bool {
	release := d.locks.Lock("dedup:" + id)
	defer release()

	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.results[id]; ok {
		if now.Before(r.until) {
			return r.dup
		}
		delete(d.results, id)
	}
	if el, ok := d.items[id]; ok {
		ent := el.Value.(*entry)
		if now.Sub(ent.seen) < d.ttl {
			d.results[id] = d.resultFor(ent, now)
			return true
		}
		// Logically expired: treat as new.
		d.order.Remove(el)
		delete(d.items, id)
	}
	ent := &entry{id: id, seen: now}
	d.items[id] = d.order.PushFront(ent)
	d.results[id] = d.resultFor(ent, now)
	if len(d.items) > d.maxSize {
		d.cleanupLocked(now)
	}
	return false
}

func (d *Deduplicator) resultFor(ent *entry, now time.Time) result {
	until := now.Add(d.resultTTL)
	if exp := ent.seen.Add(d.ttl); exp.Before(until) {
		until = exp
	}
	return result{dup: true, until: until}
}

// Seen reports whether id is live without marking it.
func (d *Deduplicator) Seen(id string) bool {
	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.items[id]
	return ok && now.Sub(el.Value.(*entry).seen) < d.ttl
}

// Remove un-marks id so a failed send can be retried.
func (d *Deduplicator) Remove(id string) {
	release := d.locks.Lock("dedup:" + id)
	defer release()
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[id]; ok {
		d.order.Remove(el)
		delete(d.items, id)
	}
	delete(d.results, id)
}

// Cleanup drops expired ids and then evicts the oldest until the live
// count fits MaxSize. It returns the number of ids removed.
func (d *Deduplicator) Cleanup() int {
	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleanupLocked(now)
}

func (d *Deduplicator) cleanupLocked(now time.Time) int {
	removed := 0
	cutoff := now.Add(-d.ttl)
	for {
		back := d.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*entry)
		if ent.seen.After(cutoff) {
			break
		}
		d.order.Remove(back)
		delete(d.items, ent.id)
		removed++
	}
	for d.order.Len() > d.maxSize {
		back := d.order.Back()
		ent := back.Value.(*entry)
		d.order.Remove(back)
		delete(d.items, ent.id)
		delete(d.results, ent.id)
		removed++
	}
	for id, r := range d.results {
		if !now.Before(r.until) {
			delete(d.results, id)
		}
	}
	return removed
}

// Len reports physically present ids, including logically expired ones
// not yet cleaned up.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Run calls Cleanup every interval until ctx ends.
func (d *Deduplicator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.ttl / 2
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Cleanup()
		}
	}
}
