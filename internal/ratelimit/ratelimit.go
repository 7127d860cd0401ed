package ratelimit

import (
	"sync"
	"time"

	"web4msg/internal/clock"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Limiter caps accepted operations per identifier over a sliding window.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clk     clock.Clock
	buckets map[string][]time.Time
}

func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clk:     clk,
		buckets: make(map[string][]time.Time),
	}
}

func (l *Limiter) evictLocked(key string, now time.Time) []time.Time {
	ts := l.buckets[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(l.buckets, key)
		return nil
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		l.buckets[key] = ts
	}
	return ts
}

// Allow records an operation for key if the window has room. A rejected
// call leaves no trace.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.evictLocked(key, now)
	if len(ts) >= l.limit {
		return false
	}
	l.buckets[key] = append(ts, now)
	return true
}

// Remaining reports how many operations key may still perform in the
// current window.
func (l *Limiter) Remaining(key string) int {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - len(l.evictLocked(key, now))
}

// ResetAt reports when the oldest recorded operation leaves the window.
func (l *Limiter) ResetAt(key string) (time.Time, bool) {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.evictLocked(key, now)
	if len(ts) == 0 {
		return time.Time{}, false
	}
	return ts[0].Add(l.window), true
}

func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
