package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CheckFunc returns nil when the checked dependency is healthy.
type CheckFunc func(ctx context.Context) error

type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type Status struct {
	Healthy   bool          `json:"healthy"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []CheckResult `json:"checks"`
}

// Health runs named checks on demand.
type Health struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealth() *Health {
	return &Health{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check called name.
func (h *Health) Register(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

func (h *Health) Check(ctx context.Context) Status {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for n := range h.checks {
		names = append(names, n)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for n, fn := range h.checks {
		checks[n] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	st := Status{Healthy: true, CheckedAt: time.Now().UTC(), Checks: make([]CheckResult, 0, len(names))}
	for _, n := range names {
		res := CheckResult{Name: n, Healthy: true}
		if err := runCheck(ctx, checks[n]); err != nil {
			res.Healthy = false
			res.Error = err.Error()
			st.Healthy = false
		}
		st.Checks = append(st.Checks, res)
	}
	return st
}

func runCheck(ctx context.Context, fn CheckFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// ErrorRateCheck fails once the send error rate exceeds max.
func ErrorRateCheck(m *Metrics, max float64) CheckFunc {
	return func(context.Context) error {
		if r := m.ErrorRate(); r > max {
			return fmt.Errorf("error rate %.2f above %.2f", r, max)
		}
		return nil
	}
}
