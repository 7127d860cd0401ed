package network

import "sync"

// slots counts concurrent holders per remote host; max <= 0 is unlimited.
type slots struct {
	max    int
	counts map[string]int
}

func (s *slots) acquire(host string) bool {
	if s.max <= 0 {
		return true
	}
	if s.counts[host] >= s.max {
		return false
	}
	s.counts[host]++
	return true
}

func (s *slots) release(host string) {
	if s.max <= 0 {
		return
	}
	if s.counts[host] <= 1 {
		delete(s.counts, host)
		return
	}
	s.counts[host]--
}

// hostLimiter caps connections and open streams (subscriptions
// included) per remote host.
type hostLimiter struct {
	mu      sync.Mutex
	conns   slots
	streams slots
}

func newHostLimiter(maxConns, maxStreams int) *hostLimiter {
	return &hostLimiter{
		conns:   slots{max: maxConns, counts: make(map[string]int)},
		streams: slots{max: maxStreams, counts: make(map[string]int)},
	}
}

func (l *hostLimiter) acquireConn(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.acquire(host)
}

func (l *hostLimiter) releaseConn(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns.release(host)
}

func (l *hostLimiter) acquireStream(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.acquire(host)
}

func (l *hostLimiter) releaseStream(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams.release(host)
}
