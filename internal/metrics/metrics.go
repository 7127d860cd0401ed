package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a short record of a recent delivery, kept for diagnostics.
type Event struct {
	Kind string    `json:"kind"`
	ID   string    `json:"id"`
	Peer string    `json:"peer,omitempty"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Messages    MessageMetrics `json:"messages"`
	Drops       DropMetrics    `json:"drops"`
	Rejects     RejectMetrics  `json:"rejects"`
	Groups      GroupMetrics   `json:"groups"`
	Latency     LatencyMetrics `json:"latency"`
	ErrorRate   float64        `json:"error_rate"`
	Recent      []Event        `json:"recent"`
}

type MessageMetrics struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Failed   uint64 `json:"failed"`
}

// DropMetrics counts inbound messages discarded by listeners.
type DropMetrics struct {
	Duplicate uint64 `json:"duplicate"`
	Order     uint64 `json:"order"`
	Crypto    uint64 `json:"crypto"`
	Malformed uint64 `json:"malformed"`
}

// RejectMetrics counts outbound operations refused before any write.
type RejectMetrics struct {
	Validation uint64 `json:"validation"`
	RateLimit  uint64 `json:"rate_limit"`
	Capacity   uint64 `json:"capacity"`
	Timeout    uint64 `json:"timeout"`
}

type GroupMetrics struct {
	Created     uint64 `json:"created"`
	KeysShared  uint64 `json:"keys_shared"`
	KeysFailed  uint64 `json:"keys_failed"`
	MessagesOut uint64 `json:"messages_out"`
	MessagesIn  uint64 `json:"messages_in"`
}

type LatencyMetrics struct {
	Samples int     `json:"samples"`
	AvgMs   float64 `json:"avg_ms"`
	P95Ms   float64 `json:"p95_ms"`
	MaxMs   float64 `json:"max_ms"`
}

type Metrics struct {
	sent, received, failed                  atomic.Uint64
	dropDup, dropOrder, dropCrypto, dropBad atomic.Uint64
	rejValidation, rejRate, rejCap, rejTO   atomic.Uint64
	groupsCreated, keysShared, keysFailed   atomic.Uint64
	groupOut, groupIn                       atomic.Uint64

	latency *latencyRing
	recent  *Recent
}

func New() *Metrics {
	return &Metrics{latency: newLatencyRing(1024), recent: NewRecent(64)}
}

func (m *Metrics) Recent() *Recent { return m.recent }

func (m *Metrics) IncSent()                 { m.sent.Add(1) }
func (m *Metrics) IncReceived()             { m.received.Add(1) }
func (m *Metrics) IncFailed()               { m.failed.Add(1) }
func (m *Metrics) IncDropDuplicate()        { m.dropDup.Add(1) }
func (m *Metrics) IncDropOrder()            { m.dropOrder.Add(1) }
func (m *Metrics) IncDropCrypto()           { m.dropCrypto.Add(1) }
func (m *Metrics) IncDropMalformed()        { m.dropBad.Add(1) }
func (m *Metrics) IncRejectValidation()     { m.rejValidation.Add(1) }
func (m *Metrics) IncRejectRateLimit()      { m.rejRate.Add(1) }
func (m *Metrics) IncRejectCapacity()       { m.rejCap.Add(1) }
func (m *Metrics) IncRejectTimeout()        { m.rejTO.Add(1) }
func (m *Metrics) IncGroupCreated()         { m.groupsCreated.Add(1) }
func (m *Metrics) IncGroupKeyShared()       { m.keysShared.Add(1) }
func (m *Metrics) IncGroupKeyFailed()       { m.keysFailed.Add(1) }
func (m *Metrics) IncGroupMessageSent()     { m.groupOut.Add(1) }
func (m *Metrics) IncGroupMessageReceived() { m.groupIn.Add(1) }

// ObserveLatency records the duration of one send.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.latency.add(d)
}

// ErrorRate is failed sends over attempted sends, 0 when idle.
func (m *Metrics) ErrorRate() float64 {
	sent, failed := m.sent.Load(), m.failed.Load()
	if sent+failed == 0 {
		return 0
	}
	return float64(failed) / float64(sent+failed)
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Event{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Messages: MessageMetrics{
			Sent:     m.sent.Load(),
			Received: m.received.Load(),
			Failed:   m.failed.Load(),
		},
		Drops: DropMetrics{
			Duplicate: m.dropDup.Load(),
			Order:     m.dropOrder.Load(),
			Crypto:    m.dropCrypto.Load(),
			Malformed: m.dropBad.Load(),
		},
		Rejects: RejectMetrics{
			Validation: m.rejValidation.Load(),
			RateLimit:  m.rejRate.Load(),
			Capacity:   m.rejCap.Load(),
			Timeout:    m.rejTO.Load(),
		},
		Groups: GroupMetrics{
			Created:     m.groupsCreated.Load(),
			KeysShared:  m.keysShared.Load(),
			KeysFailed:  m.keysFailed.Load(),
			MessagesOut: m.groupOut.Load(),
			MessagesIn:  m.groupIn.Load(),
		},
		Latency:   m.latency.stats(),
		ErrorRate: m.ErrorRate(),
		Recent:    recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing(capacity int) *latencyRing {
	return &latencyRing{samples: make([]time.Duration, capacity)}
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *latencyRing) stats() LatencyMetrics {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	vals := make([]time.Duration, n)
	copy(vals, r.samples[:n])
	r.mu.Unlock()
	if n == 0 {
		return LatencyMetrics{}
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	var sum time.Duration
	for _, v := range vals {
		sum += v
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	idx := (n*95+99)/100 - 1
	return LatencyMetrics{
		Samples: n,
		AvgMs:   ms(sum / time.Duration(n)),
		P95Ms:   ms(vals[idx]),
		MaxMs:   ms(vals[n-1]),
	}
}

// Recent is a bounded FIFO of the latest events.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Event
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.list))
	copy(out, r.list)
	return out
}
