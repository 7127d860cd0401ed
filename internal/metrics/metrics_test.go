package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncSent()
	m.IncSent()
	m.IncReceived()
	m.IncDropDuplicate()
	m.IncDropOrder()
	m.IncDropCrypto()
	m.IncRejectValidation()
	m.IncRejectRateLimit()
	m.IncRejectCapacity()
	m.IncRejectTimeout()
	m.IncGroupKeyShared()
	m.IncGroupKeyFailed()
	snap := m.Snapshot()
	if snap.Messages.Sent != 2 || snap.Messages.Received != 1 {
		t.Fatalf("unexpected message counts: %+v", snap.Messages)
	}
	if snap.Drops.Duplicate != 1 || snap.Drops.Order != 1 || snap.Drops.Crypto != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap.Drops)
	}
	if snap.Rejects.Validation != 1 || snap.Rejects.RateLimit != 1 || snap.Rejects.Capacity != 1 || snap.Rejects.Timeout != 1 {
		t.Fatalf("unexpected reject counts: %+v", snap.Rejects)
	}
	if snap.Groups.KeysShared != 1 || snap.Groups.KeysFailed != 1 {
		t.Fatalf("unexpected group counts: %+v", snap.Groups)
	}
}

func TestLatencyStats(t *testing.T) {
	m := New()
	if got := m.Snapshot().Latency; got.Samples != 0 {
		t.Fatalf("expected empty latency, got %+v", got)
	}
	for i := 1; i <= 100; i++ {
		m.ObserveLatency(time.Duration(i) * time.Millisecond)
	}
	lat := m.Snapshot().Latency
	if lat.Samples != 100 || lat.P95Ms != 95 || lat.MaxMs != 100 || lat.AvgMs != 50.5 {
		t.Fatalf("unexpected latency stats: %+v", lat)
	}
}

func TestLatencyRingWraps(t *testing.T) {
	r := newLatencyRing(4)
	for i := 0; i < 10; i++ {
		r.add(time.Duration(i) * time.Millisecond)
	}
	st := r.stats()
	if st.Samples != 4 || st.MaxMs != 9 {
		t.Fatalf("expected last 4 samples, got %+v", st)
	}
}

func TestErrorRate(t *testing.T) {
	m := New()
	if m.ErrorRate() != 0 {
		t.Fatalf("idle error rate must be 0")
	}
	m.IncSent()
	m.IncSent()
	m.IncSent()
	m.IncFailed()
	if m.ErrorRate() != 0.25 {
		t.Fatalf("expected 0.25, got %v", m.ErrorRate())
	}
	h := NewHealth()
	h.Register("error_rate", ErrorRateCheck(m, 0.1))
	if h.Check(context.Background()).Healthy {
		t.Fatalf("expected unhealthy above threshold")
	}
}

func TestRecentBounded(t *testing.T) {
	r := NewRecent(2)
	r.Add(Event{ID: "a"})
	r.Add(Event{ID: "b"})
	r.Add(Event{ID: "c"})
	got := r.List()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected recent list: %+v", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncSent()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Messages.Sent != 1 {
		t.Fatalf("expected sent=1, got %d", snap.Messages.Sent)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path must be a no-op: %v", err)
	}
}

func TestHealthCheckPanicIsUnhealthy(t *testing.T) {
	h := NewHealth()
	h.Register("ok", func(context.Context) error { return nil })
	h.Register("boom", func(context.Context) error { panic("x") })
	st := h.Check(context.Background())
	if st.Healthy || len(st.Checks) != 2 || st.Checks[0].Name != "boom" || st.Checks[0].Healthy {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncReceived()
	h := NewHealth()
	srv := httptest.NewServer(Handler(m, h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	resp.Body.Close()
	if snap.Messages.Received != 1 {
		t.Fatalf("expected received=1, got %d", snap.Messages.Received)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	h.Register("store", func(context.Context) error { return errors.New("unreachable") })
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
