package store

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

const maxScanSize = 4 << 20

type journalRecord struct {
	Path  string `json:"path"`
	Value []byte `json:"value"`
}

// Memory is an in-process Store. With a journal path every write is
// appended as a JSON line and synced, and the journal is replayed on
// open. Children are replayed to new subscribers in write order.
type Memory struct {
	mu      sync.RWMutex
	data    map[string][]byte
	seq     map[string]uint64
	nextSeq uint64
	subs    map[*subscriber]struct{}
	journal *os.File
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		seq:  make(map[string]uint64),
		subs: make(map[*subscriber]struct{}),
	}
}

// OpenJournaled returns a Memory backed by an append-only journal file.
func OpenJournaled(path string) (*Memory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	m := NewMemory()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	if err := m.replay(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	m.journal = f
	return m, nil
}

func (m *Memory) replay(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	for sc.Scan() {
		var rec journalRecord
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil && rec.Path != "" {
			m.setLocked(rec.Path, rec.Value)
		}
	}
	return sc.Err()
}

// setLocked stores value and moves path to the end of the write order,
// as an overwrite counts as a new write.
func (m *Memory) setLocked(path string, value []byte) {
	m.nextSeq++
	m.data[path] = value
	m.seq[path] = m.nextSeq
}

func (m *Memory) appendJournal(path string, value []byte) error {
	if m.journal == nil {
		return nil
	}
	if err := json.NewEncoder(m.journal).Encode(journalRecord{Path: path, Value: value}); err != nil {
		return err
	}
	return m.journal.Sync()
}

func (m *Memory) Write(ctx context.Context, path string, value []byte, ack func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Clean(path)
	val := append([]byte(nil), value...)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err := m.appendJournal(path, val); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setLocked(path, val)
	var targets []*subscriber
	for s := range m.subs {
		if IsChild(s.prefix, path) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()
	for _, s := range targets {
		s.push(path, val)
	}
	if ack != nil {
		ack(nil)
	}
	return nil
}

func (m *Memory) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[Clean(path)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.childrenLocked(prefix), nil
}

func (m *Memory) childrenLocked(prefix string) map[string][]byte {
	out := make(map[string][]byte)
	for p, v := range m.data {
		if IsChild(prefix, p) {
			out[p] = append([]byte(nil), v...)
		}
	}
	return out
}

func (m *Memory) Subscribe(ctx context.Context, prefix string, fn Handler) (Subscription, error) {
	s := newSubscriber(Clean(prefix), fn)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	existing := m.childrenLocked(prefix)
	m.subs[s] = struct{}{}
	paths := make([]string, 0, len(existing))
	for p := range existing {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, func(a, b string) int { return cmp.Compare(m.seq[a], m.seq[b]) })
	for _, p := range paths {
		s.push(p, existing[p])
	}
	m.mu.Unlock()

	ms := &memorySub{m: m, s: s}
	go func() {
		s.run(ctx)
		ms.Close()
	}()
	return ms, nil
}

type memorySub struct {
	m    *Memory
	s    *subscriber
	once sync.Once
}

func (ms *memorySub) Close() {
	ms.once.Do(func() {
		ms.m.mu.Lock()
		delete(ms.m.subs, ms.s)
		ms.m.mu.Unlock()
		ms.s.close()
	})
}

// Len reports the number of stored paths.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[*subscriber]struct{})
	j := m.journal
	m.journal = nil
	m.mu.Unlock()
	for s := range subs {
		s.close()
	}
	if j != nil {
		return j.Close()
	}
	return nil
}
