// Package chain assigns and verifies per-conversation message indices.
//
// Each direction of a conversation is its own chain. A message is
// accepted only when its index is exactly one past the last accepted
// index: gaps, replays and reordering are rejected and the message is
// dropped. There is no reorder buffer.
//
// State lives in memory only. After a restart every chain starts again
// at -1, so inbound messages from a peer that kept counting fail
// verification until state is rebuilt by other means.
package chain

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"web4msg/internal/errs"
)

// Entry is one accepted or sent message.
type Entry struct {
	ID        string
	Index     int64
	Timestamp time.Time
}

type state struct {
	last int64
	log  []Entry
}

type Sequencer struct {
	mu     sync.Mutex
	chains map[string]*state
	now    func() time.Time
}

func New() *Sequencer {
	return &Sequencer{chains: make(map[string]*state), now: time.Now}
}

// PairKey is the direction-free key for two identities.
func PairKey(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return p[0] + "|" + p[1]
}

// DirKey is the key for messages flowing from one identity to another.
func DirKey(from, to string) string {
	return from + ">" + to
}

// Digest is a path-safe fingerprint of a chain key.
func Digest(key string) string {
	sum := blake3.Sum256([]byte("web4msg:chain:v1|" + key))
	return hex.EncodeToString(sum[:16])
}

func (s *Sequencer) get(key string) *state {
	st, ok := s.chains[key]
	if !ok {
		st = &state{last: -1}
		s.chains[key] = st
	}
	return st
}

// Next returns the index to embed in the next outgoing message. It does
// not advance the chain; call RecordSent once the message is written.
func (s *Sequencer) Next(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key).last + 1
}

// RecordSent commits an outgoing index. The commit happens when the
// write is issued, not when peers acknowledge it.
func (s *Sequencer) RecordSent(key, id string, index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(key)
	if index != st.last+1 {
		return errs.New(errs.Order, "chain.record_sent", fmt.Sprintf("index %d, want %d", index, st.last+1))
	}
	st.last = index
	st.log = append(st.log, Entry{ID: id, Index: index, Timestamp: s.now()})
	return nil
}

// VerifyAndAccept accepts index iff it equals last+1 and advances the
// chain. Any other index leaves the chain unchanged.
func (s *Sequencer) VerifyAndAccept(key, id string, index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(key)
	want := st.last + 1
	if index != want {
		kind := "gap"
		if index <= st.last {
			kind = "replay"
		}
		return errs.New(errs.Order, "chain.verify", fmt.Sprintf("%s: index %d, want %d", kind, index, want))
	}
	st.last = index
	st.log = append(st.log, Entry{ID: id, Index: index, Timestamp: s.now()})
	return nil
}

// Last returns the last committed index, -1 for an unknown chain.
func (s *Sequencer) Last(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.chains[key]; ok {
		return st.last
	}
	return -1
}

// Log returns a copy of the chain's append-only log.
func (s *Sequencer) Log(key string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.chains[key]
	if !ok {
		return nil
	}
	out := make([]Entry, len(st.log))
	copy(out, st.log)
	return out
}

// Keys lists known chains, sorted.
func (s *Sequencer) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chains))
	for k := range s.chains {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reset drops all chain state, as a restart would.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = make(map[string]*state)
}

// SplitDirKey reverses DirKey.
func SplitDirKey(key string) (from, to string, ok bool) {
	return strings.Cut(key, ">")
}
