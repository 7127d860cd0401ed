// Package testutil bounds fuzz inputs for the wire decoders.
//
// WEB4MSG_FUZZ_MAX_BYTES and WEB4MSG_FUZZ_TIMEOUT_MS raise the caps for
// long local fuzzing runs.
package testutil

import (
	"os"
	"strconv"
	"testing"
	"time"
)

const (
	// DefaultMaxFuzzBytes covers an envelope with a maximum size message
	// body after base64 and framing.
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

// MaxFuzzBytes returns the input cap, honouring WEB4MSG_FUZZ_MAX_BYTES.
func MaxFuzzBytes() int {
	if v, err := strconv.Atoi(os.Getenv("WEB4MSG_FUZZ_MAX_BYTES")); err == nil && v > 0 {
		return v
	}
	return DefaultMaxFuzzBytes
}

// FuzzTimeout returns the per-input deadline, honouring
// WEB4MSG_FUZZ_TIMEOUT_MS.
func FuzzTimeout() time.Duration {
	if v, err := strconv.Atoi(os.Getenv("WEB4MSG_FUZZ_TIMEOUT_MS")); err == nil && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return DefaultFuzzTimeout
}

func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// WithTimeout fails t when decoding input does not finish within d. The
// input length is reported so a hang can be reproduced from the corpus.
func WithTimeout(t testing.TB, d time.Duration, input []byte, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decode of %d-byte input did not finish within %s", len(input), d)
	}
}
