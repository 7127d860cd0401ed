package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(Capacity, "flight.execute", "10 operations in flight")
	wrapped := fmt.Errorf("send: %w", base)

	assert.True(t, Is(wrapped, Capacity))
	assert.False(t, Is(wrapped, Timeout))
	assert.Equal(t, Capacity, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(Crypto, "crypto.decrypt", errors.New("message authentication failed"))
	assert.Equal(t, "crypto.decrypt: CRYPTO: message authentication failed", err.Error())
	assert.Equal(t, "ORDER: index 3, want 1", New(Order, "", "index 3, want 1").Error())
}
