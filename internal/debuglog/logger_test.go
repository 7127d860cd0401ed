package debuglog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitedfSuppressesWithinInterval(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	for i := 0; i < 5; i++ {
		RateLimitedf("order-drop:alice", time.Hour, "dropped index %d", i)
	}
	RateLimitedf("order-drop:bob", time.Hour, "dropped index %d", 9)
	RateLimitedf("", time.Hour, "never logged")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "dropped index 0", entries[0].Message)
		assert.Equal(t, "dropped index 9", entries[1].Message)
	}
}

func TestNamedCarriesComponent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	Named("dedup").Infow("cleanup", "evicted", 3)
	Logf("plain %s", "line")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "dedup", entries[0].LoggerName)
		assert.Equal(t, int64(3), entries[0].ContextMap()["evicted"])
		assert.Equal(t, "plain line", entries[1].Message)
	}
}
