package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("WEB4MSG_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Dedup.TTL)
	assert.Equal(t, 10000, cfg.Dedup.MaxSize)
	assert.Equal(t, 10, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, 50*time.Millisecond, cfg.Batch.Timeout)
	assert.Equal(t, 60, cfg.RateLimit.Limit)
	assert.Equal(t, 200*time.Millisecond, cfg.Directory.PollInterval)
}

func TestFileThenEnvPrecedence(t *testing.T) {
	home := t.TempDir()
	yamlDoc := []byte(`
store:
  backend: sqlite
  sqlite_path: /tmp/x.db
dedup:
  ttl: 2m
batch:
  size: 4
rate_limit:
  limit: 5
`)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), yamlDoc, 0600))
	t.Setenv("WEB4MSG_BATCH_SIZE", "7")
	t.Setenv("WEB4MSG_DEBUG", "1")

	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.SQLiteFile())
	assert.Equal(t, 2*time.Minute, cfg.Dedup.TTL)
	assert.Equal(t, 7, cfg.Batch.Size, "env overrides file")
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 10000, cfg.Dedup.MaxSize, "unset fields keep defaults")
}

func TestEnvRejectsGarbage(t *testing.T) {
	t.Setenv("WEB4MSG_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("WEB4MSG_RATE_LIMIT", "lots")
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestValidateBackends(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = BackendRedis
	require.Error(t, cfg.Validate())
	cfg.Store.RedisAddr = "localhost:6379"
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg := Default()
	cfg.Home = home
	cfg.Store.Backend = BackendRelay
	cfg.Store.RelayAddr = "127.0.0.1:4650"
	require.NoError(t, cfg.Save(filepath.Join(home, "config.yaml")))

	t.Setenv("WEB4MSG_CONFIG", "")
	got, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, BackendRelay, got.Store.Backend)
	assert.Equal(t, "127.0.0.1:4650", got.Store.RelayAddr)
	assert.Equal(t, cfg.Dedup, got.Dedup)
}
