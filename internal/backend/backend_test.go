package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web4msg/internal/config"
	"web4msg/internal/store"
)

func TestOpenMemoryJournalPersists(t *testing.T) {
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.Store.Journal = true

	st, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, store.WriteSync(context.Background(), st, "a/b", []byte("v")))
	require.NoError(t, st.Close())

	st, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()
	v, ok, err := st.ReadOnce(context.Background(), "a/b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestOpenSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "s.db")

	st, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, store.WriteSync(context.Background(), st, "x/y", []byte("z")))
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "tape"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
