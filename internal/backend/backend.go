// Package backend opens the store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"web4msg/internal/config"
	"web4msg/internal/debuglog"
	"web4msg/internal/network"
	"web4msg/internal/store"
	"web4msg/internal/store/redisstore"
	"web4msg/internal/store/sqlite"
)

const pingTimeout = 5 * time.Second

// Open returns the configured store. Remote backends are pinged so a bad
// address fails here rather than on first use.
func Open(ctx context.Context, cfg config.Config) (store.Store, error) {
	log := debuglog.Named("backend")
	switch cfg.Store.Backend {
	case config.BackendMemory:
		if !cfg.Store.Journal {
			return store.NewMemory(), nil
		}
		log.Debugf("memory store journaled at %s", cfg.JournalFile())
		return store.OpenJournaled(cfg.JournalFile())
	case config.BackendSQLite:
		log.Debugf("sqlite store at %s", cfg.SQLiteFile())
		return sqlite.Open(cfg.SQLiteFile(), cfg.Store.SQLitePoll)
	case config.BackendRedis:
		client, err := redisstore.Connect(cfg.Store.RedisAddr)
		if err != nil {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
		}
		return redisstore.New(client, cfg.Store.RedisNS), nil
	case config.BackendRelay:
		r, err := network.Dial(cfg.Store.RelayAddr, false, cfg.Store.RelayCA)
		if err != nil {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := r.Ping(pctx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("relay %s: %w", cfg.Store.RelayAddr, err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
