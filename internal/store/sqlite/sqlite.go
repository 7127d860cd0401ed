// Package sqlite is a durable single-host store backend.
//
// Subscriptions poll by a monotonically increasing write sequence, so
// writers in other processes sharing the file are picked up within one
// poll interval. Writes made through the same handle wake subscribers
// immediately.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"web4msg/internal/debuglog"
	"web4msg/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const DefaultPollInterval = 100 * time.Millisecond

type Store struct {
	db   *sql.DB
	poll time.Duration

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Open creates or opens a SQLite database at path and applies the
// schema. A zero poll uses DefaultPollInterval.
func Open(path string, poll time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Store{db: db, poll: poll, subs: make(map[*subscription]struct{})}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func parentOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) Write(ctx context.Context, path string, value []byte, ack func(error)) error {
	if s.isClosed() {
		return store.ErrClosed
	}
	path = store.Clean(path)
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (path, parent, value, seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries))
		ON CONFLICT(path) DO UPDATE SET
			value = excluded.value,
			seq = excluded.seq`,
		path, parentOf(path), value)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.wake(parentOf(path))
	if ack != nil {
		ack(nil)
	}
	return nil
}

func (s *Store) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, store.ErrClosed
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE path = ?`, store.Clean(path)).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT path, value FROM entries WHERE parent = ?`, store.Clean(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var p string
		var v []byte
		if err := rows.Scan(&p, &v); err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, rows.Err()
}

func (s *Store) Subscribe(ctx context.Context, prefix string, fn store.Handler) (store.Subscription, error) {
	sub := &subscription{
		s:      s,
		prefix: store.Clean(prefix),
		fn:     fn,
		nudge:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	go sub.run(ctx)
	return sub, nil
}

func (s *Store) wake(parent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.prefix == parent {
			select {
			case sub.nudge <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
	return s.db.Close()
}

type subscription struct {
	s      *Store
	prefix string
	fn     store.Handler
	nudge  chan struct{}
	done   chan struct{}
	once   sync.Once
	last   int64
}

func (sub *subscription) run(ctx context.Context) {
	defer sub.Close()
	t := time.NewTicker(sub.s.poll)
	defer t.Stop()
	for {
		if err := sub.drain(ctx); err != nil {
			select {
			case <-sub.done:
				return
			default:
			}
			debuglog.RateLimitedf("sqlite-poll:"+sub.prefix, 10*time.Second, "sqlite: poll %s failed: %v", sub.prefix, err)
		}
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		case <-sub.nudge:
		case <-t.C:
		}
	}
}

func (sub *subscription) drain(ctx context.Context) error {
	rows, err := sub.s.db.QueryContext(ctx,
		`SELECT path, value, seq FROM entries WHERE parent = ? AND seq > ? ORDER BY seq`,
		sub.prefix, sub.last)
	if err != nil {
		return err
	}
	type row struct {
		path  string
		value []byte
		seq   int64
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.path, &r.value, &r.seq); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}
	for _, r := range batch {
		select {
		case <-sub.done:
			return nil
		default:
		}
		sub.last = r.seq
		sub.fn(r.path, r.value)
	}
	return nil
}

func (sub *subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *subscription) Close() {
	sub.stop()
	sub.s.mu.Lock()
	if sub.s.subs != nil {
		delete(sub.s.subs, sub)
	}
	sub.s.mu.Unlock()
}
