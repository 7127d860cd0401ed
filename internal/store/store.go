// Package store defines the shared, path-addressed store the delivery
// layer writes to and the in-memory implementation used by tests and
// single-process deployments.
//
// The store is eventually consistent and multi-writer. It offers no
// transactions. A subscription sees every present child of a path, in
// the order the children were last written, and then every child
// written afterwards.
package store

import (
	"context"
	"errors"
	"strings"
)

var ErrClosed = errors.New("store closed")

// Handler receives a child path and its value.
type Handler func(path string, value []byte)

// Subscription stops a live Subscribe.
type Subscription interface {
	Close()
}

type Store interface {
	// Write sets path to value. ack, when non-nil, is called once the
	// backend acknowledges the write; Write itself returns as soon as the
	// write is issued.
	Write(ctx context.Context, path string, value []byte, ack func(error)) error
	// ReadOnce returns the value at path and whether it exists.
	ReadOnce(ctx context.Context, path string) ([]byte, bool, error)
	// List returns every direct child of prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// Subscribe calls fn for every present and future direct child of
	// prefix until the subscription or ctx ends.
	Subscribe(ctx context.Context, prefix string, fn Handler) (Subscription, error)
	Close() error
}

// Join builds a store path from segments.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

// Clean normalises a path.
func Clean(p string) string {
	return Join(strings.Split(p, "/")...)
}

// IsChild reports whether path is a direct child of prefix.
func IsChild(prefix, path string) bool {
	prefix = Clean(prefix)
	path = Clean(path)
	if prefix == "" {
		return path != "" && !strings.Contains(path, "/")
	}
	rest, ok := strings.CutPrefix(path, prefix+"/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

// Base returns the last segment of path.
func Base(path string) string {
	path = Clean(path)
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// WriteSync issues a write and waits for its acknowledgement.
func WriteSync(ctx context.Context, s Store, path string, value []byte) error {
	done := make(chan error, 1)
	if err := s.Write(ctx, path, value, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
