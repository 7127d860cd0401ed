// Package errs holds the error taxonomy shared by the delivery layer.
//
// Validation, capacity, timeout and rate errors are returned to the
// immediate caller. Crypto and order errors raised on inbound paths are
// logged and counted by the listener that saw them and never propagate.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorises an Error.
type Kind string

const (
	// Validation marks malformed, oversized or disallowed input.
	Validation Kind = "VALIDATION"
	// NotFound marks identity or group data not resolved before a deadline.
	NotFound Kind = "NOT_FOUND"
	// Crypto marks secret derivation or decryption failures.
	Crypto Kind = "CRYPTO"
	// Capacity marks a concurrency ceiling being reached.
	Capacity Kind = "CAPACITY"
	// Timeout marks an operation whose outcome is unknown.
	Timeout Kind = "TIMEOUT"
	// Order marks a chain index mismatch.
	Order Kind = "ORDER"
	// RateLimited marks a caller over its sliding-window quota.
	RateLimited Kind = "RATE_LIMITED"
)

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
