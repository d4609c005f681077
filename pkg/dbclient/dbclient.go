// Package dbclient implements the uniform DB client abstraction (B):
// connect/execute/fetchall/commit/rollback/close/dump over heterogeneous
// database-under-test engines. Rather than letting driver-specific
// exceptions leak into the oracle (A), Execute returns a tagged Outcome
// — {OK, Conflict, TransportError} — so the oracle branches explicitly.
package dbclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// Status is the tagged result of one Execute call.
type Status int

const (
	StatusOK Status = iota
	StatusConflict
	StatusTransportError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConflict:
		return "conflict"
	case StatusTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// Outcome is what Execute returns: never a raised exception.
type Outcome struct {
	Status Status
	Err    error
}

// SerializationFailure wraps a driver error the dialect recognized as a
// concurrency conflict (serialization failure or lock-not-available).
type SerializationFailure struct{ Err error }

func (e *SerializationFailure) Error() string {
	return fmt.Sprintf("serialization failure: %v", e.Err)
}
func (e *SerializationFailure) Unwrap() error { return e.Err }

// TransportError wraps any connect/execute/fetchall I/O failure.
type TransportError struct{ Err error }

func (e *TransportError) Error() string {
	return fmt.Sprintf("client transport error: %v", e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// IsSerializationFailure reports whether err (or anything it wraps) is a
// SerializationFailure.
func IsSerializationFailure(err error) bool {
	var sf *SerializationFailure
	return errors.As(err, &sf)
}

// Client is the per-engine DUT connection abstraction. Connect begins a
// transaction immediately — engines differ on how (native BEGIN vs a
// stand-in statement), which is the implementation's concern, not the
// caller's. After Rollback, the same Client is immediately usable for
// another transaction: centralizing "continue the same logical slot"
// here keeps the oracle free of per-engine special-casing.
type Client interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, query string, args ...interface{}) Outcome
	FetchAll(ctx context.Context, query string, args ...interface{}) ([][]interface{}, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
	// Dump returns every row of the fuzzed table as the oracle's Row type.
	Dump(ctx context.Context) ([]types.Row, error)
}

// Dialect resolves engine-specific serialization-conflict detection; B is
// a small tagged interface per engine rather than runtime type
// introspection.
type Dialect interface {
	Name() string
	IsSerializationFailure(err error) bool
}
