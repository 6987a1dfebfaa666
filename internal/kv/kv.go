// Package kv provides the key-value persistence layer for fixnet.
//
// Each logical table (fixes, votes, reputations, ...) is stored as a single
// JSON document. Mutations are read-modify-write cycles executed under a
// per-table exclusive lock that is acquired with a bounded wait; a caller that
// cannot get the lock in time receives ErrStoreBusy instead of blocking.
// Reads load the last committed document without taking the table lock.
//
// Two backends are provided:
//   - MemoryStore: process-local, used by tests and ephemeral runs
//   - SQLiteStore: durable, safe for concurrent CLI processes sharing a file
//
// Doc wraps a Store with a typed document so callers work with Go structs
// instead of raw bytes.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors for store operations. Both are retryable by the caller.
var (
	// ErrStoreUnavailable indicates an I/O or decoding failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreBusy indicates the table lock could not be acquired in time.
	ErrStoreBusy = errors.New("store busy")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// DefaultLockTimeout bounds how long a mutation waits for its table lock.
const DefaultLockTimeout = 5 * time.Second

// Store persists one opaque document per table.
type Store interface {
	// Load returns the committed document for table, or nil if none exists.
	Load(ctx context.Context, table string) ([]byte, error)

	// Update runs fn against the current document under the table lock and
	// commits the returned bytes. If fn returns an error nothing is written.
	Update(ctx context.Context, table string, fn func(current []byte) ([]byte, error)) error

	// Close releases backend resources.
	Close() error
}

// Doc is a typed view of one table document.
type Doc[T any] struct {
	store Store
	table string
}

// NewDoc returns a typed document for table.
func NewDoc[T any](store Store, table string) *Doc[T] {
	return &Doc[T]{store: store, table: table}
}

// Table returns the table name.
func (d *Doc[T]) Table() string {
	return d.table
}

// Load decodes the committed document. A missing document yields the zero value.
func (d *Doc[T]) Load(ctx context.Context) (T, error) {
	var v T
	raw, err := d.store.Load(ctx, d.table)
	if err != nil {
		return v, err
	}
	if err := decode(raw, &v); err != nil {
		return v, fmt.Errorf("%w: decoding table %s: %v", ErrStoreUnavailable, d.table, err)
	}
	return v, nil
}

// Update decodes the document, applies fn and commits the re-encoded result.
// The document is only written when fn succeeds.
func (d *Doc[T]) Update(ctx context.Context, fn func(doc *T) error) error {
	return d.store.Update(ctx, d.table, func(current []byte) ([]byte, error) {
		var v T
		if err := decode(current, &v); err != nil {
			return nil, fmt.Errorf("%w: decoding table %s: %v", ErrStoreUnavailable, d.table, err)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		out, err := json.Marshal(&v)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding table %s: %v", ErrStoreUnavailable, d.table, err)
		}
		return out, nil
	})
}

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// IsRetryable reports whether err is a transient store fault.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreBusy) || errors.Is(err, ErrStoreUnavailable)
}
