// Package store defines the persistence contract for the session pub/sub
// transport and provides SQLite, PostgreSQL, and in-memory implementations.
//
// The schema is a single table:
//
//	messages(id, session_id, event_type, data, created_at, delivered_at)
//
// with two indexes: (session_id, id) for Subscriber polls and
// (delivered_at, created_at) for Sweeper scans. All other engine
// components reach persistence only through the Store interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/sessionbus/message"
)

// Store is the persistence contract the Writer, Subscriber, Hub, and
// Sweeper depend on. Implementations must be safe for concurrent use.
type Store interface {
	// InsertBatch atomically inserts rows and returns without row ids —
	// the Writer does not need them, only the Subscriber's subsequent
	// poll does, via FetchUndelivered.
	InsertBatch(ctx context.Context, rows []message.Draft) error

	// FetchUndelivered returns up to limit rows for sessionID with
	// id > afterID and delivered_at IS NULL, ordered by id ascending.
	FetchUndelivered(ctx context.Context, sessionID string, afterID int64, limit int) ([]message.Record, error)

	// MarkDelivered sets delivered_at = now for every id in ids. Idempotent.
	MarkDelivered(ctx context.Context, ids []int64, now time.Time) error

	// DeleteOldDelivered deletes rows with delivered_at IS NOT NULL AND
	// delivered_at < cutoff.
	DeleteOldDelivered(ctx context.Context, cutoff time.Time) error

	// DeleteOldUndelivered deletes rows with delivered_at IS NULL AND
	// created_at < cutoff.
	DeleteOldUndelivered(ctx context.Context, cutoff time.Time) error
}

// Transactor is implemented by Store backends that can scope a sequence of
// operations to a single transaction. The Sweeper uses it to run its two
// deletes (§4.5) atomically; stores without a meaningful transaction
// boundary (MemStore) simply run the deletes sequentially.
type Transactor interface {
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ErrUnavailable wraps a connection/SQL error observed by a Store
// operation. Callers should use errors.Is(err, store.ErrUnavailable) or
// errors.As to detect it rather than matching driver-specific error text.
var ErrUnavailable = errors.New("store: unavailable")

// UnavailableError annotates ErrUnavailable with the failing operation and
// underlying driver error.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// unavailable wraps err as an UnavailableError tagged with op, or returns
// nil if err is nil.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}
