package remote

import (
	"context"
	"errors"
	"time"
)

// AccountStatus reports whether the remote store will accept writes.
type AccountStatus int

const (
	// StatusUnknown means availability has not been determined yet.
	StatusUnknown AccountStatus = iota
	// StatusAvailable means the store is reachable and writable.
	StatusAvailable
	// StatusUnavailable means the store is unreachable or unauthenticated.
	StatusUnavailable
)

func (s AccountStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by Fetch when no record exists at the locator.
var ErrNotFound = errors.New("record not found")

// Query restricts a per-kind query. The predicate surface is deliberately
// small: equality on the cohort partition key, and an optional lower bound on
// the record modification time for incremental sync.
type Query struct {
	Cohort        string
	ModifiedSince *time.Time
}

// PushReason says what happened to the record a push event names.
type PushReason int

const (
	PushCreated PushReason = iota
	PushUpdated
	PushDeleted
)

func (r PushReason) String() string {
	switch r {
	case PushCreated:
		return "created"
	case PushUpdated:
		return "updated"
	case PushDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// PushEvent is an out-of-band change notification for a single record.
// Delivery is best-effort: events may arrive out of order, duplicated, or not
// at all. The engine treats them as hints, never as authoritative state.
type PushEvent struct {
	Locator Locator
	Reason  PushReason
}

// Store is the interface the sync engine consumes from the remote record
// store. Implementations paginate internally; Query always returns the full
// result set.
//
// Save semantics: last writer wins. On a detected conflicting concurrent
// write, the implementation merges the caller's fields onto the server's
// current version and retries once. The returned record carries the
// server-assigned state (including its locator, which the caller must record
// for newly created records).
type Store interface {
	// AccountStatus reports whether writes can be attempted.
	AccountStatus(ctx context.Context) AccountStatus

	// Fetch retrieves a single record, or ErrNotFound.
	Fetch(ctx context.Context, loc Locator) (*Record, error)

	// Save creates or updates a record.
	Save(ctx context.Context, rec *Record) (*Record, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, loc Locator) error

	// Query returns all records of one kind matching the query.
	Query(ctx context.Context, kind Kind, q Query) ([]*Record, error)

	// Subscribe registers for push notifications for the given kinds.
	// The returned channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, kinds []Kind) (<-chan PushEvent, error)
}
