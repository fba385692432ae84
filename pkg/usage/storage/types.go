package storage

import (
	"context"
	"errors"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

// Store defines the interface for usage event persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert appends an event to the log. Events are immutable; Insert
	// with a duplicate ID returns an error.
	Insert(ctx context.Context, event *usage.Event) error

	// Query returns all events for an agent within [from, to), ordered by
	// timestamp ascending. An empty result is not an error.
	Query(ctx context.Context, agentID string, from, to time.Time) ([]*usage.Event, error)

	// QueryAll returns all events within [from, to) across agents,
	// ordered by agent then timestamp. Used by baseline recomputation.
	QueryAll(ctx context.Context, from, to time.Time) ([]*usage.Event, error)

	// Prune deletes events older than the cutoff and returns the count.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// ErrDuplicateID is returned when inserting an event whose ID already
// exists in the log.
var ErrDuplicateID = errors.New("duplicate event id")

// retryAttempts bounds how many times a transient failure is retried.
const retryAttempts = 3

// retryBaseDelay is the initial backoff delay; each attempt doubles it.
const retryBaseDelay = 25 * time.Millisecond
