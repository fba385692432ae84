package store

import (
	"context"
	"errors"
	"time"
)

// Record kinds used by Helios components. Kinds partition the key space;
// listing is always per kind.
const (
	KindBudget   = "budget"
	KindPolicy   = "policy"
	KindBaseline = "baseline"
	KindAnomaly  = "anomaly"
)

// Record is one versioned entry in the store.
type Record struct {
	// Kind partitions the key space (budget, policy, baseline, anomaly).
	Kind string

	// ID is the key within the kind.
	ID string

	// Data is the JSON payload.
	Data []byte

	// Version starts at 1 and increments on every write to the key.
	Version int64

	// CreatedAt is when the key was first written.
	CreatedAt time.Time

	// UpdatedAt is when this version was written.
	UpdatedAt time.Time
}

// UpdateFunc transforms the current payload of a key into its next
// payload. A nil current payload means the key does not exist yet.
// Returning an error aborts the update without writing.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the persistence interface for Helios state.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes a payload, creating the key or bumping its version.
	// Returns the new version.
	Put(ctx context.Context, kind, id string, data []byte) (int64, error)

	// Get returns the current record for a key, or ErrNotFound.
	Get(ctx context.Context, kind, id string) (*Record, error)

	// List returns all current records of a kind, ordered by id.
	List(ctx context.Context, kind string) ([]*Record, error)

	// Update atomically applies fn to the key's current payload and
	// writes the result. No other writer interleaves between the read
	// and the write. Returns the written record.
	Update(ctx context.Context, kind, id string, fn UpdateFunc) (*Record, error)

	// History returns all versions of a key, oldest first.
	// Returns ErrNotFound for unknown keys.
	History(ctx context.Context, kind, id string) ([]*Record, error)

	// Delete removes a key and its history. Returns ErrNotFound for
	// unknown keys.
	Delete(ctx context.Context, kind, id string) error

	// Close releases backend resources.
	Close() error
}

// Errors returned by store backends.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("record not found")
)
