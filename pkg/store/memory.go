package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record   // composite key -> current record
	history map[string][]*Record // composite key -> all versions, oldest first
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		history: make(map[string][]*Record),
	}
}

func compositeKey(kind, id string) string {
	return kind + "\x00" + id
}

// Put writes a payload, creating the key or bumping its version.
func (m *MemoryStore) Put(ctx context.Context, kind, id string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(kind, id, data)
}

func (m *MemoryStore) putLocked(kind, id string, data []byte) (int64, error) {
	if kind == "" || id == "" {
		return 0, fmt.Errorf("kind and id are required")
	}

	key := compositeKey(kind, id)
	now := time.Now().UTC()

	rec := &Record{
		Kind:      kind,
		ID:        id,
		Data:      append([]byte(nil), data...),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, exists := m.records[key]; exists {
		rec.Version = prev.Version + 1
		rec.CreatedAt = prev.CreatedAt
	}

	m.records[key] = rec
	m.history[key] = append(m.history[key], rec)
	return rec.Version, nil
}

// Get returns the current record for a key.
func (m *MemoryStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[compositeKey(kind, id)]
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return copyRecord(rec), nil
}

// List returns all current records of a kind, ordered by id.
func (m *MemoryStore) List(ctx context.Context, kind string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.Kind == kind {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update atomically applies fn to the key's current payload.
func (m *MemoryStore) Update(ctx context.Context, kind, id string, fn UpdateFunc) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if rec, exists := m.records[compositeKey(kind, id)]; exists {
		current = append([]byte(nil), rec.Data...)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	if _, err := m.putLocked(kind, id, next); err != nil {
		return nil, err
	}
	return copyRecord(m.records[compositeKey(kind, id)]), nil
}

// History returns all versions of a key, oldest first.
func (m *MemoryStore) History(ctx context.Context, kind, id string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, exists := m.history[compositeKey(kind, id)]
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}

	out := make([]*Record, len(versions))
	for i, rec := range versions {
		out[i] = copyRecord(rec)
	}
	return out, nil
}

// Delete removes a key and its history.
func (m *MemoryStore) Delete(ctx context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := compositeKey(kind, id)
	if _, exists := m.records[key]; !exists {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	delete(m.records, key)
	delete(m.history, key)
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *Record) *Record {
	out := *rec
	out.Data = append([]byte(nil), rec.Data...)
	return &out
}
