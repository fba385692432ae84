package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

// MemoryStore is an in-process Store for tests and ephemeral deployments.
// Events are held per agent in timestamp order.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*usage.Event // agentID -> events, timestamp ascending
	ids    map[string]struct{}
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]*usage.Event),
		ids:    make(map[string]struct{}),
	}
}

// Insert appends an event to the log.
func (m *MemoryStore) Insert(ctx context.Context, event *usage.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ids[event.ID]; exists {
		return ErrDuplicateID
	}
	m.ids[event.ID] = struct{}{}

	// Copy so callers cannot mutate stored events.
	ev := *event
	list := m.events[ev.AgentID]

	// Fast path: append in order. Out-of-order arrivals re-sort.
	list = append(list, &ev)
	if len(list) > 1 && list[len(list)-2].Timestamp.After(ev.Timestamp) {
		sort.Slice(list, func(i, j int) bool {
			return list[i].Timestamp.Before(list[j].Timestamp)
		})
	}
	m.events[ev.AgentID] = list

	return nil
}

// Query returns events for an agent within [from, to).
func (m *MemoryStore) Query(ctx context.Context, agentID string, from, to time.Time) ([]*usage.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*usage.Event
	for _, ev := range m.events[agentID] {
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// QueryAll returns events across all agents within [from, to).
func (m *MemoryStore) QueryAll(ctx context.Context, from, to time.Time) ([]*usage.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]string, 0, len(m.events))
	for agentID := range m.events {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)

	var out []*usage.Event
	for _, agentID := range agents {
		for _, ev := range m.events[agentID] {
			if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// Prune deletes events older than the cutoff.
func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for agentID, list := range m.events {
		kept := list[:0]
		for _, ev := range list {
			if ev.Timestamp.Before(olderThan) {
				delete(m.ids, ev.ID)
				deleted++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(m.events, agentID)
		} else {
			m.events[agentID] = kept
		}
	}
	return deleted, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
