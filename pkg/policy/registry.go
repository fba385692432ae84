package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/helioshq/helios/pkg/store"
)

type subjectKey struct {
	scope   Scope
	scopeID string
}

// Registry is the versioned policy store. Registration validates,
// detects sibling conflicts, and bumps versions; nothing is ever
// silently overwritten.
type Registry struct {
	mu        sync.RWMutex
	policies  map[string]*Policy
	bySubject map[subjectKey][]*Policy

	// generation increases on every change; resolver caches key their
	// entries to it.
	generation uint64

	stor   store.Store
	clock  func() time.Time
	logger *slog.Logger
}

// RegistryConfig configures a registry.
type RegistryConfig struct {
	// Store persists policies. Optional; without it the registry is
	// in-memory only.
	Store store.Store

	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

// NewRegistry creates a policy registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		policies:  make(map[string]*Policy),
		bySubject: make(map[subjectKey][]*Policy),
		stor:      cfg.Store,
		clock:     cfg.Clock,
		logger:    slog.Default().With("component", "policy.registry"),
	}
}

// Register validates and stores a policy. A policy with a known ID is
// an update and bumps the version; a new ID starts at version 1. The
// registered copy is returned.
func (r *Registry) Register(ctx context.Context, p *Policy) (*Policy, error) {
	if p == nil {
		return nil, &ValidationError{Field: "policy", Message: "is required"}
	}
	np := p.clone()
	if np.Priority == 0 {
		np.Priority = np.Scope.DefaultPriority()
	}
	if err := np.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := subjectKey{scope: np.Scope, scopeID: np.ScopeID}
	for _, sibling := range r.bySubject[key] {
		if sibling.ID == np.ID || sibling.Priority != np.Priority {
			continue
		}
		if field, ok := disagreement(sibling, np); ok {
			return nil, &ConflictError{
				Scope:     np.Scope,
				ScopeID:   np.ScopeID,
				PolicyIDs: []string{sibling.ID, np.ID},
				Field:     field,
			}
		}
	}

	if prev, ok := r.policies[np.ID]; ok {
		np.Version = prev.Version + 1
		r.removeFromSubjectLocked(prev)
	} else {
		np.Version = 1
	}
	np.UpdatedAt = r.clock()

	if err := r.persistLocked(ctx, np); err != nil {
		return nil, err
	}

	r.policies[np.ID] = np
	r.bySubject[key] = append(r.bySubject[key], np)
	r.generation++

	r.logger.Info("policy registered",
		"policy_id", np.ID, "scope", string(np.Scope), "scope_id", np.ScopeID,
		"version", np.Version)
	return np.clone(), nil
}

// Get returns a policy by ID.
func (r *Registry) Get(id string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", id, ErrNotFound)
	}
	return p.clone(), nil
}

// Delete removes a policy.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[id]
	if !ok {
		return fmt.Errorf("policy %q: %w", id, ErrNotFound)
	}
	delete(r.policies, id)
	r.removeFromSubjectLocked(p)
	r.generation++

	if r.stor != nil {
		if err := r.stor.Delete(ctx, store.KindPolicy, id); err != nil {
			return fmt.Errorf("deleting policy state: %w", err)
		}
	}
	return nil
}

// Subject returns the winning policy for one scope and scope ID: the
// highest-priority sibling, latest version breaking remaining ties.
// The second return is false when no policy governs the subject.
func (r *Registry) Subject(scope Scope, scopeID string) (*Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	siblings := r.bySubject[subjectKey{scope: scope, scopeID: scopeID}]
	if len(siblings) == 0 {
		return nil, false
	}
	winner := siblings[0]
	for _, p := range siblings[1:] {
		if p.Priority > winner.Priority ||
			(p.Priority == winner.Priority && p.Version > winner.Version) {
			winner = p
		}
	}
	return winner.clone(), true
}

// ListScope returns every policy at a scope, ordered by scope ID.
func (r *Registry) ListScope(scope Scope) []*Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Policy
	for _, p := range r.policies {
		if p.Scope == scope {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeID != out[j].ScopeID {
			return out[i].ScopeID < out[j].ScopeID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Agents returns the distinct agent IDs with agent-scoped policies.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range r.policies {
		if p.Scope == ScopeAgent {
			seen[p.ScopeID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FindConflicts scans every subject group for equal-priority siblings
// that disagree. Registration rejects these, but policies restored
// from older stores can still carry them; sync uses this to fence off
// affected subtrees.
func (r *Registry) FindConflicts() []*ConflictError {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ConflictError
	for key, siblings := range r.bySubject {
		for i := 0; i < len(siblings); i++ {
			for j := i + 1; j < len(siblings); j++ {
				if siblings[i].Priority != siblings[j].Priority {
					continue
				}
				if field, ok := disagreement(siblings[i], siblings[j]); ok {
					out = append(out, &ConflictError{
						Scope:     key.scope,
						ScopeID:   key.scopeID,
						PolicyIDs: []string{siblings[i].ID, siblings[j].ID},
						Field:     field,
					})
				}
			}
		}
	}
	return out
}

// Generation returns the registry's change counter.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Load restores persisted policies from the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.stor == nil {
		return nil
	}
	records, err := r.stor.List(ctx, store.KindPolicy)
	if err != nil {
		return fmt.Errorf("listing policies: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, rec := range records {
		var p Policy
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			r.logger.Warn("skipping unreadable policy record", "id", rec.ID, "error", err)
			continue
		}
		r.policies[p.ID] = &p
		key := subjectKey{scope: p.Scope, scopeID: p.ScopeID}
		r.bySubject[key] = append(r.bySubject[key], &p)
		loaded++
	}
	r.generation++
	r.logger.Info("policies restored from store", "count", loaded)
	return nil
}

func (r *Registry) persistLocked(ctx context.Context, p *Policy) error {
	if r.stor == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}
	if _, err := r.stor.Put(ctx, store.KindPolicy, p.ID, data); err != nil {
		return fmt.Errorf("persisting policy: %w", err)
	}
	return nil
}

func (r *Registry) removeFromSubjectLocked(p *Policy) {
	key := subjectKey{scope: p.Scope, scopeID: p.ScopeID}
	siblings := r.bySubject[key]
	for i, s := range siblings {
		if s.ID == p.ID {
			r.bySubject[key] = append(siblings[:i], siblings[i+1:]...)
			return
		}
	}
}

// disagreement reports the first field two sibling policies define
// differently. Channel lists are union-merged and never conflict.
func disagreement(a, b *Policy) (string, bool) {
	for key, ra := range a.Budgets {
		if rb, ok := b.Budgets[key]; ok && ra != rb {
			return "budgets." + key, true
		}
	}
	if a.RateLimits != nil && b.RateLimits != nil && *a.RateLimits != *b.RateLimits {
		return "rate_limits", true
	}
	return "", false
}
