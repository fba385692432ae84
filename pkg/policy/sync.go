package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SyncOptions controls one synchronization run.
type SyncOptions struct {
	// DryRun computes the full diff report without committing it.
	DryRun bool

	// Scope restricts the run to agents whose resolution chain touches
	// the named scope ID (an organization, project, or agent). Empty
	// syncs every known agent.
	Scope string
}

// AgentDiff is one agent's change in a sync report.
type AgentDiff struct {
	AgentID string          `json:"agent_id"`
	Old     json.RawMessage `json:"old,omitempty"`
	New     json.RawMessage `json:"new"`
}

// SyncReport summarizes a synchronization run. A dry run produces the
// same report a real run would, minus the commit.
type SyncReport struct {
	DryRun    bool          `json:"dry_run"`
	Total     int           `json:"total"`
	Changed   []AgentDiff   `json:"changed,omitempty"`
	Conflicts []string      `json:"conflicts,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ApplyFunc receives each committed effective policy. The governor
// wires budget and rate limit reconfiguration through it.
type ApplyFunc func(ctx context.Context, agentID string, ep *EffectivePolicy) error

// Syncer recomputes effective policies and applies the changes.
type Syncer struct {
	registry *Registry
	resolver *Resolver
	apply    ApplyFunc
	clock    func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	committed map[string][]byte
}

// NewSyncer creates a syncer. apply may be nil.
func NewSyncer(registry *Registry, resolver *Resolver, apply ApplyFunc) *Syncer {
	return &Syncer{
		registry:  registry,
		resolver:  resolver,
		apply:     apply,
		clock:     time.Now,
		logger:    slog.Default().With("component", "policy.sync"),
		committed: make(map[string][]byte),
	}
}

// Sync recomputes the effective policy for every affected agent and
// reports the diff against the last committed state. A conflict in one
// subtree aborts only that subtree's agents; the rest proceed. Dry
// runs are inherently safe to abort: nothing is committed.
func (s *Syncer) Sync(ctx context.Context, opts SyncOptions) (*SyncReport, error) {
	started := s.clock()
	report := &SyncReport{DryRun: opts.DryRun}

	conflicted := make(map[subjectKey]*ConflictError)
	for _, c := range s.registry.FindConflicts() {
		conflicted[subjectKey{scope: c.Scope, scopeID: c.ScopeID}] = c
		report.Conflicts = append(report.Conflicts, c.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, agentID := range s.registry.Agents() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ep, err := s.resolver.EffectivePolicy(agentID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("agent %s: %v", agentID, err))
			continue
		}
		if opts.Scope != "" && !chainTouches(s.registry, ep, agentID, opts.Scope) {
			continue
		}
		report.Total++

		if c := s.chainConflict(ep, conflicted); c != nil {
			s.logger.Warn("skipping agent in conflicted subtree",
				"agent_id", agentID, "conflict", c.Error())
			continue
		}

		rendered, err := s.resolver.Render(agentID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("agent %s: %v", agentID, err))
			continue
		}

		prev := s.committed[agentID]
		if bytes.Equal(prev, rendered) {
			continue
		}
		report.Changed = append(report.Changed, AgentDiff{
			AgentID: agentID,
			Old:     json.RawMessage(prev),
			New:     json.RawMessage(rendered),
		})

		if opts.DryRun {
			continue
		}
		if s.apply != nil {
			if err := s.apply(ctx, agentID, ep); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("applying agent %s: %v", agentID, err))
				continue
			}
		}
		s.committed[agentID] = rendered
	}

	report.Duration = s.clock().Sub(started)
	s.logger.Info("policy sync finished",
		"dry_run", opts.DryRun,
		"total", report.Total,
		"changed", len(report.Changed),
		"conflicts", len(report.Conflicts),
		"duration", report.Duration,
	)
	return report, nil
}

// chainConflict returns the conflict covering any policy in the
// agent's resolution chain, if one exists.
func (s *Syncer) chainConflict(ep *EffectivePolicy, conflicted map[subjectKey]*ConflictError) *ConflictError {
	if len(conflicted) == 0 {
		return nil
	}
	for _, src := range ep.Sources {
		id := sourceID(src)
		p, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		if c, ok := conflicted[subjectKey{scope: p.Scope, scopeID: p.ScopeID}]; ok {
			return c
		}
	}
	return nil
}

// chainTouches reports whether the agent's resolution chain includes
// the named scope ID.
func chainTouches(r *Registry, ep *EffectivePolicy, agentID, scopeID string) bool {
	if agentID == scopeID {
		return true
	}
	for _, src := range ep.Sources {
		p, err := r.Get(sourceID(src))
		if err != nil {
			continue
		}
		if p.ScopeID == scopeID {
			return true
		}
	}
	return false
}

func sourceID(src string) string {
	if i := strings.LastIndex(src, "@"); i >= 0 {
		return src[:i]
	}
	return src
}
