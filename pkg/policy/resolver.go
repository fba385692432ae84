package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/helioshq/helios/pkg/ratelimit"
)

// Resolver computes effective policies. Resolution is a pure function
// of the registered policy set; results are cached per agent and
// invalidated whenever the registry changes.
type Resolver struct {
	registry *Registry
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	generation uint64
	policy     *EffectivePolicy
	rendered   []byte
}

// NewResolver creates a resolver over the registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{
		registry: registry,
		logger:   slog.Default().With("component", "policy.resolver"),
		cache:    make(map[string]*cacheEntry),
	}
}

// EffectivePolicy resolves the policy chain for one agent: the
// organization's winner first, then the project's, then the agent's,
// each applied per its inheritance mode.
func (r *Resolver) EffectivePolicy(agentID string) (*EffectivePolicy, error) {
	entry, err := r.entry(agentID)
	if err != nil {
		return nil, err
	}
	return cloneEffective(entry.policy), nil
}

// Render returns the canonical serialized form of an agent's effective
// policy. Two calls with no intervening policy changes return
// byte-identical output.
func (r *Resolver) Render(agentID string) ([]byte, error) {
	entry, err := r.entry(agentID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(entry.rendered))
	copy(out, entry.rendered)
	return out, nil
}

func (r *Resolver) entry(agentID string) (*cacheEntry, error) {
	if agentID == "" {
		return nil, &ValidationError{Field: "agent_id", Message: "is required"}
	}
	gen := r.registry.Generation()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[agentID]; ok && entry.generation == gen {
		return entry, nil
	}

	ep, err := r.resolve(agentID)
	if err != nil {
		return nil, err
	}
	ep.normalize()

	// encoding/json renders map keys sorted, so this form is canonical.
	rendered, err := json.Marshal(ep)
	if err != nil {
		return nil, fmt.Errorf("rendering effective policy: %w", err)
	}

	entry := &cacheEntry{generation: gen, policy: ep, rendered: rendered}
	r.cache[agentID] = entry
	return entry, nil
}

// resolve builds the chain for an agent and folds it top-down.
func (r *Resolver) resolve(agentID string) (*EffectivePolicy, error) {
	agentPol, hasAgent := r.registry.Subject(ScopeAgent, agentID)

	var projectPol *Policy
	var hasProject bool
	if hasAgent && agentPol.Parent != "" {
		projectPol, hasProject = r.registry.Subject(ScopeProject, agentPol.Parent)
	}

	var orgPol *Policy
	var hasOrg bool
	if hasProject && projectPol.Parent != "" {
		orgPol, hasOrg = r.registry.Subject(ScopeOrg, projectPol.Parent)
	}
	if !hasOrg {
		// An agent with no explicit chain still falls under the
		// organization when exactly one is configured. With several
		// registered the chain is ambiguous and stays unresolved.
		orgs := r.registry.ListScope(ScopeOrg)
		switch {
		case len(orgs) == 1:
			orgPol, hasOrg = r.registry.Subject(ScopeOrg, orgs[0].ScopeID)
		case len(orgs) > 1:
			return nil, fmt.Errorf("agent %q names no organization and %d are registered: %w",
				agentID, len(orgs), ErrAmbiguousOrg)
		}
	}

	if !hasAgent && !hasProject && !hasOrg {
		return nil, fmt.Errorf("no policies govern agent %q: %w", agentID, ErrNotFound)
	}

	ep := &EffectivePolicy{AgentID: agentID}
	if hasOrg {
		// The organization policy seeds the resolution; its own mode
		// has no parent to act on.
		applyChild(ep, orgPol, ModeOverride)
		ep.Sources = append(ep.Sources, sourceRef(orgPol))
	}
	if hasProject {
		applyChild(ep, projectPol, projectPol.Mode)
		ep.Sources = append(ep.Sources, sourceRef(projectPol))
	}
	if hasAgent {
		applyChild(ep, agentPol, agentPol.Mode)
		ep.Sources = append(ep.Sources, sourceRef(agentPol))
	}
	return ep, nil
}

// applyChild folds one policy into the accumulated resolution.
func applyChild(ep *EffectivePolicy, p *Policy, mode Mode) {
	switch mode {
	case ModeInherit:
		return

	case ModeOverride:
		for key, rule := range p.Budgets {
			if ep.Budgets == nil {
				ep.Budgets = make(map[string]BudgetRule)
			}
			ep.Budgets[key] = rule
		}
		if p.RateLimits != nil {
			rl := *p.RateLimits
			ep.RateLimits = &rl
		}
		if len(p.AlertChannels) > 0 {
			ep.AlertChannels = append([]string(nil), p.AlertChannels...)
		}

	case ModeMerge:
		for key, rule := range p.Budgets {
			if ep.Budgets == nil {
				ep.Budgets = make(map[string]BudgetRule)
			}
			if existing, ok := ep.Budgets[key]; ok {
				// Stricter limit wins.
				if rule.Limit < existing.Limit {
					ep.Budgets[key] = rule
				}
			} else {
				ep.Budgets[key] = rule
			}
		}
		if p.RateLimits != nil {
			if ep.RateLimits == nil {
				rl := *p.RateLimits
				ep.RateLimits = &rl
			} else {
				merged := stricterRateLimits(*ep.RateLimits, *p.RateLimits)
				ep.RateLimits = &merged
			}
		}
		ep.AlertChannels = unionChannels(ep.AlertChannels, p.AlertChannels)
	}
}

// stricterRateLimits keeps the tighter bound per knob. Zero means
// unconfigured, so any limit beats it.
func stricterRateLimits(a, b ratelimit.Config) ratelimit.Config {
	return ratelimit.Config{
		MaxPerMinute:   stricterInt(a.MaxPerMinute, b.MaxPerMinute),
		BurstPerMinute: stricterInt(a.BurstPerMinute, b.BurstPerMinute),
		MaxPerHour:     stricterInt(a.MaxPerHour, b.MaxPerHour),
		BurstPerHour:   stricterInt(a.BurstPerHour, b.BurstPerHour),
	}
}

func stricterInt(a, b int) int {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if b < a {
		return b
	}
	return a
}

func unionChannels(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, c := range a {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, c := range b {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func sourceRef(p *Policy) string {
	return fmt.Sprintf("%s@v%d", p.ID, p.Version)
}

func cloneEffective(ep *EffectivePolicy) *EffectivePolicy {
	cp := *ep
	if ep.Budgets != nil {
		cp.Budgets = make(map[string]BudgetRule, len(ep.Budgets))
		for k, v := range ep.Budgets {
			cp.Budgets[k] = v
		}
	}
	if ep.RateLimits != nil {
		rl := *ep.RateLimits
		cp.RateLimits = &rl
	}
	cp.AlertChannels = append([]string(nil), ep.AlertChannels...)
	cp.Sources = append([]string(nil), ep.Sources...)
	return &cp
}
