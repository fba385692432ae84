package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/helioshq/helios/pkg/budget"
	"github.com/helioshq/helios/pkg/ratelimit"
	"github.com/helioshq/helios/pkg/usage"
)

// Scope is a level in the policy tree.
type Scope string

const (
	ScopeOrg     Scope = "org"
	ScopeProject Scope = "project"
	ScopeAgent   Scope = "agent"
)

// DefaultPriority returns the conventional priority for a scope.
// Higher wins among siblings.
func (s Scope) DefaultPriority() int {
	switch s {
	case ScopeOrg:
		return 100
	case ScopeProject:
		return 80
	case ScopeAgent:
		return 60
	}
	return 0
}

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	return s == ScopeOrg || s == ScopeProject || s == ScopeAgent
}

// Mode is a policy's inheritance mode against its parent.
type Mode string

const (
	// ModeInherit passes the parent's values through unchanged.
	ModeInherit Mode = "inherit"

	// ModeOverride replaces the parent's value for every field the
	// policy defines.
	ModeOverride Mode = "override"

	// ModeMerge keeps the stricter numeric limit and unions channel
	// sets.
	ModeMerge Mode = "merge"
)

// ValidMode reports whether m is a known mode.
func ValidMode(m Mode) bool {
	return m == ModeInherit || m == ModeOverride || m == ModeMerge
}

// BudgetRule is one budget a policy asks for. Rules are keyed by
// "metric/period" in a policy's budget map.
type BudgetRule struct {
	Metric         usage.Metric  `json:"metric" yaml:"metric"`
	Limit          float64       `json:"limit" yaml:"limit"`
	Period         budget.Period `json:"period" yaml:"period"`
	AlertThreshold float64       `json:"alert_threshold" yaml:"alert_threshold"`
	EnforceLimit   bool          `json:"enforce_limit" yaml:"enforce_limit"`
}

// RuleKey is the budget map key for a metric and period pair.
func RuleKey(metric usage.Metric, period budget.Period) string {
	return string(metric) + "/" + string(period)
}

// Policy is one node in the tree. Administrators create and update
// policies; the registry versions them.
type Policy struct {
	ID string `json:"id" yaml:"id"`

	Scope Scope `json:"scope" yaml:"scope"`

	// ScopeID names the governed entity: the organization name, the
	// project name, or the agent ID.
	ScopeID string `json:"scope_id" yaml:"scope_id"`

	// Parent is the scope ID one level up: a project's organization,
	// an agent's project. Empty for organization policies.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`

	Mode Mode `json:"mode" yaml:"mode"`

	// Priority breaks ties among siblings at the same scope and scope
	// ID; higher wins. Defaults by scope when zero.
	Priority int `json:"priority" yaml:"priority"`

	// Version is assigned by the registry, starting at 1.
	Version int `json:"version" yaml:"-"`

	Budgets       map[string]BudgetRule `json:"budgets,omitempty" yaml:"budgets,omitempty"`
	RateLimits    *ratelimit.Config     `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`
	AlertChannels []string              `json:"alert_channels,omitempty" yaml:"alert_channels,omitempty"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the policy's shape.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if !ValidScope(p.Scope) {
		return &ValidationError{Field: "scope", Message: "must be org, project, or agent"}
	}
	if p.ScopeID == "" {
		return &ValidationError{Field: "scope_id", Message: "is required"}
	}
	if !ValidMode(p.Mode) {
		return &ValidationError{Field: "mode", Message: "must be inherit, override, or merge"}
	}
	if p.Scope != ScopeOrg && p.Parent == "" {
		return &ValidationError{Field: "parent", Message: "is required below the organization scope"}
	}
	if p.Priority < 0 {
		return &ValidationError{Field: "priority", Message: "must be non-negative"}
	}
	for key, rule := range p.Budgets {
		if rule.Limit <= 0 {
			return &ValidationError{Field: "budgets." + key, Message: "limit must be positive"}
		}
		if !usage.ValidMetric(rule.Metric) || rule.Metric == usage.MetricDuration {
			return &ValidationError{Field: "budgets." + key, Message: "metric must be tokens, cost, or calls"}
		}
		if !budget.ValidPeriod(rule.Period) {
			return &ValidationError{Field: "budgets." + key, Message: "unknown period"}
		}
		if rule.AlertThreshold < 0 || rule.AlertThreshold > 1 {
			return &ValidationError{Field: "budgets." + key, Message: "alert threshold must be within [0, 1]"}
		}
	}
	if p.RateLimits != nil {
		if err := p.RateLimits.Validate(); err != nil {
			return &ValidationError{Field: "rate_limits", Message: err.Error()}
		}
	}
	return nil
}

// clone returns a deep copy so registry internals never leak.
func (p *Policy) clone() *Policy {
	cp := *p
	if p.Budgets != nil {
		cp.Budgets = make(map[string]BudgetRule, len(p.Budgets))
		for k, v := range p.Budgets {
			cp.Budgets[k] = v
		}
	}
	if p.RateLimits != nil {
		rl := *p.RateLimits
		cp.RateLimits = &rl
	}
	if p.AlertChannels != nil {
		cp.AlertChannels = append([]string(nil), p.AlertChannels...)
	}
	return &cp
}

// EffectivePolicy is the materialized resolution for one agent. It is
// derived state: recomputed from the policy set, never independently
// edited. It carries no timestamps so renderings are reproducible.
type EffectivePolicy struct {
	AgentID string `json:"agent_id"`

	Budgets       map[string]BudgetRule `json:"budgets,omitempty"`
	RateLimits    *ratelimit.Config     `json:"rate_limits,omitempty"`
	AlertChannels []string              `json:"alert_channels,omitempty"`

	// Sources lists the contributing policy IDs with their versions,
	// ordered organization first.
	Sources []string `json:"sources"`
}

// normalize sorts set-valued fields so two equal resolutions render
// identically.
func (e *EffectivePolicy) normalize() {
	sort.Strings(e.AlertChannels)
	sort.Strings(e.Sources)
}

// Errors returned by the policy packages.
var (
	ErrValidation = errors.New("invalid policy")
	ErrNotFound   = errors.New("policy not found")
	ErrConflict   = errors.New("policy conflict")

	// ErrAmbiguousOrg is returned when an agent's chain names no
	// organization and more than one is registered, so no fallback
	// can be chosen.
	ErrAmbiguousOrg = errors.New("ambiguous organization")
)

// ValidationError describes a malformed policy field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy: field %q %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError reports sibling policies at one scope and scope ID
// with equal priority that disagree on a field. Surfaced at
// registration; never resolved silently.
type ConflictError struct {
	Scope     Scope
	ScopeID   string
	PolicyIDs []string
	Field     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("policy conflict at %s %q on %q between %s",
		e.Scope, e.ScopeID, e.Field, strings.Join(e.PolicyIDs, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
