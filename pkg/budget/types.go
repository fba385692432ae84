package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

// ScopeGlobal is the scope shared by all agents. Agent-scoped budgets
// use the agent ID as their scope.
const ScopeGlobal = "global"

// Period is the recurring window a budget covers.
type Period string

const (
	// PeriodHour resets at the top of every hour.
	PeriodHour Period = "hour"

	// PeriodDay resets at local midnight.
	PeriodDay Period = "day"

	// PeriodWeek resets at local Monday midnight.
	PeriodWeek Period = "week"

	// PeriodMonth resets at local midnight on the first of the month.
	PeriodMonth Period = "month"

	// PeriodTotal never resets.
	PeriodTotal Period = "total"
)

// ValidPeriod reports whether p is a known period.
func ValidPeriod(p Period) bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth, PeriodTotal:
		return true
	}
	return false
}

// Spec describes a budget to create.
type Spec struct {
	// Scope is an agent ID or ScopeGlobal.
	Scope string `json:"scope"`

	// Metric is the capped consumption dimension.
	Metric usage.Metric `json:"metric"`

	// Limit is the ceiling for one period. Must be positive.
	Limit float64 `json:"limit"`

	// Period is the recurring window.
	Period Period `json:"period"`

	// AlertThreshold is the fraction of Limit at which alerting starts.
	// Must be within [0, 1]. Zero disables threshold alerts.
	AlertThreshold float64 `json:"alert_threshold"`

	// EnforceLimit selects hard enforcement (deny at the limit) versus
	// warn-only (always admit, report overconsumption).
	EnforceLimit bool `json:"enforce_limit"`
}

// Budget is a configured consumption ceiling with its live counter.
type Budget struct {
	ID             string       `json:"id"`
	Scope          string       `json:"scope"`
	Metric         usage.Metric `json:"metric"`
	Limit          float64      `json:"limit"`
	Period         Period       `json:"period"`
	AlertThreshold float64      `json:"alert_threshold"`
	EnforceLimit   bool         `json:"enforce_limit"`

	// Current is the consumption in the running period. Mutated only by
	// CheckAndConsume and period resets.
	Current float64 `json:"current"`

	// ResetAt is the next period boundary. Zero for PeriodTotal.
	ResetAt time.Time `json:"reset_at"`

	CreatedAt time.Time `json:"created_at"`
}

// Decision is the outcome of a consumption attempt.
type Decision struct {
	// Allowed reports whether the amount was admitted and consumed.
	Allowed bool `json:"allowed"`

	// Remaining is Limit - Current after the attempt. Negative in
	// warn-only overconsumption.
	Remaining float64 `json:"remaining"`

	// PercentUsed is Current/Limit after the attempt, as a fraction.
	// Exceeds 1.0 in warn-only overconsumption.
	PercentUsed float64 `json:"percent_used"`

	// LimitingFactor names the budget that denied (or came closest),
	// e.g. "hourly token budget for agent-7".
	LimitingFactor string `json:"limiting_factor,omitempty"`

	// AlertTriggered reports that consumption crossed the alert
	// threshold during this attempt.
	AlertTriggered bool `json:"alert_triggered"`

	// ResetAt is when the binding budget's period rolls over.
	ResetAt time.Time `json:"reset_at"`
}

// Status is a read-only view of one budget.
type Status struct {
	BudgetID    string       `json:"budget_id"`
	Scope       string       `json:"scope"`
	Metric      usage.Metric `json:"metric"`
	Current     float64      `json:"current"`
	Limit       float64      `json:"limit"`
	PercentUsed float64      `json:"percent_used"`
	Period      Period       `json:"period"`
	ResetAt     time.Time    `json:"reset_at"`
	Enforced    bool         `json:"enforced"`
}

// ThresholdEvent is emitted when consumption crosses a budget's alert
// threshold. The alert router consumes these.
type ThresholdEvent struct {
	BudgetID    string       `json:"budget_id"`
	Scope       string       `json:"scope"`
	Metric      usage.Metric `json:"metric"`
	Current     float64      `json:"current"`
	Limit       float64      `json:"limit"`
	PercentUsed float64      `json:"percent_used"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Errors returned by the ledger.
var (
	// ErrValidation is returned for malformed budget configuration.
	ErrValidation = errors.New("invalid budget configuration")

	// ErrNotFound is returned when no budget matches the reference.
	ErrNotFound = errors.New("budget not found")
)

// ValidationError describes a malformed budget field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid budget configuration: field %q %s", e.Field, e.Message)
}

// Unwrap returns ErrValidation so callers can match with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validate checks a budget spec.
func (s *Spec) Validate() error {
	if s.Scope == "" {
		return &ValidationError{Field: "scope", Message: "is required"}
	}
	switch s.Metric {
	case usage.MetricTokens, usage.MetricCost, usage.MetricCalls:
	default:
		return &ValidationError{Field: "metric", Message: "must be tokens, cost, or calls"}
	}
	if s.Limit <= 0 {
		return &ValidationError{Field: "limit", Message: "must be positive"}
	}
	if !ValidPeriod(s.Period) {
		return &ValidationError{Field: "period", Message: "must be hour, day, week, month, or total"}
	}
	if s.AlertThreshold < 0 || s.AlertThreshold > 1 {
		return &ValidationError{Field: "alert_threshold", Message: "must be within [0, 1]"}
	}
	return nil
}
