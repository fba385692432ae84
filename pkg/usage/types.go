package usage

import (
	"errors"
	"fmt"
	"time"
)

// Metric identifies a resource consumption dimension.
type Metric string

const (
	// MetricTokens counts prompt plus completion tokens.
	MetricTokens Metric = "tokens"

	// MetricCost counts monetary cost in cost units (USD).
	MetricCost Metric = "cost"

	// MetricCalls counts discrete invocations.
	MetricCalls Metric = "calls"

	// MetricDuration counts execution time in milliseconds.
	MetricDuration Metric = "duration"
)

// ValidMetric reports whether m is a known metric.
func ValidMetric(m Metric) bool {
	switch m {
	case MetricTokens, MetricCost, MetricCalls, MetricDuration:
		return true
	}
	return false
}

// Outcome classifies how an agent execution finished.
type Outcome string

const (
	// OutcomeSuccess marks a completed execution.
	OutcomeSuccess Outcome = "success"

	// OutcomeError marks a failed execution.
	OutcomeError Outcome = "error"
)

// Event is a single immutable usage observation. Events are append-only;
// nothing mutates an Event after Record accepts it.
type Event struct {
	// ID is a UUID v4 assigned at record time if empty.
	ID string `json:"id"`

	// AgentID identifies the consuming agent. Required.
	AgentID string `json:"agent_id"`

	// Model is the model the agent invoked. Required.
	Model string `json:"model"`

	// Tokens is the total token count for the invocation.
	Tokens int64 `json:"tokens"`

	// CostUnits is the monetary cost in USD.
	CostUnits float64 `json:"cost_units"`

	// DurationMs is the invocation wall time in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Outcome is success or error.
	Outcome Outcome `json:"outcome"`

	// Timestamp is when the usage occurred. Assigned at record time if zero.
	Timestamp time.Time `json:"timestamp"`
}

// Value returns the event's observation for the given metric.
func (e *Event) Value(metric Metric) float64 {
	switch metric {
	case MetricTokens:
		return float64(e.Tokens)
	case MetricCost:
		return e.CostUnits
	case MetricCalls:
		return 1
	case MetricDuration:
		return float64(e.DurationMs)
	}
	return 0
}

// Aggregate is a windowed statistical summary of one metric for one agent.
// A window with no events yields the zero Aggregate, not an error.
type Aggregate struct {
	AgentID string    `json:"agent_id"`
	Metric  Metric    `json:"metric"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`

	Count  int64   `json:"count"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	P25    float64 `json:"p25"`
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
}

// Errors returned by the ledger.
var (
	// ErrValidation is returned for malformed events or queries.
	ErrValidation = errors.New("invalid usage input")
)

// ValidationError describes a malformed event field. It is caller-fixable
// and never retried.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid usage input: field %q %s", e.Field, e.Message)
}

// Unwrap returns ErrValidation so callers can match with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validate checks the event for required fields and sane values.
func (e *Event) Validate() error {
	if e.AgentID == "" {
		return &ValidationError{Field: "agent_id", Message: "is required"}
	}
	if e.Model == "" {
		return &ValidationError{Field: "model", Message: "is required"}
	}
	if e.Tokens < 0 {
		return &ValidationError{Field: "tokens", Message: "must not be negative"}
	}
	if e.CostUnits < 0 {
		return &ValidationError{Field: "cost_units", Message: "must not be negative"}
	}
	if e.DurationMs < 0 {
		return &ValidationError{Field: "duration_ms", Message: "must not be negative"}
	}
	if e.Outcome != "" && e.Outcome != OutcomeSuccess && e.Outcome != OutcomeError {
		return &ValidationError{Field: "outcome", Message: "must be success or error"}
	}
	return nil
}
