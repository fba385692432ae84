// Package budget implements budget enforcement for agent resource
// consumption.
//
// A Budget caps one metric (tokens, cost, calls) for one scope (a single
// agent or the global scope) over a recurring period. Periods are
// calendar-aligned in the ledger's configured timezone: a daily budget
// resets at local midnight, not 24 hours after creation, so boundaries
// never drift.
//
// CheckAndConsume is the only mutation path for consumption and is
// atomic per budget: two concurrent callers never both get the last unit
// of headroom. Exceeding a hard-enforced budget is a normal
// Allowed=false decision, not an error; only malformed configuration is
// an error.
//
// Budgets in warn-only mode (EnforceLimit=false) always admit and let
// Current exceed Limit indefinitely; PercentUsed reports past 100% so
// alerting still fires.
package budget
