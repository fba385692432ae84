// Package usage implements the append-only usage ledger for agent
// resource consumption.
//
// The ledger records discrete UsageEvents (tokens, cost, calls, duration)
// keyed by agent and model, and computes windowed aggregates (count, sum,
// mean, stddev, quartiles) on demand. Events are immutable once recorded.
//
// Recent events are kept in an in-memory series per (agent, metric) so
// hot-path aggregation never touches the durable store; queries beyond
// the in-memory retention window fall back to the storage backend.
//
// Writes to the backend are performed by an async writer goroutine with
// bounded retry, so recording never blocks on storage latency.
package usage
