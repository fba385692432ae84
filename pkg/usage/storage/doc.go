// Package storage provides persistence backends for the usage ledger.
//
// The event log is append-only and partitioned by (agent, day) through a
// composite index so per-agent windowed queries stay cheap as the log
// grows. Two backends are provided:
//
//   - MemoryStore: unbounded in-process store for tests and ephemeral runs
//   - SQLiteStore: durable WAL-mode SQLite store for production
//
// Transient backend failures are retried with bounded, jittered backoff
// at this boundary; business logic above never retries.
package storage
