// Package store provides the keyed state store used for budgets,
// policies, baselines, and anomalies.
//
// Records are JSON payloads keyed by (kind, id) with a monotonically
// increasing version per key. Writes never silently overwrite: every Put
// bumps the version and the previous payload is retained in history.
//
// Update runs a read-modify-write cycle atomically with respect to other
// writers of the same key, which is what budget consumption relies on
// for crash-safe counters.
//
// Two backends ship with Helios: MemoryStore for tests and ephemeral
// runs, and SQLiteStore (modernc.org/sqlite, WAL mode) for durability.
package store
