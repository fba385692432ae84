// Package health provides liveness and readiness checks for the
// Helios API server. Components register a CheckFunc; readiness runs
// all checks concurrently with a per-check timeout and reports a
// degraded status when any component is unhealthy.
package health
