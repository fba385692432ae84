// Package server exposes the governor over HTTP: usage recording,
// budget and rate limit checks, anomaly detection, policy resolution
// and sync, plus Prometheus metrics and health probes. The server uses
// the standard library mux and shuts down gracefully on context
// cancellation or SIGTERM.
package server
