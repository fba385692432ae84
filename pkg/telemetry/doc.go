// Package telemetry groups the observability subpackages for Helios:
//
//   - logging: structured logging with slog and context propagation
//   - tracing: OpenTelemetry distributed tracing over OTLP gRPC
//   - health: liveness and readiness check endpoints
//
// Prometheus metrics live next to the code they instrument (see
// pkg/governor) and are exposed through the API server's /metrics
// endpoint.
package telemetry
