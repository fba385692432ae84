// Package tracing initializes OpenTelemetry trace export for Helios.
// Spans are exported over OTLP gRPC with parent-based ratio sampling;
// when tracing is disabled a noop tracer keeps the call sites free.
package tracing
