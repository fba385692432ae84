package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/helioshq/helios/pkg/anomaly"
)

// FieldError represents a validation error for a specific configuration
// field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects all validation errors in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate checks the entire configuration and returns a
// ValidationError listing every failing field, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateBudget(&cfg.Budget)...)
	errs = append(errs, validateRateLimit(&cfg.RateLimit)...)
	errs = append(errs, validateAnomaly(&cfg.Anomaly)...)
	errs = append(errs, validatePolicy(&cfg.Policy)...)
	errs = append(errs, validateAlerts(&cfg.Alerts)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError
	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid address %q: must be host:port", cfg.ListenAddress),
		})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "must not be negative"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "must not be negative"})
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "must be positive"})
	}
	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError
	if cfg.RetentionDays < 0 {
		errs = append(errs, FieldError{Field: "storage.retention_days", Message: "must not be negative"})
	}
	errs = append(errs, validateCron("storage.prune_schedule", cfg.PruneSchedule)...)
	return errs
}

func validateBudget(cfg *BudgetConfig) []FieldError {
	var errs []FieldError
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, FieldError{
			Field:   "budget.timezone",
			Message: fmt.Sprintf("unknown timezone %q", cfg.Timezone),
		})
	}
	errs = append(errs, validateCron("budget.reset_schedule", cfg.ResetSchedule)...)
	if cfg.AlertBuffer < 0 {
		errs = append(errs, FieldError{Field: "budget.alert_buffer", Message: "must not be negative"})
	}
	return errs
}

func validateRateLimit(cfg *RateLimitConfig) []FieldError {
	var errs []FieldError
	if err := cfg.Default.Validate(); err != nil {
		errs = append(errs, FieldError{Field: "rate_limit.default", Message: err.Error()})
	}
	return errs
}

func validateAnomaly(cfg *AnomalyConfig) []FieldError {
	var errs []FieldError
	if cfg.WindowDays <= 0 {
		errs = append(errs, FieldError{Field: "anomaly.window_days", Message: "must be positive"})
	}
	if cfg.MinimumSampleSize < 1 {
		errs = append(errs, FieldError{Field: "anomaly.minimum_sample_size", Message: "must be at least 1"})
	}
	if cfg.RecomputeWorkers < 1 {
		errs = append(errs, FieldError{Field: "anomaly.recompute_workers", Message: "must be at least 1"})
	}
	if cfg.RecomputeDeadline <= 0 {
		errs = append(errs, FieldError{Field: "anomaly.recompute_deadline", Message: "must be positive"})
	}
	errs = append(errs, validateCron("anomaly.recompute_schedule", cfg.RecomputeSchedule)...)
	errs = append(errs, validateCron("anomaly.scan_schedule", cfg.ScanSchedule)...)
	if cfg.ScanWindow <= 0 {
		errs = append(errs, FieldError{Field: "anomaly.scan_window", Message: "must be positive"})
	}
	return errs
}

func validatePolicy(cfg *PolicyConfig) []FieldError {
	var errs []FieldError
	if cfg.Watch && cfg.Dir == "" {
		errs = append(errs, FieldError{Field: "policy.watch", Message: "requires policy.dir to be set"})
	}
	errs = append(errs, validateCron("policy.sync_schedule", cfg.SyncSchedule)...)
	return errs
}

func validateAlerts(cfg *AlertsConfig) []FieldError {
	var errs []FieldError
	if cfg.DedupWindow < 0 {
		errs = append(errs, FieldError{Field: "alerts.dedup_window", Message: "must not be negative"})
	}
	for name, route := range cfg.Routes {
		field := "alerts.routes." + name
		if !validSeverity(name) {
			errs = append(errs, FieldError{
				Field:   field,
				Message: "severity must be one of low, medium, high, critical",
			})
		}
		if len(route.Channels) == 0 {
			errs = append(errs, FieldError{Field: field + ".channels", Message: "must not be empty"})
		}
		if route.MaxPerHour < 0 || route.MaxPerDay < 0 {
			errs = append(errs, FieldError{Field: field, Message: "rate caps must not be negative"})
		}
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("unknown level %q: must be debug, info, warn, or error", cfg.Logging.Level),
		})
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("unknown format %q: must be json or text", cfg.Logging.Format),
		})
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "required when tracing is enabled"})
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sample_rate", Message: "must be within [0, 1]"})
	}
	return errs
}

func validateCron(field, spec string) []FieldError {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid cron expression %q", spec)}}
	}
	return nil
}

func validSeverity(name string) bool {
	switch anomaly.Severity(name) {
	case anomaly.SeverityLow, anomaly.SeverityMedium, anomaly.SeverityHigh, anomaly.SeverityCritical:
		return true
	}
	return false
}
