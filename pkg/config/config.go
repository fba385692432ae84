package config

import (
	"time"

	"github.com/helioshq/helios/pkg/ratelimit"
)

// Config is the root configuration structure for Helios. It contains
// all configuration sections for the HTTP server, storage, budget
// enforcement, rate limiting, anomaly detection, policy resolution,
// alerting, and telemetry.
type Config struct {
	// Server contains HTTP API server configuration including listen
	// address and timeouts.
	Server ServerConfig `yaml:"server"`

	// Storage contains paths for the embedded databases.
	Storage StorageConfig `yaml:"storage"`

	// Budget contains budget ledger configuration: timezone for
	// calendar-aligned resets and the reset sweep schedule.
	Budget BudgetConfig `yaml:"budget"`

	// RateLimit contains the default per-agent rate limit applied to
	// agents without an explicit policy.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Anomaly contains detector tuning: baseline window, sample
	// requirements, and recompute scheduling.
	Anomaly AnomalyConfig `yaml:"anomaly"`

	// Policy contains the policy directory and sync settings.
	Policy PolicyConfig `yaml:"policy"`

	// Alerts contains alert routing configuration keyed by severity.
	Alerts AlertsConfig `yaml:"alerts"`

	// Telemetry contains observability configuration: logging, metrics,
	// and distributed tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Default: "127.0.0.1:8787"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout bounds reading the entire request including the body.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing the response.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout bounds keep-alive waits for the next request.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig contains paths for the embedded databases.
type StorageConfig struct {
	// EventsPath is the SQLite database holding the append-only usage
	// event log. Empty keeps events in memory only.
	// Default: "data/events.db"
	EventsPath string `yaml:"events_path"`

	// StatePath is the SQLite database holding budget, policy,
	// baseline, and anomaly state. Empty keeps state in memory only.
	// Default: "data/state.db"
	StatePath string `yaml:"state_path"`

	// RetentionDays is how long usage events are kept before the prune
	// job removes them. Zero disables pruning.
	// Default: 90
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is the cron expression for the event prune job.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// BudgetConfig contains budget ledger configuration.
type BudgetConfig struct {
	// Timezone is the IANA location for calendar-aligned period
	// boundaries ("day" resets at this timezone's midnight).
	// Default: "UTC"
	Timezone string `yaml:"timezone"`

	// ResetSchedule is the cron expression for the reset sweep. Lazy
	// resets on the check path make the sweep a safety net.
	// Default: "* * * * *"
	ResetSchedule string `yaml:"reset_schedule"`

	// AlertBuffer is the threshold event channel capacity.
	// Default: 64
	AlertBuffer int `yaml:"alert_buffer"`
}

// RateLimitConfig contains the default rate limit for agents without
// an explicit policy. All zeros leaves unconfigured agents unlimited.
type RateLimitConfig struct {
	Default ratelimit.Config `yaml:"default"`
}

// AnomalyConfig contains anomaly detector tuning.
type AnomalyConfig struct {
	// WindowDays is the rolling baseline window.
	// Default: 7
	WindowDays int `yaml:"window_days"`

	// MinimumSampleSize is the observation count below which no
	// anomaly verdict is produced.
	// Default: 10
	MinimumSampleSize int `yaml:"minimum_sample_size"`

	// RecomputeWorkers bounds the baseline recompute worker pool.
	// Default: 4
	RecomputeWorkers int `yaml:"recompute_workers"`

	// RecomputeDeadline bounds one full recompute run; past it partial
	// results are returned with a truncated flag.
	// Default: 2m
	RecomputeDeadline time.Duration `yaml:"recompute_deadline"`

	// RecomputeSchedule is the cron expression for baseline recompute.
	// Default: "0 4 * * *"
	RecomputeSchedule string `yaml:"recompute_schedule"`

	// ScanSchedule is the cron expression for the periodic anomaly
	// scan. Empty disables scheduled scans.
	// Default: "*/15 * * * *"
	ScanSchedule string `yaml:"scan_schedule"`

	// ScanWindow is how far back each scheduled scan looks.
	// Default: 1h
	ScanWindow time.Duration `yaml:"scan_window"`
}

// PolicyConfig contains policy loading and sync configuration.
type PolicyConfig struct {
	// Dir is the directory of policy YAML files loaded at startup.
	// Empty starts with no file-based policies.
	Dir string `yaml:"dir"`

	// Watch reloads and re-syncs policies when files in Dir change.
	// Default: false
	Watch bool `yaml:"watch"`

	// SyncSchedule is the cron expression for periodic policy sync.
	// Empty disables scheduled sync; sync still runs on demand.
	// Default: ""
	SyncSchedule string `yaml:"sync_schedule"`
}

// AlertRouteConfig is one severity's delivery rule.
type AlertRouteConfig struct {
	// Channels names the sinks to fan out to.
	Channels []string `yaml:"channels"`

	// MaxPerHour and MaxPerDay cap deliveries at this severity. Zero
	// means unlimited.
	MaxPerHour int `yaml:"max_per_hour"`
	MaxPerDay  int `yaml:"max_per_day"`

	// CreateTask emits a follow-up work item for each delivered alert.
	CreateTask bool `yaml:"create_task"`
}

// AlertsConfig contains alert routing configuration.
type AlertsConfig struct {
	// DedupWindow suppresses repeat alerts with the same agent,
	// metric, and severity.
	// Default: 5m
	DedupWindow time.Duration `yaml:"dedup_window"`

	// Routes maps severity names (low, medium, high, critical) to
	// delivery rules. Severities without a route are dropped.
	Routes map[string]AlertRouteConfig `yaml:"routes"`

	// WebhookURL enables the "webhook" sink when non-empty.
	WebhookURL string `yaml:"webhook_url"`

	// FilePath enables the "file" JSONL sink when non-empty.
	FilePath string `yaml:"file_path"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains structured logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "json"
	Format string `yaml:"format"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled exposes /metrics on the API server.
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	// Enabled turns on trace export.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// SampleRate is the fraction of requests traced, in [0, 1].
	// Default: 0.1
	SampleRate float64 `yaml:"sample_rate"`
}
