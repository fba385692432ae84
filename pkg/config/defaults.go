package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8787"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Storage defaults
	DefaultEventsPath    = "data/events.db"
	DefaultStatePath     = "data/state.db"
	DefaultRetentionDays = 90
	DefaultPruneSchedule = "0 3 * * *"

	// Budget defaults
	DefaultTimezone      = "UTC"
	DefaultResetSchedule = "* * * * *"
	DefaultAlertBuffer   = 64

	// Anomaly defaults
	DefaultWindowDays        = 7
	DefaultMinimumSampleSize = 10
	DefaultRecomputeWorkers  = 4
	DefaultRecomputeDeadline = 2 * time.Minute
	DefaultRecomputeSchedule = "0 4 * * *"
	DefaultScanSchedule      = "*/15 * * * *"
	DefaultScanWindow        = time.Hour

	// Alert defaults
	DefaultDedupWindow = 5 * time.Minute

	// Telemetry defaults
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultMetricsEnabled  = true
	DefaultTracingEnabled  = false
	DefaultTracingEndpoint = "localhost:4317"
	DefaultSampleRate      = 0.1
)

// ApplyDefaults fills zero-valued fields with their defaults. Explicit
// zero values that are meaningful (e.g. RetentionDays: 0 to disable
// pruning) must be set after loading.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Storage.EventsPath == "" {
		cfg.Storage.EventsPath = DefaultEventsPath
	}
	if cfg.Storage.StatePath == "" {
		cfg.Storage.StatePath = DefaultStatePath
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = DefaultRetentionDays
	}
	if cfg.Storage.PruneSchedule == "" {
		cfg.Storage.PruneSchedule = DefaultPruneSchedule
	}

	if cfg.Budget.Timezone == "" {
		cfg.Budget.Timezone = DefaultTimezone
	}
	if cfg.Budget.ResetSchedule == "" {
		cfg.Budget.ResetSchedule = DefaultResetSchedule
	}
	if cfg.Budget.AlertBuffer == 0 {
		cfg.Budget.AlertBuffer = DefaultAlertBuffer
	}

	if cfg.Anomaly.WindowDays == 0 {
		cfg.Anomaly.WindowDays = DefaultWindowDays
	}
	if cfg.Anomaly.MinimumSampleSize == 0 {
		cfg.Anomaly.MinimumSampleSize = DefaultMinimumSampleSize
	}
	if cfg.Anomaly.RecomputeWorkers == 0 {
		cfg.Anomaly.RecomputeWorkers = DefaultRecomputeWorkers
	}
	if cfg.Anomaly.RecomputeDeadline == 0 {
		cfg.Anomaly.RecomputeDeadline = DefaultRecomputeDeadline
	}
	if cfg.Anomaly.RecomputeSchedule == "" {
		cfg.Anomaly.RecomputeSchedule = DefaultRecomputeSchedule
	}
	if cfg.Anomaly.ScanSchedule == "" {
		cfg.Anomaly.ScanSchedule = DefaultScanSchedule
	}
	if cfg.Anomaly.ScanWindow == 0 {
		cfg.Anomaly.ScanWindow = DefaultScanWindow
	}

	if cfg.Alerts.DedupWindow == 0 {
		cfg.Alerts.DedupWindow = DefaultDedupWindow
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
	if cfg.Telemetry.Tracing.Endpoint == "" {
		cfg.Telemetry.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Telemetry.Tracing.SampleRate == 0 {
		cfg.Telemetry.Tracing.SampleRate = DefaultSampleRate
	}
}

// NewDefaultConfig returns a configuration with every default applied
// and metrics enabled.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	ApplyDefaults(cfg)
	return cfg
}
