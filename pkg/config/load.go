package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults,
// and validates. Environment variables are not considered; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. Variables follow the naming
// convention HELIOS_SECTION_FIELD (e.g. HELIOS_SERVER_LISTEN_ADDRESS)
// and always take precedence over file-based configuration.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server overrides
	if val := os.Getenv("HELIOS_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	overrideDuration("HELIOS_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	overrideDuration("HELIOS_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	overrideDuration("HELIOS_SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	overrideDuration("HELIOS_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Storage overrides
	if val := os.Getenv("HELIOS_STORAGE_EVENTS_PATH"); val != "" {
		cfg.Storage.EventsPath = val
	}
	if val := os.Getenv("HELIOS_STORAGE_STATE_PATH"); val != "" {
		cfg.Storage.StatePath = val
	}
	overrideInt("HELIOS_STORAGE_RETENTION_DAYS", &cfg.Storage.RetentionDays)
	if val := os.Getenv("HELIOS_STORAGE_PRUNE_SCHEDULE"); val != "" {
		cfg.Storage.PruneSchedule = val
	}

	// Budget overrides
	if val := os.Getenv("HELIOS_BUDGET_TIMEZONE"); val != "" {
		cfg.Budget.Timezone = val
	}
	if val := os.Getenv("HELIOS_BUDGET_RESET_SCHEDULE"); val != "" {
		cfg.Budget.ResetSchedule = val
	}

	// Rate limit overrides
	overrideInt("HELIOS_RATE_LIMIT_MAX_PER_MINUTE", &cfg.RateLimit.Default.MaxPerMinute)
	overrideInt("HELIOS_RATE_LIMIT_BURST_PER_MINUTE", &cfg.RateLimit.Default.BurstPerMinute)
	overrideInt("HELIOS_RATE_LIMIT_MAX_PER_HOUR", &cfg.RateLimit.Default.MaxPerHour)
	overrideInt("HELIOS_RATE_LIMIT_BURST_PER_HOUR", &cfg.RateLimit.Default.BurstPerHour)

	// Anomaly overrides
	overrideInt("HELIOS_ANOMALY_WINDOW_DAYS", &cfg.Anomaly.WindowDays)
	overrideInt("HELIOS_ANOMALY_MINIMUM_SAMPLE_SIZE", &cfg.Anomaly.MinimumSampleSize)
	overrideInt("HELIOS_ANOMALY_RECOMPUTE_WORKERS", &cfg.Anomaly.RecomputeWorkers)
	overrideDuration("HELIOS_ANOMALY_RECOMPUTE_DEADLINE", &cfg.Anomaly.RecomputeDeadline)
	if val := os.Getenv("HELIOS_ANOMALY_RECOMPUTE_SCHEDULE"); val != "" {
		cfg.Anomaly.RecomputeSchedule = val
	}
	overrideDuration("HELIOS_ANOMALY_SCAN_WINDOW", &cfg.Anomaly.ScanWindow)

	// Policy overrides
	if val := os.Getenv("HELIOS_POLICY_DIR"); val != "" {
		cfg.Policy.Dir = val
	}
	overrideBool("HELIOS_POLICY_WATCH", &cfg.Policy.Watch)
	if val := os.Getenv("HELIOS_POLICY_SYNC_SCHEDULE"); val != "" {
		cfg.Policy.SyncSchedule = val
	}

	// Alert overrides
	overrideDuration("HELIOS_ALERTS_DEDUP_WINDOW", &cfg.Alerts.DedupWindow)
	if val := os.Getenv("HELIOS_ALERTS_WEBHOOK_URL"); val != "" {
		cfg.Alerts.WebhookURL = val
	}
	if val := os.Getenv("HELIOS_ALERTS_FILE_PATH"); val != "" {
		cfg.Alerts.FilePath = val
	}

	// Telemetry overrides
	if val := os.Getenv("HELIOS_TELEMETRY_LOGGING_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("HELIOS_TELEMETRY_LOGGING_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	overrideBool("HELIOS_TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	overrideBool("HELIOS_TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	if val := os.Getenv("HELIOS_TELEMETRY_TRACING_ENDPOINT"); val != "" {
		cfg.Telemetry.Tracing.Endpoint = val
	}
}

func overrideDuration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func overrideInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func overrideBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}
