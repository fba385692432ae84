package ratelimit

import (
	"fmt"
	"time"
)

// Config is the per-agent rate limit configuration.
type Config struct {
	// MaxPerMinute is the base per-minute capacity. Zero disables the
	// per-minute bucket.
	MaxPerMinute int `json:"max_per_minute" yaml:"max_per_minute"`

	// BurstPerMinute is the one-time burst allowance on top of the
	// per-minute capacity.
	BurstPerMinute int `json:"burst_per_minute" yaml:"burst_per_minute"`

	// MaxPerHour is the base per-hour capacity. Zero disables the
	// per-hour bucket.
	MaxPerHour int `json:"max_per_hour" yaml:"max_per_hour"`

	// BurstPerHour is the one-time burst allowance on top of the
	// per-hour capacity.
	BurstPerHour int `json:"burst_per_hour" yaml:"burst_per_hour"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxPerMinute < 0 || c.MaxPerHour < 0 {
		return fmt.Errorf("rate limit capacity must be non-negative")
	}
	if c.BurstPerMinute < 0 || c.BurstPerHour < 0 {
		return fmt.Errorf("burst allowance must be non-negative")
	}
	return nil
}

// Limiting factor names reported on denial.
const (
	FactorPerMinute = "per-minute rate limit"
	FactorPerHour   = "per-hour rate limit"
)

// Admission is the outcome of a rate limit check.
type Admission struct {
	// Allowed reports whether the call was admitted.
	Allowed bool `json:"allowed"`

	// RetryAfter is how long until the denying bucket will admit
	// again. Zero when allowed.
	RetryAfter time.Duration `json:"retry_after"`

	// LimitingFactor names the bucket that denied, or the tighter
	// bucket when admitted.
	LimitingFactor string `json:"limiting_factor,omitempty"`

	// Remaining is the number of whole calls still admissible right
	// now across both buckets. Negative when no bucket is configured.
	Remaining int `json:"remaining"`
}
