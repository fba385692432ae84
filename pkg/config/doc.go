// Package config defines the Helios configuration structure and its
// loading pipeline: YAML file, defaults, HELIOS_* environment variable
// overrides, then validation. Validation collects every field error
// rather than stopping at the first.
package config
