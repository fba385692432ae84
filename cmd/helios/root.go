package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helioshq/helios/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "helios",
	Short: "Helios - resource governance for agent fleets",
	Long: `Helios is a resource governance service for autonomous agent fleets.

It provides:
  - Usage metering for tokens, cost, and API calls
  - Budget enforcement with calendar-aligned periodic resets
  - Per-agent rate limiting with burst allowances
  - Statistical anomaly detection against per-agent baselines
  - Hierarchical policy resolution (org > team > agent)
  - Alert routing with deduplication and throttling

For more information, visit: https://github.com/helioshq/helios`,
	Version: Version,
}

// Execute runs the root command. Configuration problems exit with 2,
// everything else with 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, cli.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "helios.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
