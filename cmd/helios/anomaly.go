package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/helioshq/helios/pkg/cli"
	"github.com/helioshq/helios/pkg/config"
)

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Run anomaly detection over recorded usage",
}

var anomalyScanFlags struct {
	window time.Duration
	format string
}

var anomalyScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan recent usage for anomalies",
	Long: `Scan recorded usage events in the given window against the current
per-agent baselines. Findings are committed to the state store and
printed.

Examples:
  # Scan the last hour
  helios anomaly scan

  # Scan a wider window with JSON output
  helios anomaly scan --window 24h --format json`,
	RunE: scanAnomalies,
}

func init() {
	rootCmd.AddCommand(anomalyCmd)
	anomalyCmd.AddCommand(anomalyScanCmd)

	anomalyScanCmd.Flags().DurationVar(&anomalyScanFlags.window, "window", 0, "lookback window (defaults to anomaly.scan_window from config)")
	anomalyScanCmd.Flags().StringVar(&anomalyScanFlags.format, "format", "text", "output format: text, json")
}

func scanAnomalies(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	if err := setupLogging(cfg); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	window := anomalyScanFlags.window
	if window <= 0 {
		window = cfg.Anomaly.ScanWindow
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("anomaly scan", err)
	}
	defer a.close()

	found, err := a.gov.DetectAnomalies(ctx, window)
	if err != nil {
		return cli.NewCommandError("anomaly scan", err)
	}

	if anomalyScanFlags.format == "json" {
		return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, found)
	}

	if len(found) == 0 {
		fmt.Printf("No anomalies in the last %s\n", window)
		return nil
	}

	rows := make([][]string, 0, len(found))
	for _, an := range found {
		rows = append(rows, []string{
			an.AgentID,
			string(an.Metric),
			string(an.Severity),
			fmt.Sprintf("%.2f", an.Observed),
			fmt.Sprintf("%.2f", an.Baseline.Mean),
			fmt.Sprintf("%.1f", an.Score),
		})
	}
	fmt.Printf("%d anomalies in the last %s\n\n", len(found), window)
	return cli.Table(os.Stdout,
		[]string{"AGENT", "METRIC", "SEVERITY", "OBSERVED", "BASELINE", "SCORE"},
		rows,
	)
}
