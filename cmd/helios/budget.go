package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helioshq/helios/pkg/cli"
	"github.com/helioshq/helios/pkg/config"
	"github.com/helioshq/helios/pkg/usage"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect budget state",
}

var budgetStatusFlags struct {
	agent  string
	metric string
	format string
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show budget state for an agent",
	Long: `Show the budgets governing an agent, tightest first, including the
global budgets that apply to every agent. Without --agent all budgets
are listed.

Examples:
  # All budgets governing one agent's token spend
  helios budget status --agent agent-1 --metric tokens

  # Every budget in the ledger
  helios budget status`,
	RunE: budgetStatus,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetStatusCmd)

	budgetStatusCmd.Flags().StringVar(&budgetStatusFlags.agent, "agent", "", "agent ID")
	budgetStatusCmd.Flags().StringVar(&budgetStatusFlags.metric, "metric", "tokens", "metric: tokens, cost, calls")
	budgetStatusCmd.Flags().StringVar(&budgetStatusFlags.format, "format", "text", "output format: text, json")
}

func budgetStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	if err := setupLogging(cfg); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	metric := usage.Metric(budgetStatusFlags.metric)
	if budgetStatusFlags.agent != "" && !usage.ValidMetric(metric) {
		return cli.NewConfigError("metric", fmt.Sprintf("unknown metric %q", budgetStatusFlags.metric))
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("budget status", err)
	}
	defer a.close()

	statuses := a.budgets.List()
	if budgetStatusFlags.agent != "" {
		statuses = a.gov.BudgetStatus(budgetStatusFlags.agent, metric)
	}

	if budgetStatusFlags.format == "json" {
		return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, statuses)
	}

	if len(statuses) == 0 {
		fmt.Println("No budgets")
		return nil
	}

	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		enforced := "warn-only"
		if st.Enforced {
			enforced = "enforced"
		}
		rows = append(rows, []string{
			st.Scope,
			string(st.Metric),
			string(st.Period),
			fmt.Sprintf("%.2f", st.Current),
			fmt.Sprintf("%.2f", st.Limit),
			fmt.Sprintf("%.0f%%", st.PercentUsed*100),
			enforced,
			st.ResetAt.Format("2006-01-02 15:04 MST"),
		})
	}
	return cli.Table(os.Stdout,
		[]string{"SCOPE", "METRIC", "PERIOD", "USED", "LIMIT", "PCT", "MODE", "RESETS"},
		rows,
	)
}
