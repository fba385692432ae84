package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helioshq/helios/pkg/cli"
	"github.com/helioshq/helios/pkg/config"
	"github.com/helioshq/helios/pkg/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and synchronize governance policies",
}

var policyLintFlags struct {
	dir    string
	format string
}

var policyLintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Validate policy files",
	Long: `Load and validate policy YAML files without applying them.

Lint checks document structure, per-policy validation rules, and
same-subject conflicts across the whole directory.

Examples:
  # Lint the configured policy directory
  helios policy lint

  # Lint an explicit directory
  helios policy lint --dir ./policies

  # Machine-readable output
  helios policy lint --format json`,
	RunE: lintPolicies,
}

var policySyncFlags struct {
	dryRun bool
	scope  string
	format string
}

var policySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize effective policies",
	Long: `Resolve effective policies for every known agent and apply them to
the budget ledger and rate limiter.

With --dry-run the full diff report is computed and printed without
committing anything.

Examples:
  # Preview what a sync would change
  helios policy sync --dry-run

  # Sync only agents under one organization
  helios policy sync --scope acme-corp`,
	RunE: syncPolicies,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyLintCmd)
	policyCmd.AddCommand(policySyncCmd)

	policyLintCmd.Flags().StringVar(&policyLintFlags.dir, "dir", "", "policy directory (defaults to policy.dir from config)")
	policyLintCmd.Flags().StringVar(&policyLintFlags.format, "format", "text", "output format: text, json")

	policySyncCmd.Flags().BoolVar(&policySyncFlags.dryRun, "dry-run", false, "compute the diff without applying it")
	policySyncCmd.Flags().StringVar(&policySyncFlags.scope, "scope", "", "restrict sync to one scope ID")
	policySyncCmd.Flags().StringVar(&policySyncFlags.format, "format", "text", "output format: text, json")
}

// lintReport is the lint command's output document.
type lintReport struct {
	Dir       string   `json:"dir"`
	Policies  int      `json:"policies"`
	Errors    []string `json:"errors,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// lintDir loads every policy file under dir and collects validation
// errors and same-subject conflicts.
func lintDir(ctx context.Context, dir string) lintReport {
	report := lintReport{Dir: dir}

	loader := policy.NewLoader(policy.DefaultLoaderConfig())
	policies, err := loader.LoadDir(dir)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	report.Policies = len(policies)

	// Conflicts only show up once the surviving policies share a
	// registry, so lint stages them into a throwaway one.
	registry := policy.NewRegistry(policy.RegistryConfig{})
	for _, p := range policies {
		if _, err := registry.Register(ctx, p); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("policy %s: %v", p.ID, err))
		}
	}
	for _, c := range registry.FindConflicts() {
		report.Conflicts = append(report.Conflicts, c.Error())
	}
	return report
}

func lintPolicies(cmd *cobra.Command, args []string) error {
	dir := policyLintFlags.dir
	if dir == "" {
		cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
		if err != nil {
			return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
		}
		dir = cfg.Policy.Dir
	}
	if dir == "" {
		return cli.NewConfigError("policy.dir", "no policy directory: set --dir or policy.dir in config")
	}

	report := lintDir(cmd.Context(), dir)

	if policyLintFlags.format == "json" {
		if err := cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, report); err != nil {
			return err
		}
	} else {
		fmt.Printf("Linted %s: %d policies\n", report.Dir, report.Policies)
		for _, e := range report.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		for _, c := range report.Conflicts {
			fmt.Printf("  conflict: %s\n", c)
		}
		if len(report.Errors) == 0 && len(report.Conflicts) == 0 {
			fmt.Println("✓ No problems found")
		}
	}

	if len(report.Errors) > 0 || len(report.Conflicts) > 0 {
		return cli.NewCommandError("policy lint", fmt.Errorf("%d errors, %d conflicts", len(report.Errors), len(report.Conflicts)))
	}
	return nil
}

func syncPolicies(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	if err := setupLogging(cfg); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("policy sync", err)
	}
	defer a.close()

	if _, err := a.loadPolicyDir(ctx); err != nil {
		return cli.NewCommandError("policy sync", err)
	}

	report, err := a.gov.SyncPolicies(ctx, policy.SyncOptions{
		DryRun: policySyncFlags.dryRun,
		Scope:  policySyncFlags.scope,
	})
	if err != nil {
		return cli.NewCommandError("policy sync", err)
	}

	if policySyncFlags.format == "json" {
		return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, report)
	}

	mode := "applied"
	if report.DryRun {
		mode = "dry-run"
	}
	fmt.Printf("Sync (%s): %d agents, %d changed\n", mode, report.Total, len(report.Changed))
	for _, diff := range report.Changed {
		fmt.Printf("  changed: %s\n", diff.AgentID)
	}
	for _, c := range report.Conflicts {
		fmt.Printf("  conflict: %s\n", c)
	}
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	return nil
}
