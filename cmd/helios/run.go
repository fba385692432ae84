package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/helioshq/helios/pkg/cli"
	"github.com/helioshq/helios/pkg/config"
	"github.com/helioshq/helios/pkg/policy"
	"github.com/helioshq/helios/pkg/schedule"
	"github.com/helioshq/helios/pkg/server"
	"github.com/helioshq/helios/pkg/store"
	"github.com/helioshq/helios/pkg/telemetry/health"
	"github.com/helioshq/helios/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Helios governance server",
	Long: `Start the Helios governance server with the specified configuration.

The server exposes the usage, budget, rate limit, anomaly, and policy
APIs over HTTP, runs the scheduled reset, recompute, scan, and prune
jobs, and optionally watches the policy directory for changes.

Examples:
  # Start with default config
  helios run

  # Start with custom config
  helios run --config /etc/helios/helios.yaml

  # Override listen address
  helios run --listen 0.0.0.0:8787

  # Validate config without starting the server
  helios run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	if err := setupLogging(cfg); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	fmt.Printf("Helios v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)
	fmt.Println("✓ Configuration loaded")

	ctx := cli.SetupSignalHandler()

	tracer, err := tracing.New(ctx, cfg.Telemetry.Tracing, Version)
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("init tracing: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer a.close()
	a.gov.Start()
	fmt.Println("✓ Components initialized")

	count, err := a.loadPolicyDir(ctx)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	if count > 0 {
		report, err := a.gov.SyncPolicies(ctx, policy.SyncOptions{})
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("initial policy sync: %w", err))
		}
		fmt.Printf("✓ Policies loaded (%d policies, %d agents synced)\n", count, report.Total)
	}

	sched := schedule.NewScheduler()
	if err := a.registerJobs(sched); err != nil {
		return cli.NewCommandError("run", err)
	}
	if err := sched.Start(ctx); err != nil {
		return cli.NewCommandError("run", fmt.Errorf("start scheduler: %w", err))
	}
	defer sched.Stop()

	if cfg.Policy.Watch && cfg.Policy.Dir != "" {
		watcher, err := policy.NewWatcher(policy.DefaultWatcherConfig(cfg.Policy.Dir))
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("create policy watcher: %w", err))
		}
		go func() {
			err := watcher.Watch(ctx, func() error {
				if _, err := a.loadPolicyDir(ctx); err != nil {
					return err
				}
				_, err := a.gov.SyncPolicies(ctx, policy.SyncOptions{})
				return err
			})
			if err != nil {
				slog.Error("policy watcher stopped", "error", err)
			}
		}()
		defer watcher.Stop()
		fmt.Printf("✓ Watching policy dir %s\n", cfg.Policy.Dir)
	}

	srv := server.NewServer(cfg.Server, a.gov, a.healthChecker(), cfg.Telemetry.Metrics.Enabled)

	fmt.Printf("✓ Server listening on %s\n", cfg.Server.ListenAddress)
	fmt.Printf("✓ Health endpoint: http://%s/healthz\n", cfg.Server.ListenAddress)
	if cfg.Telemetry.Metrics.Enabled {
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.Server.ListenAddress)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Println("✓ Server stopped")
	return nil
}

// registerJobs wires the periodic maintenance jobs. Empty schedules
// disable the corresponding job.
func (a *app) registerJobs(sched *schedule.Scheduler) error {
	jobs := []schedule.Job{
		{
			Name: "budget-reset",
			Spec: a.cfg.Budget.ResetSchedule,
			Run: func(ctx context.Context) error {
				if n := a.budgets.ResetDue(); n > 0 {
					slog.Info("budget reset sweep", "rolled_over", n)
				}
				return nil
			},
		},
		{
			Name: "baseline-recompute",
			Spec: a.cfg.Anomaly.RecomputeSchedule,
			Run: func(ctx context.Context) error {
				report, err := a.gov.RecomputeBaselines(ctx)
				if err != nil {
					return err
				}
				slog.Info("baseline recompute",
					"computed", report.Computed,
					"skipped", report.Skipped,
					"truncated", report.Truncated,
				)
				return nil
			},
		},
		{
			Name: "anomaly-scan",
			Spec: a.cfg.Anomaly.ScanSchedule,
			Run: func(ctx context.Context) error {
				found, err := a.gov.DetectAnomalies(ctx, a.cfg.Anomaly.ScanWindow)
				if err != nil {
					return err
				}
				if len(found) > 0 {
					slog.Info("anomaly scan", "found", len(found))
				}
				return nil
			},
		},
		{
			Name: "dedup-prune",
			Spec: "*/10 * * * *",
			Run: func(ctx context.Context) error {
				a.router.PruneDedup()
				return nil
			},
		},
	}

	if a.cfg.Storage.RetentionDays > 0 {
		retention := time.Duration(a.cfg.Storage.RetentionDays) * 24 * time.Hour
		jobs = append(jobs, schedule.Job{
			Name: "event-prune",
			Spec: a.cfg.Storage.PruneSchedule,
			Run: func(ctx context.Context) error {
				n, err := a.events.Prune(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				if n > 0 {
					slog.Info("event prune", "removed", n)
				}
				return nil
			},
		})
	}

	if a.cfg.Policy.SyncSchedule != "" {
		jobs = append(jobs, schedule.Job{
			Name: "policy-sync",
			Spec: a.cfg.Policy.SyncSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.gov.SyncPolicies(ctx, policy.SyncOptions{})
				return err
			},
		})
	}

	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
	}
	return nil
}

// healthChecker builds the readiness checker. The state store check
// treats a missing probe record as healthy; only transport or schema
// failures degrade readiness.
func (a *app) healthChecker() *health.Checker {
	checker := health.New(0)
	checker.Register("state-store", func(ctx context.Context) error {
		_, err := a.state.Get(ctx, store.KindBudget, "readiness-probe")
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	checker.Register("event-store", func(ctx context.Context) error {
		now := time.Now()
		_, err := a.events.QueryAll(ctx, now, now)
		return err
	})
	return checker
}
