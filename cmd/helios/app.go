package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/helioshq/helios/pkg/alert"
	"github.com/helioshq/helios/pkg/anomaly"
	"github.com/helioshq/helios/pkg/budget"
	"github.com/helioshq/helios/pkg/config"
	"github.com/helioshq/helios/pkg/governor"
	"github.com/helioshq/helios/pkg/policy"
	"github.com/helioshq/helios/pkg/ratelimit"
	"github.com/helioshq/helios/pkg/store"
	"github.com/helioshq/helios/pkg/telemetry/logging"
	"github.com/helioshq/helios/pkg/usage"
	"github.com/helioshq/helios/pkg/usage/storage"
)

// eventStore is the persistence surface shared by the usage ledger
// (writes) and the anomaly detector (reads). Both SQLite and memory
// backends satisfy it.
type eventStore interface {
	usage.Recorder
	anomaly.EventSource
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// app is the wired component graph behind one command invocation. The
// run command keeps it alive for the server's lifetime; query
// subcommands build it, use it once, and close it.
type app struct {
	cfg      *config.Config
	events   eventStore
	state    store.Store
	usage    *usage.Ledger
	budgets  *budget.Ledger
	limiter  *ratelimit.Limiter
	detector *anomaly.Detector
	registry *policy.Registry
	resolver *policy.Resolver
	router   *alert.Router
	gov      *governor.Governor

	fileSink *alert.FileSink
}

// setupLogging installs the process-wide logger from config, honoring
// the --verbose flag.
func setupLogging(cfg *config.Config) error {
	level := cfg.Telemetry.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{
		Level:  level,
		Format: cfg.Telemetry.Logging.Format,
	})
	if err != nil {
		return err
	}
	logger.SetDefault()
	return nil
}

// newApp builds the full component graph from config and loads
// persisted state. Call close when done.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if err := a.openStores(); err != nil {
		return nil, err
	}
	if err := a.buildComponents(); err != nil {
		a.close()
		return nil, err
	}
	if err := a.loadState(ctx); err != nil {
		a.close()
		return nil, err
	}

	gov, err := governor.New(governor.Config{
		Usage:    a.usage,
		Budgets:  a.budgets,
		Limiter:  a.limiter,
		Detector: a.detector,
		Registry: a.registry,
		Resolver: a.resolver,
		Router:   a.router,
		Metrics:  a.metrics(),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.gov = gov
	return a, nil
}

func (a *app) openStores() error {
	if path := a.cfg.Storage.EventsPath; path != "" {
		st, err := storage.NewSQLiteStore(&storage.SQLiteConfig{Path: path})
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		a.events = st
	} else {
		a.events = storage.NewMemoryStore()
	}

	if path := a.cfg.Storage.StatePath; path != "" {
		st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: path})
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		a.state = st
	} else {
		a.state = store.NewMemoryStore()
	}
	return nil
}

func (a *app) buildComponents() error {
	loc, err := time.LoadLocation(a.cfg.Budget.Timezone)
	if err != nil {
		return fmt.Errorf("budget timezone: %w", err)
	}

	a.usage = usage.NewLedger(a.events, usage.DefaultLedgerConfig(), slog.Default())

	a.budgets = budget.NewLedger(budget.LedgerConfig{
		Location:    loc,
		Store:       a.state,
		AlertBuffer: a.cfg.Budget.AlertBuffer,
	})

	a.limiter = ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Default: a.cfg.RateLimit.Default,
	})

	a.detector = anomaly.NewDetector(a.events, anomaly.Config{
		WindowDays:        a.cfg.Anomaly.WindowDays,
		MinimumSampleSize: a.cfg.Anomaly.MinimumSampleSize,
		RecomputeWorkers:  a.cfg.Anomaly.RecomputeWorkers,
		RecomputeDeadline: a.cfg.Anomaly.RecomputeDeadline,
		Store:             a.state,
	})

	a.registry = policy.NewRegistry(policy.RegistryConfig{Store: a.state})
	a.resolver = policy.NewResolver(a.registry)

	return a.buildRouter()
}

func (a *app) buildRouter() error {
	routes := make(map[anomaly.Severity]alert.Route, len(a.cfg.Alerts.Routes))
	for name, rc := range a.cfg.Alerts.Routes {
		routes[anomaly.Severity(name)] = alert.Route{
			Channels:   rc.Channels,
			MaxPerHour: rc.MaxPerHour,
			MaxPerDay:  rc.MaxPerDay,
			CreateTask: rc.CreateTask,
		}
	}

	a.router = alert.NewRouter(alert.RouterConfig{
		Routes:      routes,
		DedupWindow: a.cfg.Alerts.DedupWindow,
	})
	a.router.AddSink(alert.NewSlogSink("log", slog.Default()))
	if url := a.cfg.Alerts.WebhookURL; url != "" {
		a.router.AddSink(alert.NewWebhookSink("webhook", url, &http.Client{Timeout: 10 * time.Second}))
	}
	if path := a.cfg.Alerts.FilePath; path != "" {
		sink, err := alert.NewFileSink("file", path)
		if err != nil {
			return fmt.Errorf("open alert file sink: %w", err)
		}
		a.fileSink = sink
		a.router.AddSink(sink)
	}
	return nil
}

func (a *app) loadState(ctx context.Context) error {
	if err := a.budgets.Load(ctx); err != nil {
		return fmt.Errorf("load budgets: %w", err)
	}
	if err := a.registry.Load(ctx); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	if err := a.detector.LoadBaselines(ctx); err != nil {
		return fmt.Errorf("load baselines: %w", err)
	}
	return nil
}

func (a *app) metrics() *governor.Metrics {
	if !a.cfg.Telemetry.Metrics.Enabled {
		return nil
	}
	return governor.NewMetrics()
}

// loadPolicyDir reads policy files from the configured directory into
// the registry. Returns the number of policies registered.
func (a *app) loadPolicyDir(ctx context.Context) (int, error) {
	dir := a.cfg.Policy.Dir
	if dir == "" {
		return 0, nil
	}
	loader := policy.NewLoader(policy.DefaultLoaderConfig())
	policies, err := loader.LoadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("load policy dir %s: %w", dir, err)
	}
	for _, p := range policies {
		if _, err := a.registry.Register(ctx, p); err != nil {
			return 0, fmt.Errorf("register policy %s: %w", p.ID, err)
		}
	}
	return len(policies), nil
}

func (a *app) close() {
	if a.gov != nil {
		a.gov.Close()
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			slog.Warn("closing usage ledger", "error", err)
		}
	}
	if a.fileSink != nil {
		if err := a.fileSink.Close(); err != nil {
			slog.Warn("closing alert file sink", "error", err)
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			slog.Warn("closing state store", "error", err)
		}
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			slog.Warn("closing event store", "error", err)
		}
	}
}
