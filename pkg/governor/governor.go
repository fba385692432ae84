package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helioshq/helios/pkg/alert"
	"github.com/helioshq/helios/pkg/anomaly"
	"github.com/helioshq/helios/pkg/budget"
	"github.com/helioshq/helios/pkg/policy"
	"github.com/helioshq/helios/pkg/ratelimit"
	"github.com/helioshq/helios/pkg/usage"
)

// Config lists the components the governor coordinates. Usage,
// Budgets, and Limiter are required; the rest are optional and the
// corresponding operations return an error when absent.
type Config struct {
	Usage    *usage.Ledger
	Budgets  *budget.Ledger
	Limiter  *ratelimit.Limiter
	Detector *anomaly.Detector
	Registry *policy.Registry
	Resolver *policy.Resolver
	Router   *alert.Router

	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *Metrics
}

// Governor is the single call surface for resource governance. All
// methods are safe for concurrent use.
type Governor struct {
	usage    *usage.Ledger
	budgets  *budget.Ledger
	limiter  *ratelimit.Limiter
	detector *anomaly.Detector
	registry *policy.Registry
	resolver *policy.Resolver
	router   *alert.Router
	syncer   *policy.Syncer
	metrics  *Metrics
	logger   *slog.Logger

	pumpOnce sync.Once
	stopCh   chan struct{}
	doneWg   sync.WaitGroup
}

// New creates a governor. Policy sync is wired so committed effective
// policies reconfigure the budget ledger and rate limiter.
func New(cfg Config) (*Governor, error) {
	if cfg.Usage == nil || cfg.Budgets == nil || cfg.Limiter == nil {
		return nil, errors.New("governor requires usage ledger, budget ledger, and rate limiter")
	}
	g := &Governor{
		usage:    cfg.Usage,
		budgets:  cfg.Budgets,
		limiter:  cfg.Limiter,
		detector: cfg.Detector,
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		router:   cfg.Router,
		metrics:  cfg.Metrics,
		logger:   slog.Default().With("component", "governor"),
		stopCh:   make(chan struct{}),
	}
	if cfg.Registry != nil && cfg.Resolver != nil {
		g.syncer = policy.NewSyncer(cfg.Registry, cfg.Resolver, g.applyPolicy)
	}
	return g, nil
}

// Start launches the background pumps that move budget threshold
// events and committed anomalies into the alert router. Safe to call
// once; returns immediately.
func (g *Governor) Start() {
	g.pumpOnce.Do(func() {
		if g.router == nil {
			return
		}
		g.doneWg.Add(1)
		go g.pumpThresholds()
		if g.detector != nil {
			g.doneWg.Add(1)
			go g.pumpAnomalies()
		}
	})
}

// Close stops the background pumps and waits for them to drain.
func (g *Governor) Close() {
	close(g.stopCh)
	g.doneWg.Wait()
}

// ============================================================================
// Hot path
// ============================================================================

// RecordUsage validates and appends one usage event, then consumes its
// metric values against every governing budget. The usage already
// happened, so a budget overrun here is logged and counted rather than
// returned: denial belongs on the pre-flight CheckBudget path.
func (g *Governor) RecordUsage(ctx context.Context, ev *usage.Event) error {
	if err := g.usage.Record(ctx, ev); err != nil {
		return err
	}
	g.metrics.RecordUsageEvent(ev.AgentID, string(ev.Outcome))

	for _, metric := range []usage.Metric{usage.MetricTokens, usage.MetricCost, usage.MetricCalls} {
		amount := ev.Value(metric)
		if amount <= 0 {
			continue
		}
		d, err := g.budgets.Check(ev.AgentID, metric, amount)
		if err != nil {
			g.logger.Error("budget consumption failed",
				"agent_id", ev.AgentID, "metric", string(metric), "error", err)
			continue
		}
		g.metrics.RecordBudgetCheck(ev.AgentID, string(metric), d.Allowed, d.PercentUsed)
		if !d.Allowed {
			g.logger.Warn("usage recorded past an exhausted budget",
				"agent_id", ev.AgentID, "metric", string(metric),
				"limiting_factor", d.LimitingFactor)
		}
	}
	return nil
}

// CheckBudget atomically checks and consumes amount against every
// budget governing the agent and metric.
func (g *Governor) CheckBudget(agentID string, metric usage.Metric, amount float64) (budget.Decision, error) {
	d, err := g.budgets.Check(agentID, metric, amount)
	if err != nil {
		return d, err
	}
	g.metrics.RecordBudgetCheck(agentID, string(metric), d.Allowed, d.PercentUsed)
	return d, nil
}

// CheckRateLimit answers admit or deny for one call by the agent.
func (g *Governor) CheckRateLimit(agentID string) ratelimit.Admission {
	a := g.limiter.CheckAndAdmit(agentID)
	g.metrics.RecordRateLimitCheck(agentID, a.Allowed, a.LimitingFactor)
	return a
}

// BudgetStatus returns the status of every budget governing the agent
// and metric, tightest first.
func (g *Governor) BudgetStatus(agentID string, metric usage.Metric) []budget.Status {
	return g.budgets.ScopeStatus(agentID, metric)
}

// ============================================================================
// Detection
// ============================================================================

// DetectAnomalies scans all usage in the window against current
// baselines, commits findings, and returns them.
func (g *Governor) DetectAnomalies(ctx context.Context, window time.Duration) ([]anomaly.Anomaly, error) {
	if g.detector == nil {
		return nil, errors.New("anomaly detection not configured")
	}
	start := time.Now()
	found, err := g.detector.Scan(ctx, window)
	g.metrics.RecordScanDuration(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("anomaly scan: %w", err)
	}
	for _, a := range found {
		g.metrics.RecordAnomaly(string(a.Severity))
	}
	return found, nil
}

// AnalyzeSpikes produces an on-demand report for one agent and metric
// over a time range. Nothing is committed.
func (g *Governor) AnalyzeSpikes(ctx context.Context, agentID string, metric usage.Metric, from, to time.Time) (*anomaly.SpikeReport, error) {
	if g.detector == nil {
		return nil, errors.New("anomaly detection not configured")
	}
	return g.detector.AnalyzeSpikes(ctx, agentID, metric, from, to)
}

// RecomputeBaselines rebuilds all baselines from recent usage.
func (g *Governor) RecomputeBaselines(ctx context.Context) (anomaly.RecomputeReport, error) {
	if g.detector == nil {
		return anomaly.RecomputeReport{}, errors.New("anomaly detection not configured")
	}
	return g.detector.RecomputeBaselines(ctx)
}

// ============================================================================
// Policy
// ============================================================================

// EffectivePolicy resolves the single materialized policy for one
// agent.
func (g *Governor) EffectivePolicy(agentID string) (*policy.EffectivePolicy, error) {
	if g.resolver == nil {
		return nil, errors.New("policy resolution not configured")
	}
	return g.resolver.EffectivePolicy(agentID)
}

// SyncPolicies recomputes effective policies for all affected agents.
// Committed changes reconfigure the budget ledger and rate limiter
// through the apply hook.
func (g *Governor) SyncPolicies(ctx context.Context, opts policy.SyncOptions) (*policy.SyncReport, error) {
	if g.syncer == nil {
		return nil, errors.New("policy sync not configured")
	}
	report, err := g.syncer.Sync(ctx, opts)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordPolicySync(report.DryRun, len(report.Changed))
	return report, nil
}

// applyPolicy installs one committed effective policy: budget rules
// become agent-scoped budgets reconciled in place, rate limit knobs
// reconfigure the limiter.
func (g *Governor) applyPolicy(ctx context.Context, agentID string, ep *policy.EffectivePolicy) error {
	specs := make([]budget.Spec, 0, len(ep.Budgets))
	for _, rule := range ep.Budgets {
		specs = append(specs, budget.Spec{
			Scope:          agentID,
			Metric:         rule.Metric,
			Limit:          rule.Limit,
			Period:         rule.Period,
			AlertThreshold: rule.AlertThreshold,
			EnforceLimit:   rule.EnforceLimit,
		})
	}
	if err := g.budgets.Reconcile(ctx, agentID, specs); err != nil {
		return fmt.Errorf("reconciling budgets for %s: %w", agentID, err)
	}

	if ep.RateLimits != nil {
		if err := g.limiter.Configure(agentID, *ep.RateLimits); err != nil {
			return fmt.Errorf("configuring rate limits for %s: %w", agentID, err)
		}
	} else {
		g.limiter.Remove(agentID)
	}
	return nil
}

// ============================================================================
// Event pumps
// ============================================================================

func (g *Governor) pumpThresholds() {
	defer g.doneWg.Done()
	for {
		select {
		case ev := <-g.budgets.Alerts():
			status := g.router.RouteThreshold(context.Background(), ev)
			g.recordAlertOutcome(status)
		case <-g.stopCh:
			return
		}
	}
}

func (g *Governor) pumpAnomalies() {
	defer g.doneWg.Done()
	for {
		select {
		case a := <-g.detector.Anomalies():
			status := g.router.RouteAnomaly(context.Background(), a)
			g.recordAlertOutcome(status)
		case <-g.stopCh:
			return
		}
	}
}

func (g *Governor) recordAlertOutcome(status alert.DeliveryStatus) {
	switch {
	case status.Suppressed != "":
		g.metrics.RecordAlertOutcome("suppressed")
	case len(status.Failed) > 0:
		g.metrics.RecordAlertOutcome("partial")
	default:
		g.metrics.RecordAlertOutcome("delivered")
	}
}
