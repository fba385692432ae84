package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/helioshq/helios/pkg/alert"
	"github.com/helioshq/helios/pkg/anomaly"
	"github.com/helioshq/helios/pkg/budget"
	"github.com/helioshq/helios/pkg/policy"
	"github.com/helioshq/helios/pkg/ratelimit"
	"github.com/helioshq/helios/pkg/usage"
	"github.com/helioshq/helios/pkg/usage/storage"
)

// ============================================================================
// Test fixtures
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []*alert.Alert
}

func (s *recordingSink) Name() string { return "ops" }

func (s *recordingSink) Deliver(_ context.Context, al *alert.Alert) error {
	s.mu.Lock()
	s.delivered = append(s.delivered, al)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) waitFor(t *testing.T, n int) []*alert.Alert {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.delivered) >= n {
			out := append([]*alert.Alert(nil), s.delivered...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d alert deliveries before deadline", n)
	return nil
}

type fixture struct {
	gov     *Governor
	budgets *budget.Ledger
	limiter *ratelimit.Limiter
	sink    *recordingSink
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	events := storage.NewMemoryStore()

	usageLedger := usage.NewLedger(events, usage.DefaultLedgerConfig(), nil)
	t.Cleanup(func() { _ = usageLedger.Close() })

	budgets := budget.NewLedger(budget.LedgerConfig{Clock: clock.Now})
	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{Clock: clock.Now})
	detector := anomaly.NewDetector(events, anomaly.Config{Clock: clock.Now})
	registry := policy.NewRegistry(policy.RegistryConfig{Clock: clock.Now})
	resolver := policy.NewResolver(registry)

	sink := &recordingSink{}
	router := alert.NewRouter(alert.RouterConfig{
		Routes: map[anomaly.Severity]alert.Route{
			anomaly.SeverityMedium:   {Channels: []string{"ops"}},
			anomaly.SeverityCritical: {Channels: []string{"ops"}},
		},
		Clock: clock.Now,
	})
	router.AddSink(sink)

	gov, err := New(Config{
		Usage:    usageLedger,
		Budgets:  budgets,
		Limiter:  limiter,
		Detector: detector,
		Registry: registry,
		Resolver: resolver,
		Router:   router,
		Metrics:  NewMetricsWith(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("Failed to build governor: %v", err)
	}
	gov.Start()
	t.Cleanup(gov.Close)

	registerPolicies(t, registry)
	return &fixture{gov: gov, budgets: budgets, limiter: limiter, sink: sink, clock: clock}
}

func registerPolicies(t *testing.T, registry *policy.Registry) {
	t.Helper()
	ctx := context.Background()
	org := &policy.Policy{
		ID:    "org-default",
		Scope: policy.ScopeOrg, ScopeID: "acme",
		Mode: policy.ModeOverride,
		Budgets: map[string]policy.BudgetRule{
			"tokens/day": {
				Metric: usage.MetricTokens, Limit: 1000, Period: budget.PeriodDay,
				AlertThreshold: 0.8, EnforceLimit: true,
			},
		},
		RateLimits: &ratelimit.Config{MaxPerMinute: 10, BurstPerMinute: 2},
	}
	agent := &policy.Policy{
		ID:    "agent-1-policy",
		Scope: policy.ScopeAgent, ScopeID: "agent-1",
		Parent: "acme", Mode: policy.ModeInherit,
	}
	for _, p := range []*policy.Policy{org, agent} {
		if _, err := registry.Register(ctx, p); err != nil {
			t.Fatalf("Failed to register policy %s: %v", p.ID, err)
		}
	}
}

// ============================================================================
// Policy sync reconfigures enforcement
// ============================================================================

func TestSyncPoliciesConfiguresBudgetsAndLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.gov.SyncPolicies(ctx, policy.SyncOptions{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Total != 1 || len(report.Changed) != 1 {
		t.Fatalf("Expected 1 agent changed, got total=%d changed=%d", report.Total, len(report.Changed))
	}

	statuses := f.gov.BudgetStatus("agent-1", usage.MetricTokens)
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 budget after sync, got %d", len(statuses))
	}
	if statuses[0].Limit != 1000 || statuses[0].Period != budget.PeriodDay {
		t.Errorf("Expected 1000/day token budget, got %+v", statuses[0])
	}

	cfg, _ := f.limiter.Status("agent-1")
	if cfg.MaxPerMinute != 10 || cfg.BurstPerMinute != 2 {
		t.Errorf("Expected rate limits applied, got %+v", cfg)
	}
}

func TestSyncReconcileKeepsConsumption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.gov.SyncPolicies(ctx, policy.SyncOptions{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, err := f.gov.CheckBudget("agent-1", usage.MetricTokens, 400); err != nil {
		t.Fatalf("CheckBudget failed: %v", err)
	}

	// A second sync with no policy change is a no-op; a limit change
	// keeps the counter.
	if _, err := f.gov.SyncPolicies(ctx, policy.SyncOptions{}); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	statuses := f.gov.BudgetStatus("agent-1", usage.MetricTokens)
	if len(statuses) != 1 || statuses[0].Current != 400 {
		t.Fatalf("Expected consumption preserved across sync, got %+v", statuses)
	}
}

// ============================================================================
// Hot path
// ============================================================================

func TestCheckBudgetDeniesAtLimit(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gov.SyncPolicies(context.Background(), policy.SyncOptions{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	d, err := f.gov.CheckBudget("agent-1", usage.MetricTokens, 900)
	if err != nil || !d.Allowed {
		t.Fatalf("Expected first consumption allowed, got %+v err=%v", d, err)
	}
	d, err = f.gov.CheckBudget("agent-1", usage.MetricTokens, 200)
	if err != nil {
		t.Fatalf("CheckBudget failed: %v", err)
	}
	if d.Allowed {
		t.Error("Expected denial past the limit")
	}
	if d.LimitingFactor == "" {
		t.Error("Expected denial to name the limiting factor")
	}
}

func TestCheckRateLimitUsesSyncedConfig(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gov.SyncPolicies(context.Background(), policy.SyncOptions{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	admitted := 0
	for i := 0; i < 15; i++ {
		if a := f.gov.CheckRateLimit("agent-1"); a.Allowed {
			admitted++
		}
	}
	if admitted != 12 {
		t.Errorf("Expected 12 calls admitted (10 base + 2 burst), got %d", admitted)
	}
	if a := f.gov.CheckRateLimit("agent-1"); a.Allowed || a.RetryAfter <= 0 {
		t.Errorf("Expected denial with positive retry-after, got %+v", a)
	}
}

func TestRecordUsageConsumesBudgets(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gov.SyncPolicies(context.Background(), policy.SyncOptions{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	err := f.gov.RecordUsage(context.Background(), &usage.Event{
		AgentID: "agent-1", Model: "gpt-4", Tokens: 300,
		CostUnits: 0.5, DurationMs: 1200, Outcome: usage.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	statuses := f.gov.BudgetStatus("agent-1", usage.MetricTokens)
	if len(statuses) != 1 || statuses[0].Current != 300 {
		t.Errorf("Expected 300 tokens consumed, got %+v", statuses)
	}
}

func TestRecordUsageRejectsMalformedEvent(t *testing.T) {
	f := newFixture(t)
	err := f.gov.RecordUsage(context.Background(), &usage.Event{Model: "gpt-4"})
	if err == nil {
		t.Fatal("Expected validation error for missing agent id")
	}
}

// ============================================================================
// Alert pumps
// ============================================================================

func TestThresholdCrossingReachesSink(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gov.SyncPolicies(context.Background(), policy.SyncOptions{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// 850 of 1000 crosses the 0.8 alert threshold.
	if _, err := f.gov.CheckBudget("agent-1", usage.MetricTokens, 850); err != nil {
		t.Fatalf("CheckBudget failed: %v", err)
	}

	delivered := f.sink.waitFor(t, 1)
	al := delivered[0]
	if al.Kind != alert.KindThreshold {
		t.Errorf("Expected threshold alert, got %s", al.Kind)
	}
	if al.Threshold == nil || al.Threshold.Scope != "agent-1" {
		t.Errorf("Expected threshold event for agent-1, got %+v", al.Threshold)
	}
}

func TestDetectAnomaliesRoutesToSink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A healthy baseline, then one wildly high observation.
	f.gov.detector.SetBaseline(anomaly.Baseline{
		AgentID: "agent-1", Model: "gpt-4", Metric: usage.MetricTokens,
		Mean: 1000, StdDev: 100, Median: 1000, Q1: 950, Q3: 1050, IQR: 100,
		SampleSize: 30, WindowDays: 7, LastUpdated: f.clock.Now(),
	})
	if err := f.gov.RecordUsage(ctx, &usage.Event{
		AgentID: "agent-1", Model: "gpt-4", Tokens: 9000,
		Outcome: usage.OutcomeSuccess, Timestamp: f.clock.Now(),
	}); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	found, err := f.gov.DetectAnomalies(ctx, time.Hour)
	if err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}
	if len(found) == 0 {
		t.Fatal("Expected at least one anomaly")
	}
	if found[0].Severity != anomaly.SeverityCritical {
		t.Errorf("Expected critical severity for z=80, got %s", found[0].Severity)
	}

	delivered := f.sink.waitFor(t, 1)
	if delivered[0].Kind != alert.KindAnomaly {
		t.Errorf("Expected anomaly alert, got %s", delivered[0].Kind)
	}
}
