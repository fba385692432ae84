package budget

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/helioshq/helios/pkg/store"
	"github.com/helioshq/helios/pkg/usage"
)

// fakeClock is a mutable time source for deterministic reset tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, clock *fakeClock) *Ledger {
	t.Helper()
	cfg := LedgerConfig{}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	return NewLedger(cfg)
}

// ============================================================================
// Validation
// ============================================================================

func TestCreateValidation(t *testing.T) {
	l := newTestLedger(t, nil)

	tests := []struct {
		name string
		spec Spec
	}{
		{"missing scope", Spec{Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay}},
		{"bad metric", Spec{Scope: "agent-1", Metric: "watts", Limit: 100, Period: PeriodDay}},
		{"duration metric not budgetable", Spec{Scope: "agent-1", Metric: usage.MetricDuration, Limit: 100, Period: PeriodDay}},
		{"zero limit", Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 0, Period: PeriodDay}},
		{"negative limit", Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: -5, Period: PeriodDay}},
		{"bad period", Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: "fortnight"}},
		{"threshold above one", Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, AlertThreshold: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Create(tt.spec)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreateAssignsIDAndReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	l := newTestLedger(t, clock)

	b, err := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, EnforceLimit: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if b.ID == "" {
		t.Error("Expected assigned budget ID")
	}
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !b.ResetAt.Equal(want) {
		t.Errorf("Expected reset at %v, got %v", want, b.ResetAt)
	}
}

// ============================================================================
// Period boundaries
// ============================================================================

func TestNextReset(t *testing.T) {
	loc := time.UTC
	// Tuesday.
	now := time.Date(2026, 3, 10, 14, 30, 45, 0, loc)

	tests := []struct {
		period Period
		want   time.Time
	}{
		{PeriodHour, time.Date(2026, 3, 10, 15, 0, 0, 0, loc)},
		{PeriodDay, time.Date(2026, 3, 11, 0, 0, 0, 0, loc)},
		{PeriodWeek, time.Date(2026, 3, 16, 0, 0, 0, 0, loc)},
		{PeriodMonth, time.Date(2026, 4, 1, 0, 0, 0, 0, loc)},
		{PeriodTotal, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			got := nextReset(tt.period, now, loc)
			if !got.Equal(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNextResetFractionalOffsetZone(t *testing.T) {
	// India runs at UTC+05:30; the hourly boundary must be the local
	// top of hour, not a whole UTC hour away.
	loc := time.FixedZone("IST", 5*3600+1800)
	now := time.Date(2026, 3, 10, 14, 10, 0, 0, loc)

	tests := []struct {
		period Period
		want   time.Time
	}{
		{PeriodHour, time.Date(2026, 3, 10, 15, 0, 0, 0, loc)},
		{PeriodDay, time.Date(2026, 3, 11, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			got := nextReset(tt.period, now, loc)
			if !got.Equal(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNextResetOnMonday(t *testing.T) {
	loc := time.UTC
	// Monday 00:00 exactly: the next weekly boundary is a full week out.
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, loc)
	got := nextReset(PeriodWeek, now, loc)
	want := time.Date(2026, 3, 23, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNextResetYearRollover(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 12, 31, 23, 30, 0, 0, loc)
	got := nextReset(PeriodMonth, now, loc)
	want := time.Date(2027, 1, 1, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestPeriodResetClearsCurrent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	l := newTestLedger(t, clock)

	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodHour, EnforceLimit: true})

	if d, _ := l.CheckAndConsume(b.ID, 100); !d.Allowed {
		t.Fatal("Expected first consume to be allowed")
	}
	if d, _ := l.CheckAndConsume(b.ID, 1); d.Allowed {
		t.Fatal("Expected budget exhausted")
	}

	clock.Advance(time.Hour)

	d, err := l.CheckAndConsume(b.ID, 1)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected consume allowed after period reset")
	}
	if d.Remaining != 99 {
		t.Errorf("Expected 99 remaining after reset, got %v", d.Remaining)
	}
}

func TestResetDueSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	l := newTestLedger(t, clock)

	hb, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodHour, EnforceLimit: true})
	db, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricCost, Limit: 100, Period: PeriodDay, EnforceLimit: true})
	l.CheckAndConsume(hb.ID, 50)
	l.CheckAndConsume(db.ID, 50)

	clock.Advance(time.Hour)

	if n := l.ResetDue(); n != 1 {
		t.Errorf("Expected 1 budget reset, got %d", n)
	}
	hs, _ := l.Status(hb.ID)
	if hs.Current != 0 {
		t.Errorf("Expected hourly budget cleared, got %v", hs.Current)
	}
	ds, _ := l.Status(db.ID)
	if ds.Current != 50 {
		t.Errorf("Expected daily budget untouched, got %v", ds.Current)
	}
}

// ============================================================================
// Enforcement
// ============================================================================

func TestHardBudgetDeniesAtLimit(t *testing.T) {
	l := newTestLedger(t, nil)
	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricCalls, Limit: 3, Period: PeriodDay, EnforceLimit: true})

	for i := 0; i < 3; i++ {
		if d, _ := l.CheckAndConsume(b.ID, 1); !d.Allowed {
			t.Fatalf("Expected call %d allowed", i+1)
		}
	}
	d, _ := l.CheckAndConsume(b.ID, 1)
	if d.Allowed {
		t.Error("Expected denial at the limit")
	}
	if d.Remaining != 0 {
		t.Errorf("Expected 0 remaining, got %v", d.Remaining)
	}
	if d.LimitingFactor == "" {
		t.Error("Expected limiting factor to be named")
	}
}

func TestWarnOnlyBudgetAdmitsPastLimit(t *testing.T) {
	l := newTestLedger(t, nil)
	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay})

	d, err := l.CheckAndConsume(b.ID, 150)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected warn-only budget to admit past the limit")
	}
	if d.Remaining != -50 {
		t.Errorf("Expected remaining -50, got %v", d.Remaining)
	}
	if d.PercentUsed != 1.5 {
		t.Errorf("Expected 150%% used, got %v", d.PercentUsed)
	}
}

func TestCheckAndConsumeUnknownBudget(t *testing.T) {
	l := newTestLedger(t, nil)
	_, err := l.CheckAndConsume("no-such-budget", 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCheckNoMatchingBudgets(t *testing.T) {
	l := newTestLedger(t, nil)
	d, err := l.Check("agent-1", usage.MetricTokens, 1000)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected admission when no budget governs the dimension")
	}
}

func TestCheckSpansAgentAndGlobal(t *testing.T) {
	l := newTestLedger(t, nil)
	l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, EnforceLimit: true})
	l.Create(Spec{Scope: ScopeGlobal, Metric: usage.MetricTokens, Limit: 60, Period: PeriodDay, EnforceLimit: true})

	d, err := l.Check("agent-1", usage.MetricTokens, 50)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Fatal("Expected first check allowed")
	}

	// The global budget has 10 left, the agent budget 50. The global
	// budget denies and nothing is consumed on either.
	d, _ = l.Check("agent-1", usage.MetricTokens, 20)
	if d.Allowed {
		t.Fatal("Expected global budget to deny")
	}
	if d.Remaining != 10 {
		t.Errorf("Expected 10 remaining on the denying budget, got %v", d.Remaining)
	}

	statuses := l.ScopeStatus("agent-1", usage.MetricTokens)
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 governing budgets, got %d", len(statuses))
	}
	for _, s := range statuses {
		if s.Current != 50 {
			t.Errorf("Expected no consumption after denial on %s, got %v", s.Scope, s.Current)
		}
	}
	// Tightest first.
	if statuses[0].Scope != ScopeGlobal {
		t.Errorf("Expected global budget listed tightest, got %s", statuses[0].Scope)
	}
}

func TestCheckIsolatesAgents(t *testing.T) {
	l := newTestLedger(t, nil)
	l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 10, Period: PeriodDay, EnforceLimit: true})

	if d, _ := l.Check("agent-1", usage.MetricTokens, 10); !d.Allowed {
		t.Fatal("Expected agent-1 admitted")
	}
	if d, _ := l.Check("agent-1", usage.MetricTokens, 1); d.Allowed {
		t.Error("Expected agent-1 exhausted")
	}
	// Other agents are not governed by agent-1's budget.
	if d, _ := l.Check("agent-2", usage.MetricTokens, 1000); !d.Allowed {
		t.Error("Expected agent-2 unconstrained")
	}
}

// ============================================================================
// Alert thresholds
// ============================================================================

func TestAlertThresholdCrossing(t *testing.T) {
	l := newTestLedger(t, nil)
	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricCost, Limit: 100, Period: PeriodDay, AlertThreshold: 0.8, EnforceLimit: true})

	d, _ := l.CheckAndConsume(b.ID, 79)
	if d.AlertTriggered {
		t.Error("Expected no alert below threshold")
	}
	d, _ = l.CheckAndConsume(b.ID, 2)
	if !d.AlertTriggered {
		t.Error("Expected alert on crossing 80%")
	}
	// The crossing fires once, not on every consume above it.
	d, _ = l.CheckAndConsume(b.ID, 5)
	if d.AlertTriggered {
		t.Error("Expected no repeat alert above threshold")
	}

	select {
	case ev := <-l.Alerts():
		if ev.BudgetID != b.ID {
			t.Errorf("Expected event for %s, got %s", b.ID, ev.BudgetID)
		}
		if ev.PercentUsed < 0.8 {
			t.Errorf("Expected percent used >= 0.8, got %v", ev.PercentUsed)
		}
	default:
		t.Error("Expected a threshold event on the alerts channel")
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	l := newTestLedger(t, nil)
	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, EnforceLimit: true})

	const workers = 50
	const amount = 3.0
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndConsume(b.ID, amount)
			if err != nil {
				t.Errorf("CheckAndConsume failed: %v", err)
				return
			}
			if d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	// floor(100/3) = 33 admissions fit under the limit.
	if admitted.Load() != 33 {
		t.Errorf("Expected exactly 33 admissions, got %d", admitted.Load())
	}
	s, _ := l.Status(b.ID)
	if s.Current > 100 {
		t.Errorf("Expected current <= 100, got %v", s.Current)
	}
	if s.Current != 99 {
		t.Errorf("Expected current 99, got %v", s.Current)
	}
}

func TestConcurrentCheckAcrossScopes(t *testing.T) {
	l := newTestLedger(t, nil)
	l.Create(Spec{Scope: "agent-1", Metric: usage.MetricCalls, Limit: 40, Period: PeriodDay, EnforceLimit: true})
	l.Create(Spec{Scope: ScopeGlobal, Metric: usage.MetricCalls, Limit: 25, Period: PeriodDay, EnforceLimit: true})

	const workers = 60
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check("agent-1", usage.MetricCalls, 1)
			if err != nil {
				t.Errorf("Check failed: %v", err)
				return
			}
			if d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	// The global budget binds at 25.
	if admitted.Load() != 25 {
		t.Errorf("Expected exactly 25 admissions, got %d", admitted.Load())
	}
	statuses := l.ScopeStatus("agent-1", usage.MetricCalls)
	for _, s := range statuses {
		if s.Current != 25 {
			t.Errorf("Expected 25 consumed on %s budget, got %v", s.Scope, s.Current)
		}
	}
}

// ============================================================================
// Persistence
// ============================================================================

func TestLoadRestoresBudgets(t *testing.T) {
	st := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}

	l1 := NewLedger(LedgerConfig{Store: st, Clock: clock.Now})
	b, err := l1.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, EnforceLimit: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := l1.CheckAndConsume(b.ID, 40); err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}

	// Persistence is async; wait for the record to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := st.Get(context.Background(), store.KindBudget, b.ID)
		if err == nil {
			var stored Budget
			if jerr := json.Unmarshal(rec.Data, &stored); jerr == nil && stored.Current == 40 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for budget persistence")
		}
		time.Sleep(10 * time.Millisecond)
	}

	l2 := NewLedger(LedgerConfig{Store: st, Clock: clock.Now})
	if err := l2.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s, err := l2.Status(b.ID)
	if err != nil {
		t.Fatalf("Status after load failed: %v", err)
	}
	if s.Current != 40 {
		t.Errorf("Expected restored current 40, got %v", s.Current)
	}
}

func TestLoadResetsStaleBudgets(t *testing.T) {
	st := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}

	l1 := NewLedger(LedgerConfig{Store: st, Clock: clock.Now})
	b, _ := l1.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodHour, EnforceLimit: true})
	l1.CheckAndConsume(b.ID, 90)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := st.Get(context.Background(), store.KindBudget, b.ID)
		if err == nil {
			var stored Budget
			if jerr := json.Unmarshal(rec.Data, &stored); jerr == nil && stored.Current == 90 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for budget persistence")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Restart well past the period boundary.
	clock.Advance(3 * time.Hour)
	l2 := NewLedger(LedgerConfig{Store: st, Clock: clock.Now})
	if err := l2.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s, _ := l2.Status(b.ID)
	if s.Current != 0 {
		t.Errorf("Expected stale budget reset on load, got %v", s.Current)
	}
}

func TestDeleteBudget(t *testing.T) {
	l := newTestLedger(t, nil)
	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, EnforceLimit: true})

	if err := l.Delete(context.Background(), b.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := l.Status(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if d, _ := l.Check("agent-1", usage.MetricTokens, 1000); !d.Allowed {
		t.Error("Expected deleted budget to stop governing")
	}
}

func TestReconcileUpdatesInPlace(t *testing.T) {
	l := newTestLedger(t, nil)
	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, EnforceLimit: true})
	if _, err := l.CheckAndConsume(b.ID, 40); err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}

	err := l.Reconcile(context.Background(), "agent-1", []Spec{
		{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 200, Period: PeriodDay, AlertThreshold: 0.9, EnforceLimit: true},
		{Scope: "agent-1", Metric: usage.MetricCost, Limit: 50, Period: PeriodDay, EnforceLimit: true},
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	s, err := l.Status(b.ID)
	if err != nil {
		t.Fatalf("Expected existing budget to survive reconcile, got %v", err)
	}
	if s.Limit != 200 || s.Current != 40 {
		t.Errorf("Expected limit raised to 200 with consumption kept, got limit=%v current=%v", s.Limit, s.Current)
	}
	if got := l.ScopeStatus("agent-1", usage.MetricCost); len(got) != 1 || got[0].Limit != 50 {
		t.Errorf("Expected new cost budget created, got %+v", got)
	}
}

func TestReconcileRemovesStaleBudgets(t *testing.T) {
	l := newTestLedger(t, nil)
	b, _ := l.Create(Spec{Scope: "agent-1", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay, EnforceLimit: true})

	if err := l.Reconcile(context.Background(), "agent-1", nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := l.Status(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected stale budget removed, got %v", err)
	}
}

func TestReconcileRejectsForeignScope(t *testing.T) {
	l := newTestLedger(t, nil)
	err := l.Reconcile(context.Background(), "agent-1", []Spec{
		{Scope: "agent-2", Metric: usage.MetricTokens, Limit: 100, Period: PeriodDay},
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for mismatched scope, got %v", err)
	}
}
