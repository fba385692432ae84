package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioshq/helios/pkg/store"
	"github.com/helioshq/helios/pkg/usage"
)

// LedgerConfig configures a budget ledger.
type LedgerConfig struct {
	// Location is the timezone for calendar-aligned resets.
	// Defaults to UTC.
	Location *time.Location

	// Store persists budget state across restarts. Optional; without
	// it budgets are in-memory only.
	Store store.Store

	// AlertBuffer is the capacity of the threshold event channel.
	// Defaults to 64.
	AlertBuffer int

	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

// Ledger owns all budgets and is the single mutation path for their
// counters. All methods are safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byScope map[scopeKey][]*entry

	loc    *time.Location
	stor   store.Store
	clock  func() time.Time
	alerts chan ThresholdEvent
	logger *slog.Logger
}

type scopeKey struct {
	scope  string
	metric usage.Metric
}

// entry wraps one budget with its own lock so consumption on one
// budget never contends with another.
type entry struct {
	mu     sync.Mutex
	budget Budget
}

// NewLedger creates a budget ledger.
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Ledger{
		entries: make(map[string]*entry),
		byScope: make(map[scopeKey][]*entry),
		loc:     cfg.Location,
		stor:    cfg.Store,
		clock:   cfg.Clock,
		alerts:  make(chan ThresholdEvent, cfg.AlertBuffer),
		logger:  slog.Default().With("component", "budget"),
	}
}

// Alerts returns the channel of threshold crossing events. Events are
// dropped when the channel is full.
func (l *Ledger) Alerts() <-chan ThresholdEvent {
	return l.alerts
}

// Create registers a new budget and returns its assigned ID.
func (l *Ledger) Create(spec Spec) (Budget, error) {
	if err := spec.Validate(); err != nil {
		return Budget{}, err
	}
	now := l.clock()
	b := Budget{
		ID:             uuid.New().String(),
		Scope:          spec.Scope,
		Metric:         spec.Metric,
		Limit:          spec.Limit,
		Period:         spec.Period,
		AlertThreshold: spec.AlertThreshold,
		EnforceLimit:   spec.EnforceLimit,
		ResetAt:        nextReset(spec.Period, now, l.loc),
		CreatedAt:      now,
	}
	e := &entry{budget: b}

	l.mu.Lock()
	l.entries[b.ID] = e
	key := scopeKey{scope: b.Scope, metric: b.Metric}
	l.byScope[key] = append(l.byScope[key], e)
	l.mu.Unlock()

	l.persist(b)
	return b, nil
}

// CheckAndConsume attempts to consume amount against a single budget.
// The check and the counter update happen under the budget's lock, so
// concurrent callers never over-admit past the limit.
func (l *Ledger) CheckAndConsume(budgetID string, amount float64) (Decision, error) {
	if amount < 0 {
		return Decision{}, &ValidationError{Field: "amount", Message: "must be non-negative"}
	}
	l.mu.RLock()
	e, ok := l.entries[budgetID]
	l.mu.RUnlock()
	if !ok {
		return Decision{}, fmt.Errorf("budget %q: %w", budgetID, ErrNotFound)
	}

	e.mu.Lock()
	l.resetIfDueLocked(e)
	d := l.consumeLocked(e, amount)
	snapshot := e.budget
	e.mu.Unlock()

	if d.Allowed {
		l.persist(snapshot)
	}
	return d, nil
}

// Check attempts to consume amount against every budget matching the
// agent and metric, agent-scoped and global alike. All matching
// budgets are locked in a stable order for the duration, so the
// decision is atomic across them: either every enforced budget admits
// and all counters advance, or nothing is consumed.
func (l *Ledger) Check(agentID string, metric usage.Metric, amount float64) (Decision, error) {
	if amount < 0 {
		return Decision{}, &ValidationError{Field: "amount", Message: "must be non-negative"}
	}

	l.mu.RLock()
	matched := make([]*entry, 0, 4)
	matched = append(matched, l.byScope[scopeKey{scope: agentID, metric: metric}]...)
	matched = append(matched, l.byScope[scopeKey{scope: ScopeGlobal, metric: metric}]...)
	l.mu.RUnlock()

	if len(matched) == 0 {
		// No budget governs this dimension: admit unconstrained.
		return Decision{Allowed: true, Remaining: -1, PercentUsed: 0}, nil
	}

	// Stable lock order prevents deadlock between overlapping checks.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].budget.ID < matched[j].budget.ID
	})
	for _, e := range matched {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range matched {
			e.mu.Unlock()
		}
	}()

	for _, e := range matched {
		l.resetIfDueLocked(e)
	}

	// First pass: any enforced budget that would exceed denies the
	// whole request before anything is consumed.
	for _, e := range matched {
		b := &e.budget
		if b.EnforceLimit && b.Current+amount > b.Limit {
			return Decision{
				Allowed:        false,
				Remaining:      b.Limit - b.Current,
				PercentUsed:    b.Current / b.Limit,
				LimitingFactor: describeBudget(b),
				ResetAt:        b.ResetAt,
			}, nil
		}
	}

	// Second pass: admit and consume on all matching budgets. The
	// decision reports the tightest budget after consumption.
	var decision Decision
	decision.Allowed = true
	decision.Remaining = -1
	for _, e := range matched {
		d := l.consumeLocked(e, amount)
		if decision.Remaining < 0 || d.PercentUsed > decision.PercentUsed {
			decision.Remaining = d.Remaining
			decision.PercentUsed = d.PercentUsed
			decision.LimitingFactor = describeBudget(&e.budget)
			decision.ResetAt = e.budget.ResetAt
		}
		if d.AlertTriggered {
			decision.AlertTriggered = true
		}
	}

	snapshots := make([]Budget, 0, len(matched))
	for _, e := range matched {
		snapshots = append(snapshots, e.budget)
	}
	for _, b := range snapshots {
		l.persist(b)
	}
	return decision, nil
}

// consumeLocked applies amount to an entry the caller has locked.
func (l *Ledger) consumeLocked(e *entry, amount float64) Decision {
	b := &e.budget
	if b.EnforceLimit && b.Current+amount > b.Limit {
		return Decision{
			Allowed:        false,
			Remaining:      b.Limit - b.Current,
			PercentUsed:    b.Current / b.Limit,
			LimitingFactor: describeBudget(b),
			ResetAt:        b.ResetAt,
		}
	}

	before := b.Current / b.Limit
	b.Current += amount
	after := b.Current / b.Limit

	d := Decision{
		Allowed:     true,
		Remaining:   b.Limit - b.Current,
		PercentUsed: after,
		ResetAt:     b.ResetAt,
	}
	if b.AlertThreshold > 0 && before < b.AlertThreshold && after >= b.AlertThreshold {
		d.AlertTriggered = true
		l.emitThreshold(b)
	}
	return d
}

func (l *Ledger) emitThreshold(b *Budget) {
	ev := ThresholdEvent{
		BudgetID:    b.ID,
		Scope:       b.Scope,
		Metric:      b.Metric,
		Current:     b.Current,
		Limit:       b.Limit,
		PercentUsed: b.Current / b.Limit,
		Timestamp:   l.clock(),
	}
	select {
	case l.alerts <- ev:
	default:
		l.logger.Warn("threshold event dropped, alert buffer full",
			"budget_id", b.ID, "scope", b.Scope)
	}
}

// resetIfDueLocked rolls the period over if the boundary has passed.
// Repeated boundaries are skipped forward so a ledger idle across
// several periods lands on the current one.
func (l *Ledger) resetIfDueLocked(e *entry) {
	b := &e.budget
	if b.Period == PeriodTotal || b.ResetAt.IsZero() {
		return
	}
	now := l.clock()
	if now.Before(b.ResetAt) {
		return
	}
	b.Current = 0
	b.ResetAt = nextReset(b.Period, now, l.loc)
	l.logger.Info("budget period reset",
		"budget_id", b.ID, "scope", b.Scope, "metric", string(b.Metric),
		"next_reset", b.ResetAt)
}

// ResetDue sweeps all budgets and rolls over any whose period boundary
// has passed. The cron scheduler calls this; lazy resets on the check
// path make it a safety net rather than a correctness requirement.
func (l *Ledger) ResetDue() int {
	l.mu.RLock()
	all := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, e)
	}
	l.mu.RUnlock()

	reset := 0
	for _, e := range all {
		e.mu.Lock()
		before := e.budget.ResetAt
		l.resetIfDueLocked(e)
		if !e.budget.ResetAt.Equal(before) {
			reset++
			l.persist(e.budget)
		}
		e.mu.Unlock()
	}
	return reset
}

// Status returns a read-only view of one budget.
func (l *Ledger) Status(budgetID string) (Status, error) {
	l.mu.RLock()
	e, ok := l.entries[budgetID]
	l.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("budget %q: %w", budgetID, ErrNotFound)
	}
	e.mu.Lock()
	l.resetIfDueLocked(e)
	s := statusOf(&e.budget)
	e.mu.Unlock()
	return s, nil
}

// ScopeStatus returns the status of every budget governing an agent
// and metric, tightest first.
func (l *Ledger) ScopeStatus(agentID string, metric usage.Metric) []Status {
	l.mu.RLock()
	matched := make([]*entry, 0, 4)
	matched = append(matched, l.byScope[scopeKey{scope: agentID, metric: metric}]...)
	matched = append(matched, l.byScope[scopeKey{scope: ScopeGlobal, metric: metric}]...)
	l.mu.RUnlock()

	out := make([]Status, 0, len(matched))
	for _, e := range matched {
		e.mu.Lock()
		l.resetIfDueLocked(e)
		out = append(out, statusOf(&e.budget))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PercentUsed > out[j].PercentUsed
	})
	return out
}

// List returns the status of every budget, ordered by scope then
// metric.
func (l *Ledger) List() []Status {
	l.mu.RLock()
	all := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, e)
	}
	l.mu.RUnlock()

	out := make([]Status, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		l.resetIfDueLocked(e)
		out = append(out, statusOf(&e.budget))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

// Delete removes a budget from the ledger and the store.
func (l *Ledger) Delete(ctx context.Context, budgetID string) error {
	l.mu.Lock()
	e, ok := l.entries[budgetID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("budget %q: %w", budgetID, ErrNotFound)
	}
	delete(l.entries, budgetID)
	key := scopeKey{scope: e.budget.Scope, metric: e.budget.Metric}
	peers := l.byScope[key]
	for i, p := range peers {
		if p == e {
			l.byScope[key] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	if l.stor != nil {
		if err := l.stor.Delete(ctx, store.KindBudget, budgetID); err != nil {
			return fmt.Errorf("deleting budget state: %w", err)
		}
	}
	return nil
}

// Reconcile makes the scope's budgets match the desired specs, keyed
// by metric and period. Existing budgets keep their counters when only
// limits or thresholds change; budgets absent from specs are removed.
// Policy sync calls this so reconfiguration never zeroes consumption.
func (l *Ledger) Reconcile(ctx context.Context, scope string, specs []Spec) error {
	for _, s := range specs {
		if s.Scope != scope {
			return &ValidationError{Field: "scope", Message: "spec scope does not match reconcile target"}
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}

	type ruleKey struct {
		metric usage.Metric
		period Period
	}
	desired := make(map[ruleKey]Spec, len(specs))
	for _, s := range specs {
		desired[ruleKey{s.Metric, s.Period}] = s
	}

	l.mu.RLock()
	existing := make([]*entry, 0, 4)
	for key, entries := range l.byScope {
		if key.scope == scope {
			existing = append(existing, entries...)
		}
	}
	l.mu.RUnlock()

	var stale []string
	for _, e := range existing {
		e.mu.Lock()
		b := &e.budget
		spec, ok := desired[ruleKey{b.Metric, b.Period}]
		if !ok {
			stale = append(stale, b.ID)
			e.mu.Unlock()
			continue
		}
		delete(desired, ruleKey{b.Metric, b.Period})
		b.Limit = spec.Limit
		b.AlertThreshold = spec.AlertThreshold
		b.EnforceLimit = spec.EnforceLimit
		snapshot := *b
		e.mu.Unlock()
		l.persist(snapshot)
	}

	for _, spec := range desired {
		if _, err := l.Create(spec); err != nil {
			return err
		}
	}
	for _, id := range stale {
		if err := l.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Load restores persisted budgets from the store. Call once at
// startup, before the ledger takes traffic.
func (l *Ledger) Load(ctx context.Context) error {
	if l.stor == nil {
		return nil
	}
	records, err := l.stor.List(ctx, store.KindBudget)
	if err != nil {
		return fmt.Errorf("listing budget state: %w", err)
	}
	loaded := 0
	for _, rec := range records {
		var b Budget
		if err := json.Unmarshal(rec.Data, &b); err != nil {
			l.logger.Warn("skipping unreadable budget record", "id", rec.ID, "error", err)
			continue
		}
		e := &entry{budget: b}
		e.mu.Lock()
		l.resetIfDueLocked(e)
		e.mu.Unlock()

		l.mu.Lock()
		l.entries[b.ID] = e
		key := scopeKey{scope: b.Scope, metric: b.Metric}
		l.byScope[key] = append(l.byScope[key], e)
		l.mu.Unlock()
		loaded++
	}
	l.logger.Info("budgets restored from store", "count", loaded)
	return nil
}

// persist writes a budget snapshot to the store in the background.
// Counter updates never block on storage.
func (l *Ledger) persist(b Budget) {
	if l.stor == nil {
		return
	}
	go func() {
		data, err := json.Marshal(b)
		if err != nil {
			l.logger.Error("marshaling budget state", "budget_id", b.ID, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.stor.Put(ctx, store.KindBudget, b.ID, data); err != nil {
			l.logger.Error("persisting budget state", "budget_id", b.ID, "error", err)
		}
	}()
}

func statusOf(b *Budget) Status {
	return Status{
		BudgetID:    b.ID,
		Scope:       b.Scope,
		Metric:      b.Metric,
		Current:     b.Current,
		Limit:       b.Limit,
		PercentUsed: b.Current / b.Limit,
		Period:      b.Period,
		ResetAt:     b.ResetAt,
		Enforced:    b.EnforceLimit,
	}
}

func describeBudget(b *Budget) string {
	return fmt.Sprintf("%s %s budget for %s", b.Period, b.Metric, b.Scope)
}
