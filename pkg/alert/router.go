package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioshq/helios/pkg/anomaly"
	"github.com/helioshq/helios/pkg/budget"
)

// RouterConfig configures an alert router.
type RouterConfig struct {
	// Routes maps severities to delivery rules. Severities without a
	// route are dropped with a "no-route" status.
	Routes map[anomaly.Severity]Route

	// DedupWindow suppresses repeat alerts with the same agent,
	// metric, and severity. Default: 5 minutes.
	DedupWindow time.Duration

	// DeliveryTimeout bounds each sink delivery. Default: 10 seconds.
	DeliveryTimeout time.Duration

	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

// Router deduplicates, throttles, and fans alerts out to sinks. Safe
// for concurrent use.
type Router struct {
	cfg    RouterConfig
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	sinks     map[string]Sink
	tasks     TaskSink
	lastSeen  map[string]time.Time
	throttles map[anomaly.Severity]*throttle
}

// NewRouter creates an alert router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Router{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    slog.Default().With("component", "alert"),
		sinks:     make(map[string]Sink),
		lastSeen:  make(map[string]time.Time),
		throttles: make(map[anomaly.Severity]*throttle),
	}
}

// AddSink registers a delivery channel under its name.
func (r *Router) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks[s.Name()] = s
	r.mu.Unlock()
}

// SetTaskSink installs the follow-up work item receiver.
func (r *Router) SetTaskSink(t TaskSink) {
	r.mu.Lock()
	r.tasks = t
	r.mu.Unlock()
}

// RouteAnomaly wraps a detector finding and routes it.
func (r *Router) RouteAnomaly(ctx context.Context, a anomaly.Anomaly) DeliveryStatus {
	al := &Alert{
		ID:        uuid.New().String(),
		Kind:      KindAnomaly,
		AgentID:   a.AgentID,
		Metric:    a.Metric,
		Severity:  a.Severity,
		Timestamp: a.Timestamp,
		Anomaly:   &a,
		Message: fmt.Sprintf("%s anomaly for agent %s: %s observed %.2f against baseline mean %.2f",
			a.Severity, a.AgentID, a.Metric, a.Observed, a.Baseline.Mean),
	}
	return r.Route(ctx, al)
}

// RouteThreshold wraps a budget threshold crossing and routes it. All
// threshold crossings route at medium severity; hard-limit exhaustion
// is a denial, not an alert.
func (r *Router) RouteThreshold(ctx context.Context, ev budget.ThresholdEvent) DeliveryStatus {
	al := &Alert{
		ID:        uuid.New().String(),
		Kind:      KindThreshold,
		AgentID:   ev.Scope,
		Metric:    ev.Metric,
		Severity:  anomaly.SeverityMedium,
		Timestamp: ev.Timestamp,
		Threshold: &ev,
		Message: fmt.Sprintf("budget %s for %s at %.0f%% of limit (%.2f of %.2f)",
			ev.BudgetID, ev.Scope, ev.PercentUsed*100, ev.Current, ev.Limit),
	}
	return r.Route(ctx, al)
}

// Route delivers one alert according to its severity's route. The
// alert is dropped when no route exists, when an identical alert fired
// inside the dedup window, or when the route's rate caps are spent.
// Fan-out failures are isolated per sink and reported in the status.
func (r *Router) Route(ctx context.Context, al *Alert) DeliveryStatus {
	status := DeliveryStatus{AlertID: al.ID}

	route, ok := r.cfg.Routes[al.Severity]
	if !ok {
		status.Suppressed = "no-route"
		return status
	}

	now := r.clock()
	if !r.admit(al, route, now) {
		status.Suppressed = r.suppressReason(al, now)
		r.logger.Debug("alert suppressed",
			"alert_id", al.ID, "agent_id", al.AgentID, "reason", status.Suppressed)
		return status
	}

	sinks, tasks := r.resolveSinks(route)
	var wg sync.WaitGroup
	var statusMu sync.Mutex
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
			defer cancel()

			if err := s.Deliver(dctx, al); err != nil {
				r.logger.Error("alert delivery failed",
					"alert_id", al.ID, "sink", s.Name(), "error", err)
				statusMu.Lock()
				if status.Failed == nil {
					status.Failed = make(map[string]string)
				}
				status.Failed[s.Name()] = err.Error()
				statusMu.Unlock()
				return
			}
			statusMu.Lock()
			status.Delivered = append(status.Delivered, s.Name())
			statusMu.Unlock()
		}(s)
	}
	wg.Wait()

	if route.CreateTask && tasks != nil {
		tctx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		if err := tasks.CreateTask(tctx, al); err != nil {
			r.logger.Error("follow-up task creation failed", "alert_id", al.ID, "error", err)
		}
		cancel()
	}
	return status
}

// admit applies dedup then the route's rate caps, recording the alert
// when admitted.
func (r *Router) admit(al *Alert, route Route, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := al.dedupKey()
	if last, ok := r.lastSeen[key]; ok && now.Sub(last) < r.cfg.DedupWindow {
		return false
	}

	th, ok := r.throttles[al.Severity]
	if !ok {
		th = &throttle{}
		r.throttles[al.Severity] = th
	}
	if !th.allow(now, route.MaxPerHour, route.MaxPerDay) {
		return false
	}

	r.lastSeen[key] = now
	return true
}

func (r *Router) suppressReason(al *Alert, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastSeen[al.dedupKey()]; ok && now.Sub(last) < r.cfg.DedupWindow {
		return "dedup"
	}
	return "throttled"
}

// PruneDedup drops dedup records older than the window. Returns the
// number of entries removed.
func (r *Router) PruneDedup() int {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, last := range r.lastSeen {
		if now.Sub(last) >= r.cfg.DedupWindow {
			delete(r.lastSeen, key)
			removed++
		}
	}
	return removed
}

func (r *Router) resolveSinks(route Route) ([]Sink, TaskSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sinks := make([]Sink, 0, len(route.Channels))
	for _, name := range route.Channels {
		s, ok := r.sinks[name]
		if !ok {
			r.logger.Warn("route references unknown sink", "sink", name)
			continue
		}
		sinks = append(sinks, s)
	}
	return sinks, r.tasks
}
