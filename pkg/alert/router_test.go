package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/helioshq/helios/pkg/anomaly"
	"github.com/helioshq/helios/pkg/budget"
	"github.com/helioshq/helios/pkg/usage"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	name string
	err  error

	mu        sync.Mutex
	delivered []*Alert
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, al *Alert) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.delivered = append(s.delivered, al)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

type recordingTaskSink struct {
	mu      sync.Mutex
	created []*Alert
}

func (t *recordingTaskSink) CreateTask(_ context.Context, al *Alert) error {
	t.mu.Lock()
	t.created = append(t.created, al)
	t.mu.Unlock()
	return nil
}

func testAlert(agentID string, sev anomaly.Severity) *Alert {
	return &Alert{
		ID:        "alert-1",
		Kind:      KindAnomaly,
		AgentID:   agentID,
		Metric:    usage.MetricTokens,
		Severity:  sev,
		Message:   "test alert",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestRouter(clock *fakeClock, routes map[anomaly.Severity]Route) *Router {
	return NewRouter(RouterConfig{
		Routes:      routes,
		DedupWindow: 5 * time.Minute,
		Clock:       clock.Now,
	})
}

// ============================================================================
// Routing and fan-out
// ============================================================================

func TestRouteFansOutToAllChannels(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"ops", "billing"}},
	})
	ops := &recordingSink{name: "ops"}
	billing := &recordingSink{name: "billing"}
	r.AddSink(ops)
	r.AddSink(billing)

	status := r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	if status.Suppressed != "" {
		t.Fatalf("Expected delivery, got suppressed %q", status.Suppressed)
	}
	sort.Strings(status.Delivered)
	if len(status.Delivered) != 2 || status.Delivered[0] != "billing" || status.Delivered[1] != "ops" {
		t.Errorf("Expected delivery to both sinks, got %v", status.Delivered)
	}
	if ops.count() != 1 || billing.count() != 1 {
		t.Errorf("Expected each sink to receive the alert once, got ops=%d billing=%d",
			ops.count(), billing.count())
	}
}

func TestRouteIsolatesSinkFailures(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"broken", "ops"}},
	})
	broken := &recordingSink{name: "broken", err: errors.New("connection refused")}
	ops := &recordingSink{name: "ops"}
	r.AddSink(broken)
	r.AddSink(ops)

	status := r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	if len(status.Delivered) != 1 || status.Delivered[0] != "ops" {
		t.Errorf("Expected healthy sink to still deliver, got %v", status.Delivered)
	}
	if status.Failed["broken"] != "connection refused" {
		t.Errorf("Expected failure recorded for broken sink, got %v", status.Failed)
	}
	if ops.count() != 1 {
		t.Errorf("Expected ops delivery despite sibling failure, got %d", ops.count())
	}
}

func TestRouteUnknownSeverityDropped(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"ops"}},
	})
	r.AddSink(&recordingSink{name: "ops"})

	status := r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityLow))
	if status.Suppressed != "no-route" {
		t.Errorf("Expected no-route suppression, got %q", status.Suppressed)
	}
	if len(status.Delivered) != 0 {
		t.Errorf("Expected no deliveries, got %v", status.Delivered)
	}
}

func TestRouteSkipsUnknownSink(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"missing", "ops"}},
	})
	ops := &recordingSink{name: "ops"}
	r.AddSink(ops)

	status := r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	if len(status.Delivered) != 1 || status.Delivered[0] != "ops" {
		t.Errorf("Expected registered sink only, got %v", status.Delivered)
	}
}

// ============================================================================
// Deduplication
// ============================================================================

func TestRouteDeduplicatesWithinWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"ops"}},
	})
	ops := &recordingSink{name: "ops"}
	r.AddSink(ops)

	first := r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	if first.Suppressed != "" {
		t.Fatalf("Expected first alert delivered, got %q", first.Suppressed)
	}

	clock.Advance(2 * time.Minute)
	second := r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	if second.Suppressed != "dedup" {
		t.Errorf("Expected dedup suppression inside window, got %q", second.Suppressed)
	}

	clock.Advance(4 * time.Minute)
	third := r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	if third.Suppressed != "" {
		t.Errorf("Expected delivery after window expiry, got %q", third.Suppressed)
	}
	if ops.count() != 2 {
		t.Errorf("Expected 2 deliveries, got %d", ops.count())
	}
}

func TestRouteDedupKeyDistinguishesAgents(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"ops"}},
	})
	ops := &recordingSink{name: "ops"}
	r.AddSink(ops)

	r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	status := r.Route(context.Background(), testAlert("agent-2", anomaly.SeverityCritical))
	if status.Suppressed != "" {
		t.Errorf("Expected different agent to bypass dedup, got %q", status.Suppressed)
	}
	if ops.count() != 2 {
		t.Errorf("Expected 2 deliveries, got %d", ops.count())
	}
}

func TestPruneDedup(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"ops"}},
	})
	r.AddSink(&recordingSink{name: "ops"})

	r.Route(context.Background(), testAlert("agent-1", anomaly.SeverityCritical))
	r.Route(context.Background(), testAlert("agent-2", anomaly.SeverityCritical))

	if removed := r.PruneDedup(); removed != 0 {
		t.Errorf("Expected nothing pruned inside window, got %d", removed)
	}
	clock.Advance(6 * time.Minute)
	if removed := r.PruneDedup(); removed != 2 {
		t.Errorf("Expected 2 expired entries pruned, got %d", removed)
	}
}

// ============================================================================
// Rate caps
// ============================================================================

func TestRouteHourlyCap(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"ops"}, MaxPerHour: 2},
	})
	ops := &recordingSink{name: "ops"}
	r.AddSink(ops)

	for i, agent := range []string{"agent-1", "agent-2"} {
		status := r.Route(context.Background(), testAlert(agent, anomaly.SeverityCritical))
		if status.Suppressed != "" {
			t.Fatalf("Expected alert %d delivered, got %q", i, status.Suppressed)
		}
	}
	status := r.Route(context.Background(), testAlert("agent-3", anomaly.SeverityCritical))
	if status.Suppressed != "throttled" {
		t.Errorf("Expected throttled over hourly cap, got %q", status.Suppressed)
	}

	// Capacity returns once the oldest delivery leaves the hour window.
	clock.Advance(61 * time.Minute)
	status = r.Route(context.Background(), testAlert("agent-4", anomaly.SeverityCritical))
	if status.Suppressed != "" {
		t.Errorf("Expected delivery after window rolled, got %q", status.Suppressed)
	}
	if ops.count() != 3 {
		t.Errorf("Expected 3 deliveries, got %d", ops.count())
	}
}

func TestRouteDailyCap(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityMedium: {Channels: []string{"ops"}, MaxPerDay: 3},
	})
	r.AddSink(&recordingSink{name: "ops"})

	for i := 0; i < 3; i++ {
		al := testAlert("agent-1", anomaly.SeverityMedium)
		al.Metric = usage.Metric([]string{"tokens", "cost", "calls"}[i])
		if status := r.Route(context.Background(), al); status.Suppressed != "" {
			t.Fatalf("Expected alert %d delivered, got %q", i, status.Suppressed)
		}
		clock.Advance(2 * time.Hour)
	}
	al := testAlert("agent-1", anomaly.SeverityMedium)
	al.Metric = usage.MetricDuration
	if status := r.Route(context.Background(), al); status.Suppressed != "throttled" {
		t.Errorf("Expected throttled over daily cap, got %q", status.Suppressed)
	}
}

// ============================================================================
// Alert construction and task creation
// ============================================================================

func TestRouteAnomalyBuildsAlert(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityCritical: {Channels: []string{"ops"}, CreateTask: true},
	})
	ops := &recordingSink{name: "ops"}
	tasks := &recordingTaskSink{}
	r.AddSink(ops)
	r.SetTaskSink(tasks)

	an := anomaly.Anomaly{
		ID:       "anom-1",
		AgentID:  "agent-1",
		Metric:   usage.MetricTokens,
		Severity: anomaly.SeverityCritical,
		Observed: 9000,
	}
	status := r.RouteAnomaly(context.Background(), an)
	if status.Suppressed != "" {
		t.Fatalf("Expected delivery, got %q", status.Suppressed)
	}
	if ops.count() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", ops.count())
	}
	al := ops.delivered[0]
	if al.Kind != KindAnomaly || al.AgentID != "agent-1" || al.Anomaly == nil {
		t.Errorf("Expected anomaly alert for agent-1, got %+v", al)
	}
	if al.Severity != anomaly.SeverityCritical {
		t.Errorf("Expected severity carried over, got %s", al.Severity)
	}
	if len(tasks.created) != 1 {
		t.Errorf("Expected follow-up task created, got %d", len(tasks.created))
	}
}

func TestRouteThresholdBuildsAlert(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRouter(clock, map[anomaly.Severity]Route{
		anomaly.SeverityMedium: {Channels: []string{"billing"}},
	})
	billing := &recordingSink{name: "billing"}
	r.AddSink(billing)

	status := r.RouteThreshold(context.Background(), budget.ThresholdEvent{
		BudgetID:    "bud-1",
		Scope:       "agent-1",
		Metric:      usage.MetricCost,
		Current:     85,
		Limit:       100,
		PercentUsed: 0.85,
		Timestamp:   clock.Now(),
	})
	if status.Suppressed != "" {
		t.Fatalf("Expected delivery, got %q", status.Suppressed)
	}
	al := billing.delivered[0]
	if al.Kind != KindThreshold || al.Severity != anomaly.SeverityMedium {
		t.Errorf("Expected medium threshold alert, got kind=%s severity=%s", al.Kind, al.Severity)
	}
	if al.Threshold == nil || al.Threshold.BudgetID != "bud-1" {
		t.Errorf("Expected threshold event attached, got %+v", al.Threshold)
	}
}

// ============================================================================
// Sinks
// ============================================================================

func TestWebhookSinkDelivers(t *testing.T) {
	var received Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("Expected JSON body, got error: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSink("hook", srv.URL, srv.Client())
	if err := s.Deliver(context.Background(), testAlert("agent-1", anomaly.SeverityCritical)); err != nil {
		t.Fatalf("Expected delivery to succeed, got %v", err)
	}
	if received.AgentID != "agent-1" {
		t.Errorf("Expected posted alert for agent-1, got %q", received.AgentID)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSink("hook", srv.URL, srv.Client())
	if err := s.Deliver(context.Background(), testAlert("agent-1", anomaly.SeverityCritical)); err == nil {
		t.Error("Expected error on 502 response")
	}
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	s, err := NewFileSink("file", path)
	if err != nil {
		t.Fatalf("Failed to open file sink: %v", err)
	}
	defer s.Close()

	for _, agent := range []string{"agent-1", "agent-2"} {
		if err := s.Deliver(context.Background(), testAlert(agent, anomaly.SeverityHigh)); err != nil {
			t.Fatalf("Failed to deliver: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read alert log: %v", err)
	}
	var first Alert
	if err := json.Unmarshal([]byte(splitLines(data)[0]), &first); err != nil {
		t.Fatalf("Expected JSON line, got error: %v", err)
	}
	if first.AgentID != "agent-1" {
		t.Errorf("Expected first line for agent-1, got %q", first.AgentID)
	}
	if got := len(splitLines(data)); got != 2 {
		t.Errorf("Expected 2 lines, got %d", got)
	}
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	return lines
}
