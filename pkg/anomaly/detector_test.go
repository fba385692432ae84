package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

type fakeEvents struct {
	events []*usage.Event
}

func (f *fakeEvents) Query(_ context.Context, agentID string, from, to time.Time) ([]*usage.Event, error) {
	var out []*usage.Event
	for _, ev := range f.events {
		if ev.AgentID == agentID && !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEvents) QueryAll(_ context.Context, from, to time.Time) ([]*usage.Event, error) {
	var out []*usage.Event
	for _, ev := range f.events {
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func healthyBaseline(agentID, model string, metric usage.Metric) Baseline {
	return Baseline{
		AgentID:     agentID,
		Model:       model,
		Metric:      metric,
		Mean:        10,
		Median:      10,
		StdDev:      2,
		Q1:          8,
		Q3:          12,
		IQR:         4,
		SampleSize:  30,
		WindowDays:  7,
		LastUpdated: time.Now(),
	}
}

// ============================================================================
// Z-score detection
// ============================================================================

func TestZScoreCriticalAtFiveSigma(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{})
	d.SetBaseline(healthyBaseline("agent-1", "m1", usage.MetricTokens))

	found := d.Detect([]Observation{{
		AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens, Value: 20,
	}})
	if len(found) != 1 {
		t.Fatalf("Expected 1 anomaly, got %d", len(found))
	}
	a := found[0]
	if a.Deviation != 5 {
		t.Errorf("Expected z-score 5, got %v", a.Deviation)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("Expected critical severity at z=5, got %s", a.Severity)
	}
	if a.Observed != 20 || a.Baseline.Mean != 10 {
		t.Error("Expected anomaly to carry observed and baseline values")
	}
}

func TestZScoreBelowThresholdNoAnomaly(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{})
	d.SetBaseline(healthyBaseline("agent-1", "m1", usage.MetricTokens))

	// z = 0.5: well inside normal variation, also inside the IQR fences.
	found := d.Detect([]Observation{{
		AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens, Value: 11,
	}})
	if len(found) != 0 {
		t.Errorf("Expected no anomaly at z=0.5, got %d", len(found))
	}
}

func TestZeroStdDevSkipsZScore(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{})
	b := healthyBaseline("agent-1", "m1", usage.MetricTokens)
	b.StdDev = 0
	d.SetBaseline(b)

	// IQR still fires: 19 > q3 + 1.5*iqr = 18.
	found := d.Detect([]Observation{{
		AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens, Value: 19,
	}})
	if len(found) != 1 {
		t.Fatalf("Expected IQR to fire with zero stddev, got %d anomalies", len(found))
	}
	if found[0].Deviation != 0 {
		t.Errorf("Expected zero deviation when z-score is skipped, got %v", found[0].Deviation)
	}
	if len(found[0].Methods) != 1 || found[0].Methods[0] != MethodIQR {
		t.Errorf("Expected only the iqr method, got %v", found[0].Methods)
	}
}

// ============================================================================
// IQR fences
// ============================================================================

func TestIQRFences(t *testing.T) {
	// q1=8, q3=12, iqr=4: fences at 2 and 18. Wide stddev keeps the
	// z-score method quiet so the fences are tested alone.
	b := healthyBaseline("agent-1", "m1", usage.MetricCost)
	b.StdDev = 100
	d := NewDetector(&fakeEvents{}, Config{})
	d.SetBaseline(b)

	tests := []struct {
		name    string
		value   float64
		flagged bool
	}{
		{"above upper fence", 19, true},
		{"inside upper fence", 15, false},
		{"at upper fence", 18, false},
		{"below lower fence", 1, true},
		{"inside lower fence", 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := d.Detect([]Observation{{
				AgentID: "agent-1", Model: "m1", Metric: usage.MetricCost, Value: tt.value,
			}})
			if got := len(found) == 1; got != tt.flagged {
				t.Errorf("Expected flagged=%v for value %v, got %v", tt.flagged, tt.value, got)
			}
		})
	}
}

// ============================================================================
// Insufficient data
// ============================================================================

func TestInsufficientDataNeverFlags(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{MinimumSampleSize: 10})
	b := healthyBaseline("agent-1", "m1", usage.MetricTokens)
	b.SampleSize = 9
	d.SetBaseline(b)

	// A huge deviation still yields no verdict below the sample floor.
	found := d.Detect([]Observation{{
		AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens, Value: 100000,
	}})
	if len(found) != 0 {
		t.Errorf("Expected no anomaly below minimum sample size, got %d", len(found))
	}
}

func TestUnknownGroupNoVerdict(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{})
	found := d.Detect([]Observation{{
		AgentID: "agent-x", Model: "m1", Metric: usage.MetricTokens, Value: 1e9,
	}})
	if len(found) != 0 {
		t.Errorf("Expected no anomaly without a baseline, got %d", len(found))
	}
}

// ============================================================================
// Scoring
// ============================================================================

func TestConfidenceRampsWithSampleSize(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{})

	small := healthyBaseline("agent-1", "m1", usage.MetricTokens)
	small.SampleSize = 10
	d.SetBaseline(small)

	obs := []Observation{{AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens, Value: 20}}
	found := d.Detect(obs)
	if len(found) != 1 {
		t.Fatalf("Expected 1 anomaly, got %d", len(found))
	}
	if found[0].Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5 at 10 samples, got %v", found[0].Confidence)
	}
	if found[0].Severity != SeverityCritical {
		t.Error("Expected low confidence to leave severity untouched")
	}

	large := small
	large.SampleSize = 40
	d.SetBaseline(large)
	found = d.Detect(obs)
	if found[0].Confidence != 1.0 {
		t.Errorf("Expected confidence 1.0 at 40 samples, got %v", found[0].Confidence)
	}
}

func TestFrequencyRaisesScore(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{})
	d.SetBaseline(healthyBaseline("agent-1", "m1", usage.MetricTokens))

	obs := []Observation{{AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens, Value: 16}}
	first := d.Detect(obs)
	if len(first) != 1 {
		t.Fatalf("Expected 1 anomaly, got %d", len(first))
	}

	// Commit a run of prior anomalies; the same observation now scores
	// higher through the frequency and recency components.
	d.Commit(context.Background(), first)
	d.Commit(context.Background(), d.Detect(obs))
	d.Commit(context.Background(), d.Detect(obs))

	repeat := d.Detect(obs)
	if len(repeat) != 1 {
		t.Fatalf("Expected 1 anomaly, got %d", len(repeat))
	}
	if repeat[0].Score <= first[0].Score {
		t.Errorf("Expected repeated deviation to score higher: first %v, repeat %v",
			first[0].Score, repeat[0].Score)
	}
}

func TestSeverityBuckets(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{10, SeverityLow},
		{30, SeverityLow},
		{31, SeverityMedium},
		{60, SeverityMedium},
		{61, SeverityHigh},
		{80, SeverityHigh},
		{81, SeverityCritical},
		{100, SeverityCritical},
	}
	for _, tt := range tests {
		if got := severityFromScore(tt.score); got != tt.want {
			t.Errorf("Expected severity %s for score %v, got %s", tt.want, tt.score, got)
		}
	}
}

// ============================================================================
// Scan and commit
// ============================================================================

func TestScanCommitsAndEmits(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeEvents{events: []*usage.Event{
		{ID: "e1", AgentID: "agent-1", Model: "m1", Tokens: 10000, CostUnits: 5, DurationMs: 100, Timestamp: now.Add(-time.Minute)},
	}}
	d := NewDetector(src, Config{})
	b := healthyBaseline("agent-1", "m1", usage.MetricTokens)
	b.Mean = 1000
	b.StdDev = 200
	b.Q1 = 900
	b.Q3 = 1100
	b.IQR = 200
	d.SetBaseline(b)

	found, err := d.Scan(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Expected 1 anomaly from scan, got %d", len(found))
	}
	if found[0].Metric != usage.MetricTokens {
		t.Errorf("Expected tokens anomaly, got %s", found[0].Metric)
	}

	select {
	case a := <-d.Anomalies():
		if a.ID != found[0].ID {
			t.Errorf("Expected emitted anomaly %s, got %s", found[0].ID, a.ID)
		}
	default:
		t.Error("Expected an anomaly on the channel after scan")
	}
}

// ============================================================================
// Baseline recompute
// ============================================================================

func TestRecomputeBaselines(t *testing.T) {
	now := time.Now().UTC()
	var events []*usage.Event
	// Two agents, 12 events each: enough samples per group.
	for _, agent := range []string{"agent-1", "agent-2"} {
		for i := 0; i < 12; i++ {
			events = append(events, &usage.Event{
				ID:         agent + "-" + string(rune('a'+i)),
				AgentID:    agent,
				Model:      "m1",
				Tokens:     int64(1000 + i*10),
				CostUnits:  1,
				DurationMs: 100,
				Timestamp:  now.Add(-time.Duration(i) * time.Hour),
			})
		}
	}
	d := NewDetector(&fakeEvents{events: events}, Config{RecomputeWorkers: 2})

	report, err := d.RecomputeBaselines(context.Background())
	if err != nil {
		t.Fatalf("RecomputeBaselines failed: %v", err)
	}
	// 2 agents x 3 baseline metrics.
	if report.Groups != 6 {
		t.Errorf("Expected 6 groups, got %d", report.Groups)
	}
	if report.Computed != 6 {
		t.Errorf("Expected 6 baselines computed, got %d", report.Computed)
	}
	if report.Truncated {
		t.Error("Expected a complete run")
	}

	b, ok := d.BaselineFor("agent-1", "m1", usage.MetricTokens)
	if !ok {
		t.Fatal("Expected a tokens baseline for agent-1")
	}
	if b.SampleSize != 12 {
		t.Errorf("Expected sample size 12, got %d", b.SampleSize)
	}
	if b.Mean < 1000 || b.Mean > 1110 {
		t.Errorf("Expected mean near 1055, got %v", b.Mean)
	}
	if b.IQR <= 0 {
		t.Errorf("Expected positive IQR, got %v", b.IQR)
	}
	if b.WindowDays != 7 {
		t.Errorf("Expected default 7-day window, got %d", b.WindowDays)
	}
}

// ============================================================================
// Spike analysis
// ============================================================================

func TestAnalyzeSpikes(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeEvents{events: []*usage.Event{
		{ID: "e1", AgentID: "agent-1", Model: "m1", Tokens: 1000, Timestamp: now.Add(-3 * time.Hour)},
		{ID: "e2", AgentID: "agent-1", Model: "m1", Tokens: 1050, Timestamp: now.Add(-2 * time.Hour)},
		{ID: "e3", AgentID: "agent-1", Model: "m1", Tokens: 9000, Timestamp: now.Add(-time.Hour)},
	}}
	d := NewDetector(src, Config{})
	d.SetBaseline(Baseline{
		AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens,
		Mean: 1000, Median: 1000, StdDev: 100,
		Q1: 950, Q3: 1050, IQR: 100,
		SampleSize: 30, WindowDays: 7, LastUpdated: now,
	})

	report, err := d.AnalyzeSpikes(context.Background(), "agent-1", usage.MetricTokens, now.Add(-4*time.Hour), now)
	if err != nil {
		t.Fatalf("AnalyzeSpikes failed: %v", err)
	}
	if report.SampleSize != 3 {
		t.Errorf("Expected 3 samples, got %d", report.SampleSize)
	}
	if report.Peak != 9000 {
		t.Errorf("Expected peak 9000, got %v", report.Peak)
	}
	if len(report.Anomalies) != 1 {
		t.Fatalf("Expected 1 anomaly in report, got %d", len(report.Anomalies))
	}
	if report.Anomalies[0].Severity != SeverityCritical {
		t.Errorf("Expected critical spike, got %s", report.Anomalies[0].Severity)
	}
	if report.Baseline == nil {
		t.Error("Expected report to carry the baseline")
	}
}

func TestAnalyzeSpikesMixedModelsReportsDominantBaseline(t *testing.T) {
	now := time.Now().UTC()
	src := &fakeEvents{events: []*usage.Event{
		{ID: "e1", AgentID: "agent-1", Model: "m2", Tokens: 500, Timestamp: now.Add(-4 * time.Hour)},
		{ID: "e2", AgentID: "agent-1", Model: "m1", Tokens: 1000, Timestamp: now.Add(-3 * time.Hour)},
		{ID: "e3", AgentID: "agent-1", Model: "m1", Tokens: 1050, Timestamp: now.Add(-2 * time.Hour)},
		{ID: "e4", AgentID: "agent-1", Model: "m1", Tokens: 1020, Timestamp: now.Add(-time.Hour)},
	}}
	d := NewDetector(src, Config{})
	d.SetBaseline(Baseline{
		AgentID: "agent-1", Model: "m1", Metric: usage.MetricTokens,
		Mean: 1000, StdDev: 100, Q1: 950, Q3: 1050, IQR: 100,
		SampleSize: 30, WindowDays: 7, LastUpdated: now,
	})
	d.SetBaseline(Baseline{
		AgentID: "agent-1", Model: "m2", Metric: usage.MetricTokens,
		Mean: 500, StdDev: 50, Q1: 475, Q3: 525, IQR: 50,
		SampleSize: 30, WindowDays: 7, LastUpdated: now,
	})

	report, err := d.AnalyzeSpikes(context.Background(), "agent-1", usage.MetricTokens, now.Add(-5*time.Hour), now)
	if err != nil {
		t.Fatalf("AnalyzeSpikes failed: %v", err)
	}
	if report.Baseline == nil {
		t.Fatal("Expected report to carry a baseline")
	}
	// m1 has 3 of the 4 observations; its baseline must be the one
	// shown regardless of which model appears first in the range.
	if report.Baseline.Model != "m1" {
		t.Errorf("Expected dominant model m1 baseline, got %q", report.Baseline.Model)
	}
}

func TestDominantModelBreaksTiesByName(t *testing.T) {
	got := dominantModel(map[string]int{"m2": 2, "m1": 2, "m3": 1})
	if got != "m1" {
		t.Errorf("Expected tie to break to m1, got %q", got)
	}
}

func TestAnalyzeSpikesValidation(t *testing.T) {
	d := NewDetector(&fakeEvents{}, Config{})
	now := time.Now()

	if _, err := d.AnalyzeSpikes(context.Background(), "", usage.MetricTokens, now.Add(-time.Hour), now); err == nil {
		t.Error("Expected error for empty agent id")
	}
	if _, err := d.AnalyzeSpikes(context.Background(), "agent-1", "watts", now.Add(-time.Hour), now); err == nil {
		t.Error("Expected error for unknown metric")
	}
	if _, err := d.AnalyzeSpikes(context.Background(), "agent-1", usage.MetricTokens, now, now); err == nil {
		t.Error("Expected error for empty range")
	}
}
