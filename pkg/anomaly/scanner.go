package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

// AnalyzeSpikes drills into one agent's series for a metric over an
// explicit time range, judging every event against the group baseline
// with the same scoring used by periodic scans. Nothing is committed:
// the report is for interactive inspection.
func (d *Detector) AnalyzeSpikes(ctx context.Context, agentID string, metric usage.Metric, from, to time.Time) (*SpikeReport, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if !usage.ValidMetric(metric) {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("time range is empty")
	}

	events, err := d.events.Query(ctx, agentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying usage events: %w", err)
	}

	report := &SpikeReport{
		AgentID: agentID,
		Metric:  metric,
		From:    from,
		To:      to,
	}

	observations := make([]Observation, 0, len(events))
	modelCounts := make(map[string]int)
	var sum float64
	for _, ev := range events {
		v := ev.Value(metric)
		sum += v
		if v > report.Peak {
			report.Peak = v
		}
		modelCounts[ev.Model]++
		observations = append(observations, Observation{
			AgentID:   agentID,
			Model:     ev.Model,
			Metric:    metric,
			Value:     v,
			Timestamp: ev.Timestamp,
		})
	}
	report.SampleSize = len(events)
	if report.SampleSize > 0 {
		report.Mean = sum / float64(report.SampleSize)
	}

	report.Anomalies = d.Detect(observations)

	// Anomalies are each judged against their own model's baseline;
	// the report-level snapshot shows the range's dominant model so
	// mixed-model ranges do not surface an arbitrary one.
	if model := dominantModel(modelCounts); model != "" {
		if b, ok := d.BaselineFor(agentID, model, metric); ok {
			report.Baseline = &b
		}
	}
	return report, nil
}

// dominantModel returns the model with the most observations, breaking
// ties by name so the choice is stable across runs.
func dominantModel(counts map[string]int) string {
	var model string
	var best int
	for m, n := range counts {
		if n > best || (n == best && (model == "" || m < model)) {
			model, best = m, n
		}
	}
	return model
}
