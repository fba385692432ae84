package anomaly

import (
	"errors"
	"fmt"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

// Severity classifies an anomaly by its score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for stricter-of comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Stricter returns the higher of two severities.
func Stricter(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Baseline is the statistical summary of recent normal behavior for
// one (agent, model, metric) group. Recomputed in batch from the usage
// log; never hand-edited.
type Baseline struct {
	AgentID string       `json:"agent_id"`
	Model   string       `json:"model"`
	Metric  usage.Metric `json:"metric"`

	Mean       float64   `json:"mean"`
	Median     float64   `json:"median"`
	StdDev     float64   `json:"stddev"`
	Q1         float64   `json:"q1"`
	Q3         float64   `json:"q3"`
	IQR        float64   `json:"iqr"`
	SampleSize int       `json:"sample_size"`
	WindowDays int       `json:"window_days"`

	LastUpdated time.Time `json:"last_updated"`
}

// Key returns the store identifier for this baseline's group.
func (b *Baseline) Key() string {
	return groupID(b.AgentID, b.Model, b.Metric)
}

func groupID(agentID, model string, metric usage.Metric) string {
	return fmt.Sprintf("%s/%s/%s", agentID, model, metric)
}

// Observation is one value to evaluate against its group's baseline.
type Observation struct {
	AgentID   string       `json:"agent_id"`
	Model     string       `json:"model"`
	Metric    usage.Metric `json:"metric"`
	Value     float64      `json:"value"`
	Timestamp time.Time    `json:"timestamp"`
}

// ObservationsFromAggregates projects windowed aggregates onto
// observations, evaluating each aggregate's mean.
func ObservationsFromAggregates(aggs []usage.Aggregate, model string) []Observation {
	out := make([]Observation, 0, len(aggs))
	for _, a := range aggs {
		if a.Count == 0 {
			continue
		}
		out = append(out, Observation{
			AgentID:   a.AgentID,
			Model:     model,
			Metric:    a.Metric,
			Value:     a.Mean,
			Timestamp: a.To,
		})
	}
	return out
}

// Detection method names carried on anomalies.
const (
	MethodZScore = "zscore"
	MethodIQR    = "iqr"
)

// Anomaly is a scored deviation from baseline. Immutable once created.
type Anomaly struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	AgentID   string       `json:"agent_id"`
	Model     string       `json:"model"`
	Metric    usage.Metric `json:"metric"`

	Severity   Severity `json:"severity"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`

	// Baseline is a snapshot of the baseline the observation was judged
	// against, so recipients can judge plausibility themselves.
	Baseline Baseline `json:"baseline"`
	Observed float64  `json:"observed"`

	// Deviation is the z-score of the observation. Zero when the
	// baseline's stddev was zero and only the IQR method fired.
	Deviation float64 `json:"deviation"`

	// Methods lists the detection methods that flagged the observation.
	Methods []string `json:"methods"`
}

// SpikeReport is an on-demand drill-down over one agent and metric.
type SpikeReport struct {
	AgentID string       `json:"agent_id"`
	Metric  usage.Metric `json:"metric"`
	From    time.Time    `json:"from"`
	To      time.Time    `json:"to"`

	SampleSize int     `json:"sample_size"`
	Peak       float64 `json:"peak"`
	Mean       float64 `json:"mean"`

	// Baseline is the group baseline the series was judged against.
	// Nil when no baseline exists for the group.
	Baseline *Baseline `json:"baseline,omitempty"`

	Anomalies []Anomaly `json:"anomalies"`
}

// RecomputeReport summarizes one baseline recomputation run.
type RecomputeReport struct {
	Groups   int           `json:"groups"`
	Computed int           `json:"computed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`

	// Truncated reports that the deadline expired before every group
	// was processed; the computed baselines are still committed.
	Truncated bool `json:"truncated"`
}

// ErrInsufficientData is the soft error for groups below the minimum
// sample size. Logged, never alerted.
var ErrInsufficientData = errors.New("insufficient data for anomaly detection")
