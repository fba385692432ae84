package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioshq/helios/pkg/store"
	"github.com/helioshq/helios/pkg/usage"
)

// EventSource is the usage log surface the detector reads. The usage
// storage backends satisfy it.
type EventSource interface {
	Query(ctx context.Context, agentID string, from, to time.Time) ([]*usage.Event, error)
	QueryAll(ctx context.Context, from, to time.Time) ([]*usage.Event, error)
}

// Config configures a detector.
type Config struct {
	// WindowDays is the rolling baseline window. Default: 7.
	WindowDays int

	// MinimumSampleSize is the floor below which a group produces no
	// verdict. Default: 10.
	MinimumSampleSize int

	// RecomputeWorkers bounds the baseline recompute pool. Default: 4.
	RecomputeWorkers int

	// RecomputeDeadline caps a whole recompute run. Default: 2 minutes.
	RecomputeDeadline time.Duration

	// FrequencyWindow is the lookback for the frequency score
	// component. Default: 24 hours.
	FrequencyWindow time.Duration

	// AnomalyBuffer is the capacity of the emitted anomaly channel.
	// Default: 128.
	AnomalyBuffer int

	// Store persists baselines and anomalies. Optional.
	Store store.Store

	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.WindowDays <= 0 {
		c.WindowDays = 7
	}
	if c.MinimumSampleSize <= 0 {
		c.MinimumSampleSize = 10
	}
	if c.RecomputeWorkers <= 0 {
		c.RecomputeWorkers = 4
	}
	if c.RecomputeDeadline <= 0 {
		c.RecomputeDeadline = 2 * time.Minute
	}
	if c.FrequencyWindow <= 0 {
		c.FrequencyWindow = 24 * time.Hour
	}
	if c.AnomalyBuffer <= 0 {
		c.AnomalyBuffer = 128
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Detector maintains baselines and evaluates observations against
// them. Safe for concurrent use.
type Detector struct {
	cfg    Config
	events EventSource
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	baselines map[string]Baseline
	history   map[string][]time.Time

	anomalies chan Anomaly
}

// NewDetector creates a detector reading the given usage log.
func NewDetector(events EventSource, cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:       cfg,
		events:    events,
		clock:     cfg.Clock,
		logger:    slog.Default().With("component", "anomaly"),
		baselines: make(map[string]Baseline),
		history:   make(map[string][]time.Time),
		anomalies: make(chan Anomaly, cfg.AnomalyBuffer),
	}
}

// Anomalies returns the channel of committed anomalies. Events are
// dropped when the channel is full.
func (d *Detector) Anomalies() <-chan Anomaly {
	return d.anomalies
}

// BaselineFor returns the current baseline for a group, if one exists.
func (d *Detector) BaselineFor(agentID, model string, metric usage.Metric) (Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.baselines[groupID(agentID, model, metric)]
	return b, ok
}

// SetBaseline installs a baseline directly. Recompute is the normal
// path; this exists for restore-from-store and tests.
func (d *Detector) SetBaseline(b Baseline) {
	d.mu.Lock()
	d.baselines[b.Key()] = b
	d.mu.Unlock()
}

// Detect evaluates observations against current baselines. It is a
// pure read over the detector's state: no baselines move, no history
// is recorded, nothing is emitted. Groups without a baseline or below
// the minimum sample size are skipped.
func (d *Detector) Detect(observations []Observation) []Anomaly {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Anomaly
	for _, obs := range observations {
		a, ok := d.evaluateLocked(obs)
		if !ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

// evaluateLocked judges one observation. Caller holds at least a read
// lock.
func (d *Detector) evaluateLocked(obs Observation) (Anomaly, bool) {
	b, ok := d.baselines[groupID(obs.AgentID, obs.Model, obs.Metric)]
	if !ok {
		return Anomaly{}, false
	}
	if b.SampleSize < d.cfg.MinimumSampleSize {
		d.logger.Debug("skipping group below minimum sample size",
			"agent_id", obs.AgentID, "metric", string(obs.Metric),
			"samples", b.SampleSize)
		return Anomaly{}, false
	}

	var methods []string
	var zScore float64
	if b.StdDev > 0 {
		zScore = (obs.Value - b.Mean) / b.StdDev
		if math.Abs(zScore) >= 2 {
			methods = append(methods, MethodZScore)
		}
	}

	var iqrExcess float64
	if b.IQR > 0 {
		lower := b.Q1 - 1.5*b.IQR
		upper := b.Q3 + 1.5*b.IQR
		switch {
		case obs.Value > upper:
			iqrExcess = (obs.Value - upper) / b.IQR
			methods = append(methods, MethodIQR)
		case obs.Value < lower:
			iqrExcess = (lower - obs.Value) / b.IQR
			methods = append(methods, MethodIQR)
		}
	}

	if len(methods) == 0 {
		return Anomaly{}, false
	}

	now := d.clock()
	hkey := historyKey(obs.AgentID, obs.Metric)
	recent, sinceLast := d.historyStatsLocked(hkey, now)

	score := computeScore(scoreInput{
		zScore:      zScore,
		iqrExcess:   iqrExcess,
		absDelta:    math.Abs(obs.Value - b.Mean),
		metric:      obs.Metric,
		recentCount: recent,
		sinceLast:   sinceLast,
	})
	severity := Stricter(severityFromScore(score), severityFromZ(zScore))

	ts := obs.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return Anomaly{
		ID:         uuid.New().String(),
		Timestamp:  ts,
		AgentID:    obs.AgentID,
		Model:      obs.Model,
		Metric:     obs.Metric,
		Severity:   severity,
		Score:      score,
		Confidence: confidence(b.SampleSize),
		Baseline:   b,
		Observed:   obs.Value,
		Deviation:  zScore,
		Methods:    methods,
	}, true
}

// historyStatsLocked returns the count of recorded anomalies for the
// group within the frequency window and the time since the latest one
// (negative when none).
func (d *Detector) historyStatsLocked(key string, now time.Time) (int, time.Duration) {
	cutoff := now.Add(-d.cfg.FrequencyWindow)
	count := 0
	var latest time.Time
	for _, ts := range d.history[key] {
		if ts.After(cutoff) {
			count++
		}
		if ts.After(latest) {
			latest = ts
		}
	}
	if latest.IsZero() {
		return count, -1
	}
	return count, now.Sub(latest)
}

// Commit records detected anomalies: history for the frequency and
// recency components, persistence, and the outbound channel.
func (d *Detector) Commit(ctx context.Context, anomalies []Anomaly) {
	if len(anomalies) == 0 {
		return
	}
	now := d.clock()
	cutoff := now.Add(-d.cfg.FrequencyWindow)

	d.mu.Lock()
	for _, a := range anomalies {
		key := historyKey(a.AgentID, a.Metric)
		kept := d.history[key][:0]
		for _, ts := range d.history[key] {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		d.history[key] = append(kept, a.Timestamp)
	}
	d.mu.Unlock()

	for _, a := range anomalies {
		d.persistAnomaly(ctx, a)
		select {
		case d.anomalies <- a:
		default:
			d.logger.Warn("anomaly dropped, channel full", "anomaly_id", a.ID)
		}
	}
}

// Scan evaluates recent usage against baselines and commits the
// findings. This is the periodic entry point.
func (d *Detector) Scan(ctx context.Context, window time.Duration) ([]Anomaly, error) {
	now := d.clock()
	events, err := d.events.QueryAll(ctx, now.Add(-window), now)
	if err != nil {
		return nil, fmt.Errorf("querying usage events: %w", err)
	}

	observations := make([]Observation, 0, len(events)*3)
	for _, ev := range events {
		for _, metric := range []usage.Metric{usage.MetricTokens, usage.MetricCost, usage.MetricDuration} {
			observations = append(observations, Observation{
				AgentID:   ev.AgentID,
				Model:     ev.Model,
				Metric:    metric,
				Value:     ev.Value(metric),
				Timestamp: ev.Timestamp,
			})
		}
	}

	found := d.Detect(observations)
	d.Commit(ctx, found)
	return found, nil
}

// LoadBaselines restores persisted baselines from the store.
func (d *Detector) LoadBaselines(ctx context.Context) error {
	if d.cfg.Store == nil {
		return nil
	}
	records, err := d.cfg.Store.List(ctx, store.KindBaseline)
	if err != nil {
		return fmt.Errorf("listing baselines: %w", err)
	}
	loaded := 0
	for _, rec := range records {
		var b Baseline
		if err := json.Unmarshal(rec.Data, &b); err != nil {
			d.logger.Warn("skipping unreadable baseline record", "id", rec.ID, "error", err)
			continue
		}
		d.SetBaseline(b)
		loaded++
	}
	d.logger.Info("baselines restored from store", "count", loaded)
	return nil
}

func (d *Detector) persistAnomaly(ctx context.Context, a Anomaly) {
	if d.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		d.logger.Error("marshaling anomaly", "anomaly_id", a.ID, "error", err)
		return
	}
	if _, err := d.cfg.Store.Put(ctx, store.KindAnomaly, a.ID, data); err != nil {
		d.logger.Error("persisting anomaly", "anomaly_id", a.ID, "error", err)
	}
}

func (d *Detector) persistBaseline(ctx context.Context, b Baseline) {
	if d.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		d.logger.Error("marshaling baseline", "key", b.Key(), "error", err)
		return
	}
	if _, err := d.cfg.Store.Put(ctx, store.KindBaseline, b.Key(), data); err != nil {
		d.logger.Error("persisting baseline", "key", b.Key(), "error", err)
	}
}

func historyKey(agentID string, metric usage.Metric) string {
	return agentID + "/" + string(metric)
}
