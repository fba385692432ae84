package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

// baselineMetrics are the dimensions baselines are maintained for.
var baselineMetrics = []usage.Metric{
	usage.MetricTokens,
	usage.MetricCost,
	usage.MetricDuration,
}

type group struct {
	agentID string
	model   string
	metric  usage.Metric
	values  []float64
}

// RecomputeBaselines rebuilds every group's baseline from the usage
// log. Events in the rolling window are grouped per (agent, model,
// metric) and the groups fan out across a bounded worker pool; the
// groups are independent, so the run parallelizes cleanly. The whole
// run is capped by the configured deadline: on expiry the baselines
// computed so far are committed and the report is marked truncated.
func (d *Detector) RecomputeBaselines(ctx context.Context) (RecomputeReport, error) {
	started := d.clock()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RecomputeDeadline)
	defer cancel()

	window := time.Duration(d.cfg.WindowDays) * 24 * time.Hour
	events, err := d.events.QueryAll(ctx, started.Add(-window), started)
	if err != nil {
		return RecomputeReport{}, fmt.Errorf("querying usage events: %w", err)
	}

	groups := groupEvents(events)
	report := RecomputeReport{Groups: len(groups)}

	jobs := make(chan *group)
	results := make(chan Baseline, len(groups))

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.RecomputeWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				results <- d.computeBaseline(g, started)
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, g := range groups {
		select {
		case jobs <- g:
			dispatched++
		case <-ctx.Done():
			report.Truncated = true
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	for b := range results {
		if b.SampleSize < d.cfg.MinimumSampleSize {
			report.Skipped++
		}
		d.SetBaseline(b)
		// Persist outside the deadline context: computed work is
		// committed even on a truncated run.
		d.persistBaseline(context.Background(), b)
		report.Computed++
	}

	report.Duration = d.clock().Sub(started)
	d.logger.Info("baseline recompute finished",
		"groups", report.Groups,
		"computed", report.Computed,
		"skipped", report.Skipped,
		"truncated", report.Truncated,
		"duration", report.Duration,
	)
	return report, nil
}

func groupEvents(events []*usage.Event) map[string]*group {
	groups := make(map[string]*group)
	for _, ev := range events {
		for _, metric := range baselineMetrics {
			key := groupID(ev.AgentID, ev.Model, metric)
			g, ok := groups[key]
			if !ok {
				g = &group{agentID: ev.AgentID, model: ev.Model, metric: metric}
				groups[key] = g
			}
			g.values = append(g.values, ev.Value(metric))
		}
	}
	return groups
}

func (d *Detector) computeBaseline(g *group, now time.Time) Baseline {
	s := usage.Summarize(g.values)
	return Baseline{
		AgentID:     g.agentID,
		Model:       g.model,
		Metric:      g.metric,
		Mean:        s.Mean,
		Median:      s.Median,
		StdDev:      s.StdDev,
		Q1:          s.Q1,
		Q3:          s.Q3,
		IQR:         s.IQR,
		SampleSize:  int(s.Count),
		WindowDays:  d.cfg.WindowDays,
		LastUpdated: now,
	}
}
