package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for governor operations.
type Metrics struct {
	usageEvents *prometheus.CounterVec

	budgetChecks *prometheus.CounterVec
	budgetDenies *prometheus.CounterVec
	budgetUsage  *prometheus.GaugeVec

	rateLimitChecks *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec

	anomaliesDetected *prometheus.CounterVec
	scanDuration      prometheus.Histogram

	alertDeliveries *prometheus.CounterVec

	policySyncs       *prometheus.CounterVec
	policySyncChanged prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a Metrics instance registered on reg. Tests
// pass a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		usageEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_usage_events_total",
				Help: "Total number of usage events recorded",
			},
			[]string{"agent_id", "outcome"},
		),

		budgetChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_budget_checks_total",
				Help: "Total number of budget checks performed",
			},
			[]string{"metric", "result"},
		),

		budgetDenies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_budget_denials_total",
				Help: "Total number of budget denials",
			},
			[]string{"agent_id", "metric"},
		),

		budgetUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helios_budget_usage_ratio",
				Help: "Budget consumption as a fraction of the limit (0.0-1.0, may exceed 1.0 for warn-only budgets)",
			},
			[]string{"agent_id", "metric"},
		),

		rateLimitChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_ratelimit_checks_total",
				Help: "Total number of rate limit checks performed",
			},
			[]string{"result"},
		),

		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_ratelimit_denials_total",
				Help: "Total number of rate limit denials",
			},
			[]string{"agent_id", "limit_type"},
		),

		anomaliesDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_anomalies_detected_total",
				Help: "Total number of anomalies committed, by severity",
			},
			[]string{"severity"},
		),

		scanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "helios_anomaly_scan_duration_seconds",
				Help:    "Duration of anomaly scan runs",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),

		alertDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_alert_deliveries_total",
				Help: "Total number of alert routing outcomes",
			},
			[]string{"outcome"},
		),

		policySyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helios_policy_syncs_total",
				Help: "Total number of policy sync runs",
			},
			[]string{"mode"},
		),

		policySyncChanged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "helios_policy_sync_changes_total",
				Help: "Total number of effective policy changes committed by sync",
			},
		),
	}
}

// RecordUsageEvent increments the usage event counter.
func (m *Metrics) RecordUsageEvent(agentID, outcome string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(agentID, outcome).Inc()
}

// RecordBudgetCheck records a budget check outcome.
func (m *Metrics) RecordBudgetCheck(agentID, metric string, allowed bool, percentUsed float64) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
		m.budgetDenies.WithLabelValues(agentID, metric).Inc()
	}
	m.budgetChecks.WithLabelValues(metric, result).Inc()
	m.budgetUsage.WithLabelValues(agentID, metric).Set(percentUsed)
}

// RecordRateLimitCheck records a rate limit check outcome.
func (m *Metrics) RecordRateLimitCheck(agentID string, allowed bool, limitType string) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
		m.rateLimitHits.WithLabelValues(agentID, limitType).Inc()
	}
	m.rateLimitChecks.WithLabelValues(result).Inc()
}

// RecordAnomaly counts one committed anomaly.
func (m *Metrics) RecordAnomaly(severity string) {
	if m == nil {
		return
	}
	m.anomaliesDetected.WithLabelValues(severity).Inc()
}

// RecordScanDuration observes one anomaly scan run.
func (m *Metrics) RecordScanDuration(seconds float64) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(seconds)
}

// RecordAlertOutcome counts one alert routing result.
func (m *Metrics) RecordAlertOutcome(outcome string) {
	if m == nil {
		return
	}
	m.alertDeliveries.WithLabelValues(outcome).Inc()
}

// RecordPolicySync counts one sync run.
func (m *Metrics) RecordPolicySync(dryRun bool, changed int) {
	if m == nil {
		return
	}
	mode := "commit"
	if dryRun {
		mode = "dry-run"
	}
	m.policySyncs.WithLabelValues(mode).Inc()
	if !dryRun && changed > 0 {
		m.policySyncChanged.Add(float64(changed))
	}
}
