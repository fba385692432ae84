package alert

import (
	"context"
	"time"

	"github.com/helioshq/helios/pkg/anomaly"
	"github.com/helioshq/helios/pkg/budget"
	"github.com/helioshq/helios/pkg/usage"
)

// Kind distinguishes what triggered an alert.
type Kind string

const (
	// KindAnomaly marks alerts raised by the anomaly detector.
	KindAnomaly Kind = "anomaly"

	// KindThreshold marks alerts raised by budget threshold crossings.
	KindThreshold Kind = "threshold"
)

// Alert is one routed notification.
type Alert struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	AgentID   string           `json:"agent_id"`
	Metric    usage.Metric     `json:"metric"`
	Severity  anomaly.Severity `json:"severity"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`

	// Anomaly is set for KindAnomaly alerts: the full finding with its
	// baseline and observed values.
	Anomaly *anomaly.Anomaly `json:"anomaly,omitempty"`

	// Threshold is set for KindThreshold alerts.
	Threshold *budget.ThresholdEvent `json:"threshold,omitempty"`
}

// dedupKey is the identity used for duplicate suppression.
func (a *Alert) dedupKey() string {
	return a.AgentID + "/" + string(a.Metric) + "/" + string(a.Severity)
}

// Sink delivers alerts to one channel.
type Sink interface {
	// Name identifies the sink in routes and logs.
	Name() string

	// Deliver sends one alert. Implementations should honor the
	// context deadline.
	Deliver(ctx context.Context, alert *Alert) error
}

// TaskSink receives follow-up work items for routes that ask for them.
type TaskSink interface {
	// CreateTask opens a follow-up work item for an alert.
	CreateTask(ctx context.Context, alert *Alert) error
}

// Route describes how one severity is delivered.
type Route struct {
	// Channels names the sinks alerts fan out to.
	Channels []string `json:"channels" yaml:"channels"`

	// MaxPerHour and MaxPerDay cap deliveries on this route. Zero
	// disables the cap.
	MaxPerHour int `json:"max_per_hour" yaml:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day" yaml:"max_per_day"`

	// CreateTask opens a follow-up work item in addition to delivery.
	CreateTask bool `json:"create_task" yaml:"create_task"`
}

// DeliveryStatus summarizes one routing attempt.
type DeliveryStatus struct {
	AlertID string `json:"alert_id"`

	// Delivered lists the sinks that accepted the alert.
	Delivered []string `json:"delivered,omitempty"`

	// Failed maps sink names to their delivery errors.
	Failed map[string]string `json:"failed,omitempty"`

	// Suppressed is set when the alert was dropped before fan-out,
	// with the reason: "dedup", "throttled", or "no-route".
	Suppressed string `json:"suppressed,omitempty"`
}
