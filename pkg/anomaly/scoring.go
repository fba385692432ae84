package anomaly

import (
	"math"
	"time"

	"github.com/helioshq/helios/pkg/usage"
)

// Score component ceilings. The four components are additive and cap
// the total at 100.
const (
	magnitudeMax = 40.0
	frequencyMax = 20.0
	impactMax    = 30.0
	recencyMax   = 10.0
)

// fullConfidenceSamples is the sample size at which confidence reaches
// 1.0.
const fullConfidenceSamples = 20

// defaultImpactScales are the absolute deltas at which the impact
// component saturates, per metric.
var defaultImpactScales = map[usage.Metric]float64{
	usage.MetricTokens:   10000,
	usage.MetricCost:     100,
	usage.MetricCalls:    100,
	usage.MetricDuration: 60000,
}

// scoreInput carries everything the scorer needs about one flagged
// observation.
type scoreInput struct {
	zScore      float64
	iqrExcess   float64 // distance beyond the violated fence, in IQR units
	absDelta    float64 // |observed - mean|
	metric      usage.Metric
	recentCount int           // anomalies for this (agent, metric) in the frequency window
	sinceLast   time.Duration // time since the previous anomaly; negative when none
}

// magnitudeComponent scales the statistical distance into [0, 40].
// A z-score of 5 saturates; when the z-score is unavailable the IQR
// fence excess stands in.
func magnitudeComponent(zScore, iqrExcess float64) float64 {
	z := math.Abs(zScore)
	if z > 0 {
		return math.Min(magnitudeMax, z/5*magnitudeMax)
	}
	if iqrExcess > 0 {
		// One full IQR beyond the fence scores like z=3.
		return math.Min(magnitudeMax, (2+iqrExcess*3)/5*magnitudeMax)
	}
	return 0
}

// frequencyComponent rewards repeated deviation: each recent anomaly
// for the same agent and metric adds 4 points up to the cap.
func frequencyComponent(recentCount int) float64 {
	return math.Min(frequencyMax, float64(recentCount)*4)
}

// impactComponent scales the absolute delta, so a 2x jump on a tiny
// spend scores lower than the same relative jump on a large one.
func impactComponent(absDelta float64, metric usage.Metric) float64 {
	scale, ok := defaultImpactScales[metric]
	if !ok || scale <= 0 {
		return 0
	}
	return math.Min(impactMax, absDelta/scale*impactMax)
}

// recencyComponent decays linearly from 10 to 0 over 24 hours since
// the previous anomaly for the group.
func recencyComponent(sinceLast time.Duration) float64 {
	if sinceLast < 0 {
		return 0
	}
	frac := 1 - sinceLast.Hours()/24
	if frac <= 0 {
		return 0
	}
	return recencyMax * frac
}

func computeScore(in scoreInput) float64 {
	score := magnitudeComponent(in.zScore, in.iqrExcess) +
		frequencyComponent(in.recentCount) +
		impactComponent(in.absDelta, in.metric) +
		recencyComponent(in.sinceLast)
	return math.Min(100, score)
}

// confidence ramps linearly with sample size, reaching 1.0 at 20
// samples. Surfaced separately from severity.
func confidence(sampleSize int) float64 {
	if sampleSize >= fullConfidenceSamples {
		return 1.0
	}
	if sampleSize <= 0 {
		return 0
	}
	return float64(sampleSize) / fullConfidenceSamples
}

// severityFromScore buckets the 0-100 score.
func severityFromScore(score float64) Severity {
	switch {
	case score > 80:
		return SeverityCritical
	case score > 60:
		return SeverityHigh
	case score > 30:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// severityFromZ maps the z-score thresholds directly: a five-sigma
// deviation is critical regardless of the composite score.
func severityFromZ(z float64) Severity {
	z = math.Abs(z)
	switch {
	case z >= 5:
		return SeverityCritical
	case z >= 3:
		return SeverityMedium
	case z >= 2:
		return SeverityLow
	default:
		return ""
	}
}
