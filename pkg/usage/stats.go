package usage

import (
	"math"
	"sort"
)

// Summary holds the descriptive statistics of one observation series.
// It is shared by ledger aggregation and anomaly baseline computation.
type Summary struct {
	Count  int64
	Sum    float64
	Mean   float64
	StdDev float64
	Median float64
	P25    float64
	P50    float64
	P75    float64
	Q1     float64
	Q3     float64
	IQR    float64
}

// Summarize computes descriptive statistics over the given observations.
// The input slice is not modified. An empty input yields the zero Summary.
func Summarize(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	// Population standard deviation. Sample stddev would divide by n-1,
	// but baselines treat the window as the whole population.
	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n))

	q1 := quantileSorted(sorted, 0.25)
	q2 := quantileSorted(sorted, 0.50)
	q3 := quantileSorted(sorted, 0.75)

	return Summary{
		Count:  int64(n),
		Sum:    sum,
		Mean:   mean,
		StdDev: stddev,
		Median: q2,
		P25:    q1,
		P50:    q2,
		P75:    q3,
		Q1:     q1,
		Q3:     q3,
		IQR:    q3 - q1,
	}
}

// quantileSorted returns the q-quantile of an ascending-sorted series
// using linear interpolation between closest ranks.
func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}

	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
