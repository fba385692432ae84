// Package anomaly detects unusual agent resource consumption against
// statistical baselines.
//
// A baseline summarizes recent normal behavior for one (agent, model,
// metric) group: mean, median, standard deviation, and quartiles over
// a rolling window. Baselines are recomputed in batch, grouped per key
// and fanned out across a bounded worker pool.
//
// Detection applies two methods to each observation: a z-score against
// the baseline mean, and interquartile-range fences as a corroborating
// signal robust to skewed distributions. Groups below the minimum
// sample size produce no verdict rather than a false anomaly.
//
// Each anomaly carries a 0-100 score assembled from magnitude,
// frequency, impact, and recency components, a severity bucket derived
// from the score, and a confidence value that scales with sample size
// and is surfaced separately from severity.
package anomaly
