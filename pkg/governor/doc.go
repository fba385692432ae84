// Package governor wires the resource governance components into one
// facade: the usage ledger, budget ledger, rate limiter, anomaly
// detector, policy resolver, and alert router. Callers go through the
// Governor for every hot-path decision; background event pumps move
// threshold crossings and committed anomalies into the alert router.
//
// Components are constructed once at startup and injected. The
// governor owns none of their state; it coordinates them and applies
// resolved policies to the budget ledger and rate limiter off the hot
// path.
package governor
