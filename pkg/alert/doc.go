// Package alert routes anomaly and budget threshold notifications to
// delivery channels.
//
// A route maps a severity to a set of sinks plus per-route rate caps.
// Identical alerts, keyed by agent, metric, and severity, are
// deduplicated within a configurable window so a sustained anomaly
// produces one notification stream rather than a flood. Delivery fans
// out per sink; one sink's failure never blocks the others.
//
// Sinks implement a small interface instead of callbacks, keeping
// dynamic code out of the alerting path. Shipped sinks log through
// slog, POST to a webhook, and append JSON lines to a file.
package alert
