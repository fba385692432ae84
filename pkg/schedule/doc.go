// Package schedule runs the periodic maintenance jobs: budget period
// reset sweeps, baseline recomputation, usage event pruning, and alert
// dedup cleanup. Jobs are registered with standard cron expressions and
// run on a shared cron runner so correctness never depends on a read
// happening to land near a period boundary.
package schedule
