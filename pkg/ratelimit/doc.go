// Package ratelimit bounds agent call frequency with token buckets.
//
// Each agent carries two independent buckets, per-minute and per-hour,
// and a call must pass both to be admitted. The base capacity refills
// continuously; a separate one-time burst allowance is spent only when
// the base bucket is empty and is restored only after the agent has
// been idle for a full window.
//
// Admission checks are O(1): the limiter keeps counters, never event
// history. Denials carry a retry-after hint and name the bucket that
// denied.
package ratelimit
