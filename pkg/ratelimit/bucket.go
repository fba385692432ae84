package ratelimit

import "time"

// bucket is a token bucket with continuous refill plus a one-time
// burst reserve. The reserve is drawn only when the base bucket is
// empty and is restored only after a full idle window. Callers hold
// the owning agent's lock; bucket itself is not synchronized.
type bucket struct {
	capacity float64
	window   time.Duration
	burstMax float64

	tokens     float64
	burst      float64
	lastRefill time.Time
	lastTake   time.Time
}

func newBucket(capacity, burst int, window time.Duration, now time.Time) *bucket {
	return &bucket{
		capacity:   float64(capacity),
		window:     window,
		burstMax:   float64(burst),
		tokens:     float64(capacity),
		burst:      float64(burst),
		lastRefill: now,
		lastTake:   now.Add(-window),
	}
}

// refill advances the bucket to now. The base bucket gains
// capacity/window tokens per unit time; the burst reserve is restored
// in full once the bucket has been idle for a whole window.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.capacity / b.window.Seconds()
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	if b.burst < b.burstMax && now.Sub(b.lastTake) >= b.window {
		b.burst = b.burstMax
	}
}

// available reports whether one call could be admitted right now.
// Call refill first.
func (b *bucket) available() bool {
	return b.tokens >= 1 || b.burst >= 1
}

// take consumes one call. Call refill first and check available; take
// on an empty bucket is a programming error and silently floors at
// zero.
func (b *bucket) take(now time.Time) {
	switch {
	case b.tokens >= 1:
		b.tokens--
	case b.burst >= 1:
		b.burst--
	}
	b.lastTake = now
}

// remaining is the number of whole calls admissible right now,
// counting the burst reserve.
func (b *bucket) remaining() int {
	return int(b.tokens) + int(b.burst)
}

// retryAfter is the time until the base bucket refills one token.
// Burst credits are ignored: they only return after a full idle
// window, which a caller actively retrying will never reach.
func (b *bucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	seconds := deficit * b.window.Seconds() / b.capacity
	return time.Duration(seconds * float64(time.Second))
}
