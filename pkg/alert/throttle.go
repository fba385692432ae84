package alert

import (
	"sync"
	"time"
)

// throttle enforces per-route hourly and daily delivery caps with
// rolling windows.
type throttle struct {
	mu     sync.Mutex
	hourly []time.Time
	daily  []time.Time
}

// allow records a delivery attempt and reports whether it fits under
// the caps. Zero caps are unlimited.
func (t *throttle) allow(now time.Time, maxPerHour, maxPerDay int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hourly = prune(t.hourly, now.Add(-time.Hour))
	t.daily = prune(t.daily, now.Add(-24*time.Hour))

	if maxPerHour > 0 && len(t.hourly) >= maxPerHour {
		return false
	}
	if maxPerDay > 0 && len(t.daily) >= maxPerDay {
		return false
	}
	t.hourly = append(t.hourly, now)
	t.daily = append(t.daily, now)
	return true
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	start := 0
	for start < len(stamps) && !stamps[start].After(cutoff) {
		start++
	}
	return stamps[start:]
}
