package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LimiterConfig configures a limiter.
type LimiterConfig struct {
	// Default is applied to agents with no explicit configuration.
	// A zero Default leaves unconfigured agents unlimited.
	Default Config

	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

// Limiter answers admit/deny per agent. Safe for concurrent use; each
// agent's state has its own lock so checks for different agents never
// contend.
type Limiter struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	def    Config
	clock  func() time.Time
	logger *slog.Logger
}

type agentState struct {
	mu     sync.Mutex
	cfg    Config
	minute *bucket
	hour   *bucket
}

// NewLimiter creates a rate limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Limiter{
		agents: make(map[string]*agentState),
		def:    cfg.Default,
		clock:  cfg.Clock,
		logger: slog.Default().With("component", "ratelimit"),
	}
}

// Configure installs (or replaces) an agent's limits. New buckets
// start full; in-flight consumption against the old limits is
// discarded.
func (l *Limiter) Configure(agentID string, cfg Config) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := l.clock()
	st := &agentState{cfg: cfg}
	if cfg.MaxPerMinute > 0 {
		st.minute = newBucket(cfg.MaxPerMinute, cfg.BurstPerMinute, time.Minute, now)
	}
	if cfg.MaxPerHour > 0 {
		st.hour = newBucket(cfg.MaxPerHour, cfg.BurstPerHour, time.Hour, now)
	}

	l.mu.Lock()
	l.agents[agentID] = st
	l.mu.Unlock()

	l.logger.Info("rate limits configured", "agent_id", agentID,
		"per_minute", cfg.MaxPerMinute, "per_hour", cfg.MaxPerHour)
	return nil
}

// Remove drops an agent's limits. Subsequent checks fall back to the
// default configuration.
func (l *Limiter) Remove(agentID string) {
	l.mu.Lock()
	delete(l.agents, agentID)
	l.mu.Unlock()
}

// CheckAndAdmit attempts to admit one call for the agent. A call must
// pass both the per-minute and the per-hour bucket; the check and
// consumption happen atomically under the agent's lock, and nothing is
// consumed on denial.
func (l *Limiter) CheckAndAdmit(agentID string) Admission {
	st := l.state(agentID)
	if st == nil {
		// Unlimited: no configuration for this agent and no default.
		return Admission{Allowed: true, Remaining: -1}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock()
	if st.minute != nil {
		st.minute.refill(now)
	}
	if st.hour != nil {
		st.hour.refill(now)
	}

	if st.minute != nil && !st.minute.available() {
		return Admission{
			RetryAfter:     st.minute.retryAfter(),
			LimitingFactor: FactorPerMinute,
			Remaining:      0,
		}
	}
	if st.hour != nil && !st.hour.available() {
		return Admission{
			RetryAfter:     st.hour.retryAfter(),
			LimitingFactor: FactorPerHour,
			Remaining:      0,
		}
	}

	if st.minute != nil {
		st.minute.take(now)
	}
	if st.hour != nil {
		st.hour.take(now)
	}

	adm := Admission{Allowed: true, Remaining: -1}
	if st.minute != nil {
		adm.Remaining = st.minute.remaining()
		adm.LimitingFactor = FactorPerMinute
	}
	if st.hour != nil && (adm.Remaining < 0 || st.hour.remaining() < adm.Remaining) {
		adm.Remaining = st.hour.remaining()
		adm.LimitingFactor = FactorPerHour
	}
	return adm
}

// Status returns the agent's configuration and current headroom
// without consuming anything.
func (l *Limiter) Status(agentID string) (Config, Admission) {
	st := l.state(agentID)
	if st == nil {
		return Config{}, Admission{Allowed: true, Remaining: -1}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock()
	adm := Admission{Allowed: true, Remaining: -1}
	if st.minute != nil {
		st.minute.refill(now)
		adm.Remaining = st.minute.remaining()
		adm.LimitingFactor = FactorPerMinute
	}
	if st.hour != nil {
		st.hour.refill(now)
		if adm.Remaining < 0 || st.hour.remaining() < adm.Remaining {
			adm.Remaining = st.hour.remaining()
			adm.LimitingFactor = FactorPerHour
		}
	}
	adm.Allowed = adm.Remaining != 0
	return st.cfg, adm
}

// state finds the agent's state, lazily installing the default
// configuration for unseen agents when one is set.
func (l *Limiter) state(agentID string) *agentState {
	l.mu.RLock()
	st, ok := l.agents[agentID]
	l.mu.RUnlock()
	if ok {
		return st
	}
	if l.def == (Config{}) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.agents[agentID]; ok {
		return st
	}
	now := l.clock()
	st = &agentState{cfg: l.def}
	if l.def.MaxPerMinute > 0 {
		st.minute = newBucket(l.def.MaxPerMinute, l.def.BurstPerMinute, time.Minute, now)
	}
	if l.def.MaxPerHour > 0 {
		st.hour = newBucket(l.def.MaxPerHour, l.def.BurstPerHour, time.Hour, now)
	}
	l.agents[agentID] = st
	return st
}
