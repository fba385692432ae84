package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder is the storage surface the ledger writes through. It is a
// subset of the storage.Store interface so tests can substitute fakes
// without pulling in a backend.
type Recorder interface {
	Insert(ctx context.Context, event *Event) error
}

// LedgerConfig contains configuration for the usage ledger.
type LedgerConfig struct {
	// RetentionWindow is how long observations are kept in memory for
	// hot-path aggregation. Default: 24 hours.
	RetentionWindow time.Duration

	// AsyncBuffer is the size of the async write channel. Default: 1000.
	AsyncBuffer int

	// WriteTimeout bounds each background store write. Default: 5 seconds.
	WriteTimeout time.Duration
}

// DefaultLedgerConfig returns the default ledger configuration.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		RetentionWindow: 24 * time.Hour,
		AsyncBuffer:     1000,
		WriteTimeout:    5 * time.Second,
	}
}

type seriesKey struct {
	agentID string
	metric  Metric
}

type observation struct {
	ts    time.Time
	value float64
}

// Ledger records usage events and serves windowed aggregates.
//
// Recording appends the event's observations to in-memory series (one per
// agent and metric) and hands the event to an async writer that persists
// it through the store. Aggregation over windows inside the retention
// span is served entirely from memory; wider windows fall back to the
// store.
type Ledger struct {
	store  Recorder
	config LedgerConfig
	logger *slog.Logger

	mu     sync.RWMutex
	series map[seriesKey][]observation

	eventCh   chan *Event
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Querier is the optional read surface of a store. When the ledger's
// Recorder also implements Querier, aggregation beyond the in-memory
// retention window is served from the store.
type Querier interface {
	Query(ctx context.Context, agentID string, from, to time.Time) ([]*Event, error)
}

// NewLedger creates a usage ledger writing through the given store.
func NewLedger(store Recorder, config LedgerConfig, logger *slog.Logger) *Ledger {
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = 24 * time.Hour
	}
	if config.AsyncBuffer <= 0 {
		config.AsyncBuffer = 1000
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "usage.ledger")
	}

	l := &Ledger{
		store:   store,
		config:  config,
		logger:  logger,
		series:  make(map[seriesKey][]observation),
		eventCh: make(chan *Event, config.AsyncBuffer),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.runWriter()

	return l
}

// Record validates and appends a usage event. The returned error is nil
// or a *ValidationError; storage failures surface through the async
// writer's logs, never to the recording caller.
func (l *Ledger) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return &ValidationError{Field: "event", Message: "is required"}
	}
	if err := event.Validate(); err != nil {
		return err
	}

	// Fill defaults on a copy; the caller's event stays untouched.
	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}

	l.appendObservations(&ev)

	// Hand off to the async writer. A full buffer falls back to a
	// synchronous write so events are never dropped.
	select {
	case l.eventCh <- &ev:
	default:
		l.persist(&ev)
	}

	return nil
}

// Aggregate returns the statistical summary of one metric for one agent
// over the trailing window. Windows inside the in-memory retention span
// are served from memory; wider windows query the store when it supports
// reads. An empty window yields a zero Aggregate.
func (l *Ledger) Aggregate(ctx context.Context, agentID string, metric Metric, window time.Duration) (Aggregate, error) {
	now := time.Now().UTC()
	return l.AggregateRange(ctx, agentID, metric, now.Add(-window), now)
}

// AggregateRange returns the summary over the explicit [from, to) range.
func (l *Ledger) AggregateRange(ctx context.Context, agentID string, metric Metric, from, to time.Time) (Aggregate, error) {
	if agentID == "" {
		return Aggregate{}, &ValidationError{Field: "agent_id", Message: "is required"}
	}
	if !ValidMetric(metric) {
		return Aggregate{}, &ValidationError{Field: "metric", Message: "is not a known metric"}
	}

	agg := Aggregate{AgentID: agentID, Metric: metric, From: from, To: to}

	values, covered := l.valuesInMemory(agentID, metric, from, to)
	if !covered {
		// The range reaches past the in-memory retention window; use the
		// durable log when the store supports reads.
		if querier, ok := l.store.(Querier); ok {
			events, err := querier.Query(ctx, agentID, from, to)
			if err != nil {
				return Aggregate{}, err
			}
			values = make([]float64, 0, len(events))
			for _, ev := range events {
				values = append(values, ev.Value(metric))
			}
		}
	}

	if len(values) == 0 {
		return agg, nil
	}

	s := Summarize(values)
	agg.Count = s.Count
	agg.Sum = s.Sum
	agg.Mean = s.Mean
	agg.StdDev = s.StdDev
	agg.P25 = s.P25
	agg.P50 = s.P50
	agg.P75 = s.P75
	return agg, nil
}

// Close stops the async writer after draining pending events.
// Close is idempotent.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
	return nil
}

// appendObservations feeds the in-memory series and prunes entries that
// fell out of the retention window.
func (l *Ledger) appendObservations(ev *Event) {
	cutoff := ev.Timestamp.Add(-l.config.RetentionWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, metric := range []Metric{MetricTokens, MetricCost, MetricCalls, MetricDuration} {
		key := seriesKey{agentID: ev.AgentID, metric: metric}
		obs := append(l.series[key], observation{ts: ev.Timestamp, value: ev.Value(metric)})

		// Prune from the front; observations arrive near-ordered.
		start := 0
		for start < len(obs) && obs[start].ts.Before(cutoff) {
			start++
		}
		l.series[key] = obs[start:]
	}
}

// valuesInMemory extracts series values for [from, to). The second return
// reports whether the range is fully covered by the retention window.
func (l *Ledger) valuesInMemory(agentID string, metric Metric, from, to time.Time) ([]float64, bool) {
	covered := !from.Before(time.Now().UTC().Add(-l.config.RetentionWindow))

	l.mu.RLock()
	defer l.mu.RUnlock()

	var values []float64
	for _, obs := range l.series[seriesKey{agentID: agentID, metric: metric}] {
		if !obs.ts.Before(from) && obs.ts.Before(to) {
			values = append(values, obs.value)
		}
	}
	return values, covered
}

// runWriter drains the event channel into the store.
func (l *Ledger) runWriter() {
	defer l.wg.Done()

	for {
		select {
		case ev := <-l.eventCh:
			l.persist(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.eventCh:
					l.persist(ev)
				default:
					return
				}
			}
		}
	}
}

// persist writes one event to the store with a bounded timeout.
func (l *Ledger) persist(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.WriteTimeout)
	defer cancel()

	if err := l.store.Insert(ctx, ev); err != nil {
		l.logger.Error("failed to persist usage event",
			"event_id", ev.ID,
			"agent_id", ev.AgentID,
			"error", err,
		)
	}
}
