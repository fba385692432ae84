package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/helioshq/helios/pkg/usage"
)

// SQLiteConfig contains configuration for the SQLite event store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/usage.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStore is a durable append-only event store backed by SQLite in
// WAL mode. Rows carry a derived (agent_id, day) partition key so windowed
// per-agent queries and retention pruning hit a composite index instead of
// scanning the full log.
type SQLiteStore struct {
	db         *sql.DB
	config     *SQLiteConfig
	insertStmt *sql.Stmt
	queryStmt  *sql.Stmt
	allStmt    *sql.Stmt
	pruneStmt  *sql.Stmt
	logger     *slog.Logger
}

// NewSQLiteStore opens (or creates) the event database at the configured
// path and prepares the statement set.
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStore{
		db:     db,
		config: config,
		logger: slog.Default().With("component", "usage.storage.sqlite"),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize enables WAL mode and creates the schema and statements.
func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		day TEXT NOT NULL,
		model TEXT NOT NULL,
		tokens INTEGER NOT NULL,
		cost_units REAL NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_agent_day ON usage_events(agent_id, day);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_events(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var err error
	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO usage_events (id, agent_id, day, model, tokens, cost_units, duration_ms, outcome, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}

	s.queryStmt, err = s.db.Prepare(`
		SELECT id, agent_id, model, tokens, cost_units, duration_ms, outcome, timestamp
		FROM usage_events
		WHERE agent_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	s.allStmt, err = s.db.Prepare(`
		SELECT id, agent_id, model, tokens, cost_units, duration_ms, outcome, timestamp
		FROM usage_events
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY agent_id ASC, timestamp ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare query-all: %w", err)
	}

	s.pruneStmt, err = s.db.Prepare(`
		DELETE FROM usage_events WHERE timestamp < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare prune: %w", err)
	}

	return nil
}

// Insert appends an event, retrying transient failures with bounded
// jittered backoff. Constraint violations are not retried.
func (s *SQLiteStore) Insert(ctx context.Context, event *usage.Event) error {
	day := event.Timestamp.UTC().Format("2006-01-02")

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := s.insertStmt.ExecContext(ctx,
			event.ID,
			event.AgentID,
			day,
			event.Model,
			event.Tokens,
			event.CostUnits,
			event.DurationMs,
			string(event.Outcome),
			event.Timestamp.UnixMicro(),
		)
		if err == nil {
			return nil
		}
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, event.ID)
		}
		lastErr = err
		s.logger.Warn("event insert failed, retrying",
			"attempt", attempt+1,
			"error", err,
		)
	}

	return fmt.Errorf("failed to insert event after %d attempts: %w", retryAttempts, lastErr)
}

// Query returns events for an agent within [from, to).
func (s *SQLiteStore) Query(ctx context.Context, agentID string, from, to time.Time) ([]*usage.Event, error) {
	rows, err := s.queryStmt.QueryContext(ctx, agentID, from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// QueryAll returns events across all agents within [from, to).
func (s *SQLiteStore) QueryAll(ctx context.Context, from, to time.Time) ([]*usage.Event, error) {
	rows, err := s.allStmt.QueryContext(ctx, from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Prune deletes events older than the cutoff and returns the count.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.pruneStmt.ExecContext(ctx, olderThan.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.insertStmt, s.queryStmt, s.allStmt, s.pruneStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

// scanEvents converts result rows into events.
func scanEvents(rows *sql.Rows) ([]*usage.Event, error) {
	var out []*usage.Event
	for rows.Next() {
		var (
			ev      usage.Event
			outcome string
			tsMicro int64
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Model, &ev.Tokens, &ev.CostUnits, &ev.DurationMs, &outcome, &tsMicro); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Outcome = usage.Outcome(outcome)
		ev.Timestamp = time.UnixMicro(tsMicro).UTC()
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

// isConstraintViolation reports whether the error is a SQLite constraint
// failure (duplicate primary key).
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
