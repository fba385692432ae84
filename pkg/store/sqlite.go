package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteConfig configures the SQLite state store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLiteStore implements Store using SQLite for persistence. Every write
// appends to a versions table; the current version is resolved by the
// maximum version per key. SQLite runs in WAL mode with a single writer
// connection, so Update's read-modify-write cycle is serialized by the
// store-level mutex.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex

	putStmt     *sql.Stmt
	getStmt     *sql.Stmt
	listStmt    *sql.Stmt
	historyStmt *sql.Stmt
	deleteStmt  *sql.Stmt
}

// NewSQLiteStore opens (or creates) the state database at the given path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state_versions (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_state_kind ON state_versions(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.putStmt, err = s.db.Prepare(`
		INSERT INTO state_versions (kind, id, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare put statement: %w", err)
	}

	s.getStmt, err = s.db.Prepare(`
		SELECT kind, id, version, data, created_at, updated_at
		FROM state_versions
		WHERE kind = ? AND id = ?
		ORDER BY version DESC
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`
		SELECT v.kind, v.id, v.version, v.data, v.created_at, v.updated_at
		FROM state_versions v
		INNER JOIN (
			SELECT kind, id, MAX(version) AS version
			FROM state_versions
			WHERE kind = ?
			GROUP BY kind, id
		) latest ON v.kind = latest.kind AND v.id = latest.id AND v.version = latest.version
		ORDER BY v.id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.historyStmt, err = s.db.Prepare(`
		SELECT kind, id, version, data, created_at, updated_at
		FROM state_versions
		WHERE kind = ? AND id = ?
		ORDER BY version ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare history statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`
		DELETE FROM state_versions WHERE kind = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	return nil
}

// Put writes a payload, creating the key or bumping its version.
func (s *SQLiteStore) Put(ctx context.Context, kind, id string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(ctx, kind, id, data)
}

func (s *SQLiteStore) putLocked(ctx context.Context, kind, id string, data []byte) (int64, error) {
	if kind == "" || id == "" {
		return 0, fmt.Errorf("kind and id are required")
	}

	now := time.Now().UTC()
	version := int64(1)
	createdAt := now

	current, err := s.getLocked(ctx, kind, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if current != nil {
		version = current.Version + 1
		createdAt = current.CreatedAt
	}

	_, err = s.putStmt.ExecContext(ctx, kind, id, version, data, createdAt.UnixMicro(), now.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	return version, nil
}

// Get returns the current record for a key.
func (s *SQLiteStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, kind, id)
}

func (s *SQLiteStore) getLocked(ctx context.Context, kind, id string) (*Record, error) {
	rec, err := scanRecord(s.getStmt.QueryRowContext(ctx, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

// List returns all current records of a kind, ordered by id.
func (s *SQLiteStore) List(ctx context.Context, kind string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.listStmt.QueryContext(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Update atomically applies fn to the key's current payload.
func (s *SQLiteStore) Update(ctx context.Context, kind, id string, fn UpdateFunc) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	rec, err := s.getLocked(ctx, kind, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if rec != nil {
		current = rec.Data
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	if _, err := s.putLocked(ctx, kind, id, next); err != nil {
		return nil, err
	}
	return s.getLocked(ctx, kind, id)
}

// History returns all versions of a key, oldest first.
func (s *SQLiteStore) History(ctx context.Context, kind, id string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.historyStmt.QueryContext(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return records, nil
}

// Delete removes a key and its history.
func (s *SQLiteStore) Delete(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.deleteStmt.ExecContext(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.putStmt, s.getStmt, s.listStmt, s.historyStmt, s.deleteStmt} {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&rec.Kind, &rec.ID, &rec.Version, &rec.Data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMicro(createdAt).UTC()
	rec.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return out, nil
}
