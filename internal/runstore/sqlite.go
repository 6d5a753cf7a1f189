package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-based run store.
// Use ":memory:" for in-memory storage, or a file path for persistence.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		repository TEXT NOT NULL,
		event TEXT NOT NULL,
		ref TEXT,
		concurrency_group TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		duration_ms INTEGER,
		error TEXT,
		failed_step TEXT,
		steps BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces a run record.
func (s *SQLiteStore) Save(ctx context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stepsJSON, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
		(id, workflow, repository, event, ref, concurrency_group, status,
		 created_at, started_at, completed_at, duration_ms, error, failed_step, steps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Workflow, rec.Repository, rec.EventType, rec.Ref, rec.Group, rec.Status,
		rec.CreatedAt.Unix(), unixOrNil(rec.StartedAt), unixOrNil(rec.CompletedAt),
		rec.Duration.Milliseconds(), rec.Error, rec.FailedStep, stepsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

// Get retrieves a single run by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectColumns+" FROM runs WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recs, err := s.scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return &recs[0], nil
}

// List retrieves the most recent runs, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM runs ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.scanRuns(rows)
}

// ListByWorkflow retrieves the most recent runs for one workflow, newest first.
func (s *SQLiteStore) ListByWorkflow(ctx context.Context, workflow string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM runs WHERE workflow = ? ORDER BY created_at DESC, id LIMIT ?", workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.scanRuns(rows)
}

const selectColumns = `SELECT id, workflow, repository, event, ref, concurrency_group, status,
	created_at, started_at, completed_at, duration_ms, error, failed_step, steps`

func (s *SQLiteStore) scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	var recs []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			createdAt  int64
			startedAt  sql.NullInt64
			completed  sql.NullInt64
			durationMS int64
			stepsJSON  []byte
		)

		err := rows.Scan(&rec.ID, &rec.Workflow, &rec.Repository, &rec.EventType, &rec.Ref,
			&rec.Group, &rec.Status, &createdAt, &startedAt, &completed, &durationMS,
			&rec.Error, &rec.FailedStep, &stepsJSON)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		rec.CreatedAt = time.Unix(createdAt, 0)
		if startedAt.Valid {
			t := time.Unix(startedAt.Int64, 0)
			rec.StartedAt = &t
		}
		if completed.Valid {
			t := time.Unix(completed.Int64, 0)
			rec.CompletedAt = &t
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond

		if len(stepsJSON) > 0 {
			if err := json.Unmarshal(stepsJSON, &rec.Steps); err != nil {
				return nil, fmt.Errorf("unmarshal steps: %w", err)
			}
		}

		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
