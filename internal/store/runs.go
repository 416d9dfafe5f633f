// Package store keeps the history of job runs in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sourceplane/marketsync/internal/model"
)

var ErrRunNotFound = errors.New("run not found")

// fixed-width so lexical order in SQL matches chronological order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunStore persists JobRun records
type RunStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and creates when missing) the run database at path
func Open(path string) (*RunStore, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	// one writer keeps SQLite free of "database is locked" under parallel jobs
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping run store: %w", err)
	}

	s := &RunStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *RunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *RunStore) createTables() error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			family TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			error TEXT,
			commit_hash TEXT
		)
	`
	if _, err := s.db.Exec(runsTable); err != nil {
		return fmt.Errorf("failed to create job_runs table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_runs_family ON job_runs (family, started_at)`); err != nil {
		return fmt.Errorf("failed to create job_runs index: %w", err)
	}
	return nil
}

// UpsertRun inserts or updates a run record
func (s *RunStore) UpsertRun(ctx context.Context, run model.JobRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run ID is required")
	}
	if run.Family == "" {
		return errors.New("run family is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, event_id, family, trigger_kind, status, started_at, ended_at, error, commit_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			error = excluded.error,
			commit_hash = excluded.commit_hash
	`,
		run.ID, run.EventID, string(run.Family), string(run.Trigger), string(run.Status),
		formatTime(run.StartedAt), nullableTime(run.EndedAt), nullableString(run.Error), nullableString(run.Commit),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one run by ID
func (s *RunStore) GetRun(ctx context.Context, id string) (*model.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, family, trigger_kind, status, started_at, ended_at, error, commit_hash
		FROM job_runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the newest runs first, optionally for one family
func (s *RunStore) ListRuns(ctx context.Context, family model.Family, limit int) ([]model.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, event_id, family, trigger_kind, status, started_at, ended_at, error, commit_hash
		FROM job_runs`
	args := []interface{}{}
	if family != "" {
		query += ` WHERE family = ?`
		args = append(args, string(family))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.JobRun, error) {
	var (
		run                         model.JobRun
		family, trigger, status     string
		startedAt                   string
		endedAt, errMsg, commitHash sql.NullString
	)
	if err := row.Scan(&run.ID, &run.EventID, &family, &trigger, &status, &startedAt, &endedAt, &errMsg, &commitHash); err != nil {
		return nil, err
	}

	run.Family = model.Family(family)
	run.Trigger = model.EventKind(trigger)
	run.Status = model.RunStatus(status)
	run.Error = errMsg.String
	run.Commit = commitHash.String

	var err error
	if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at for run %s: %w", run.ID, err)
	}
	if endedAt.Valid && endedAt.String != "" {
		if run.EndedAt, err = time.Parse(timeLayout, endedAt.String); err != nil {
			return nil, fmt.Errorf("invalid ended_at for run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
