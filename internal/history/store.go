// Package history keeps a sqlite record of backup runs and recovery jobs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS run (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	database_name TEXT NOT NULL,
	files TEXT NOT NULL, -- JSON array
	status TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_run_started_at ON run(started_at);
CREATE INDEX IF NOT EXISTS idx_run_database ON run(database_name);
CREATE INDEX IF NOT EXISTS idx_run_status ON run(status);
`

// Kind is what a run did
type Kind string

const (
	KindFullBackup         Kind = "backup_full"
	KindDifferentialBackup Kind = "backup_differential"
	KindLogBackup          Kind = "backup_log"
	KindRecovery           Kind = "recovery"
)

// Status is the outcome of a run
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ErrNotFound is returned when a run id is unknown
var ErrNotFound = errors.New("run not found")

// Run is one recorded backup or recovery job
type Run struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Database      string     `json:"database"`
	Files         []string   `json:"files"`
	Status        Status     `json:"status"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Duration is the run time, or zero while the run is still going
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type runRow struct {
	ID            string       `db:"id"`
	Kind          string       `db:"kind"`
	Database      string       `db:"database_name"`
	Files         string       `db:"files"`
	Status        string       `db:"status"`
	CorrelationID string       `db:"correlation_id"`
	StartedAt     time.Time    `db:"started_at"`
	FinishedAt    sql.NullTime `db:"finished_at"`
	Error         string       `db:"error"`
}

func (row runRow) toRun() (*Run, error) {
	run := &Run{
		ID:            row.ID,
		Kind:          Kind(row.Kind),
		Database:      row.Database,
		Status:        Status(row.Status),
		CorrelationID: row.CorrelationID,
		StartedAt:     row.StartedAt,
		Error:         row.Error,
	}
	if row.FinishedAt.Valid {
		finished := row.FinishedAt.Time
		run.FinishedAt = &finished
	}
	if err := json.Unmarshal([]byte(row.Files), &run.Files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal files of run %s: %w", row.ID, err)
	}
	return run, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Kind     Kind
	Database string
	Status   Status
	Since    time.Time
	Limit    int
}

// Store records runs in a sqlite database
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the history database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a running run and returns its id. ID, Status and StartedAt
// are filled in when empty.
func (s *Store) Start(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now().UTC()
	}
	if run.Files == nil {
		run.Files = []string{}
	}

	filesJSON, err := json.Marshal(run.Files)
	if err != nil {
		return "", fmt.Errorf("failed to marshal files: %w", err)
	}

	query := `
		INSERT INTO run (id, kind, database_name, files, status, correlation_id, started_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Kind),
		run.Database,
		string(filesJSON),
		string(run.Status),
		run.CorrelationID,
		run.StartedAt,
		run.Error,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return run.ID, nil
}

// Finish closes a run with status, recording runErr when set
func (s *Store) Finish(ctx context.Context, id string, status Status, runErr error) error {
	var message string
	if runErr != nil {
		message = runErr.Error()
	}

	query := `UPDATE run SET status = ?, finished_at = ?, error = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), s.now().UTC(), message, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns the run with id
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM run WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toRun()
}

// List returns matching runs, newest first
func (s *Store) List(ctx context.Context, filter Filter) ([]*Run, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Database != "" {
		clauses = append(clauses, "database_name = ?")
		args = append(args, filter.Database)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT * FROM run`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// StatusOf maps a run error to its recorded status
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusFailed
	}
}
