// Package persistence stores the reconciled job state in SQLite so the
// dashboard has data before the first poll lands after a restart.
package persistence

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// JobRow is the persisted form of a tracked job
type JobRow struct {
	JobID        string    `db:"job_id"`
	Status       string    `db:"status"`
	ModelName    string    `db:"model_name"`
	CurrentEpoch int       `db:"current_epoch"`
	TotalEpochs  int       `db:"total_epochs"`
	Payload      []byte    `db:"payload"` // full merged JSON payload
	Notified     bool      `db:"notified"`
	FirstSeen    time.Time `db:"first_seen"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// TransitionRow is one recorded status change
type TransitionRow struct {
	ID         int64     `db:"id"`
	JobID      string    `db:"job_id"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	OccurredAt time.Time `db:"occurred_at"`
}

// SQLiteStore implements persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database and prepares the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for better concurrency between the reconciler and dashboard reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			model_name TEXT,
			current_epoch INTEGER DEFAULT 0,
			total_epochs INTEGER DEFAULT 0,
			payload TEXT,
			notified BOOLEAN DEFAULT 0,
			first_seen TIMESTAMP,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_job_id ON transitions(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_occurred_at ON transitions(occurred_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveJobs replaces the stored snapshot with the given rows
func (s *SQLiteStore) SaveJobs(rows []JobRow) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec("DELETE FROM jobs"); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}
	for _, row := range rows {
		_, err := tx.NamedExec(`INSERT INTO jobs
			(job_id, status, model_name, current_epoch, total_epochs, payload, notified, first_seen, created_at, updated_at)
			VALUES (:job_id, :status, :model_name, :current_epoch, :total_epochs, :payload, :notified, :first_seen, :created_at, :updated_at)`, row)
		if err != nil {
			return fmt.Errorf("failed to save job %s: %w", row.JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit jobs: %w", err)
	}
	return nil
}

// LoadJobs returns the stored snapshot
func (s *SQLiteStore) LoadJobs() ([]JobRow, error) {
	var rows []JobRow
	if err := s.db.Select(&rows, "SELECT * FROM jobs ORDER BY created_at DESC, job_id"); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	return rows, nil
}

// RecordTransition appends one status change to the history
func (s *SQLiteStore) RecordTransition(row TransitionRow) error {
	_, err := s.db.NamedExec(`INSERT INTO transitions (job_id, from_status, to_status, occurred_at)
		VALUES (:job_id, :from_status, :to_status, :occurred_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to record transition for %s: %w", row.JobID, err)
	}
	return nil
}

// GetTransitions returns the most recent transitions for a job, newest first
func (s *SQLiteStore) GetTransitions(jobID string, limit int) ([]TransitionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []TransitionRow
	err := s.db.Select(&rows,
		"SELECT * FROM transitions WHERE job_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?", jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transitions for %s: %w", jobID, err)
	}
	return rows, nil
}

// CleanupTransitions removes history older than the retention window and
// returns the number of deleted rows
func (s *SQLiteStore) CleanupTransitions(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec("DELETE FROM transitions WHERE occurred_at < ?", time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup transitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned transitions: %w", err)
	}
	return n, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
