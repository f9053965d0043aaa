// Package sqlite provides the default single-node job store backed by an
// embedded SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
)

//go:embed schema.sql
var schemaSQL string

// Every pooled connection gets the same pragmas; _txlock makes BeginTx issue
// BEGIN IMMEDIATE so writers serialize on the database lock up front.
const dsnOptions = "_pragma=busy_timeout(5000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_txlock=immediate"

// Config controls where the database lives and how many jobs may wait.
type Config struct {
	Path       string
	MaxPending int
}

// JobStore persists jobs in SQLite.
type JobStore struct {
	db         *sql.DB
	maxPending int
	clock      jobs.Clock
	ids        jobs.IDGenerator
}

// Open creates the database directory and schema if needed.
func Open(ctx context.Context, cfg Config, clock jobs.Clock, ids jobs.IDGenerator) (*JobStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.MaxPending <= 0 {
		return nil, fmt.Errorf("max pending must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", cfg.Path, dsnOptions))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &JobStore{db: db, maxPending: cfg.MaxPending, clock: clock, ids: ids}, nil
}

// Close releases the database handle.
func (s *JobStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Enqueue counts pending rows and inserts inside one immediate transaction,
// so concurrent producers never overshoot the ceiling.
func (s *JobStore) Enqueue(ctx context.Context, link string) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE status = ?`, jobs.StatusPending,
		).Scan(&pending); err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		if pending >= s.maxPending {
			return jobs.ErrCapacity
		}
		newID, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate job id: %w", err)
		}
		now := encodeTime(s.clock.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, input_url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			newID, link, jobs.StatusPending, now, now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id = newID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// TryClaim selects the oldest pending row and conditionally flips it to
// processing.
func (s *JobStore) TryClaim(ctx context.Context) (jobs.Claim, jobs.ClaimOutcome, error) {
	var (
		claim   jobs.Claim
		outcome = jobs.ClaimEmpty
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, input_url FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`,
			jobs.StatusPending,
		).Scan(&claim.JobID, &claim.URL)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		now := encodeTime(s.clock.Now())
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, picked_at = ?, updated_at = MAX(updated_at, ?) WHERE id = ? AND status = ?`,
			jobs.StatusProcessing, now, now, claim.JobID, jobs.StatusPending,
		)
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			outcome = jobs.ClaimRaceLost
			return nil
		}
		outcome = jobs.ClaimOK
		return nil
	})
	if err != nil {
		return jobs.Claim{}, jobs.ClaimEmpty, err
	}
	if outcome != jobs.ClaimOK {
		return jobs.Claim{}, outcome, nil
	}
	return claim, outcome, nil
}

// Complete marks a processing job done.
func (s *JobStore) Complete(ctx context.Context, id, outputLink string) (bool, error) {
	return s.finish(ctx, id, jobs.StatusDone, "output_url", outputLink)
}

// Fail marks a processing job failed.
func (s *JobStore) Fail(ctx context.Context, id, message string) (bool, error) {
	return s.finish(ctx, id, jobs.StatusFailed, "error", message)
}

func (s *JobStore) finish(ctx context.Context, id string, status jobs.Status, column, value string) (bool, error) {
	now := encodeTime(s.clock.Now())
	// column is one of two constants chosen by Complete/Fail.
	query := fmt.Sprintf(
		`UPDATE jobs SET status = ?, %s = ?, finished_at = MAX(updated_at, ?), updated_at = MAX(updated_at, ?)
WHERE id = ? AND status = ?`, column)
	res, err := s.db.ExecContext(ctx, query, status, value, now, now, id, jobs.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (jobs.Job, error) {
	var (
		job              jobs.Job
		status           string
		output, errText  sql.NullString
		created, updated int64
		picked, finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, input_url, output_url, status, error, created_at, updated_at, picked_at, finished_at
FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.InputLink, &output, &status, &errText, &created, &updated, &picked, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = jobs.Status(status)
	job.OutputLink = output.String
	job.Error = errText.String
	job.CreatedAt = decodeTime(created)
	job.UpdatedAt = decodeTime(updated)
	job.PickedAt = decodeNullTime(picked)
	job.FinishedAt = decodeNullTime(finished)
	return job, nil
}

// SweepExpired deletes jobs older than maxAge.
func (s *JobStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := encodeTime(s.clock.Now().Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}

// CountByStatus tallies jobs per status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[jobs.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	counts := make(map[jobs.Status]int64, len(jobs.Statuses))
	for _, st := range jobs.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[jobs.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func (s *JobStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func encodeTime(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func decodeTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func decodeNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := decodeTime(n.Int64)
	return &t
}
