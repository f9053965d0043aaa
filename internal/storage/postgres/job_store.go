// Package postgres provides a Postgres-backed job store for deployments that
// run several API replicas against one database.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
)

//go:embed schema.sql
var schemaSQL string

// enqueueLockKey serializes the capacity check across replicas.
const enqueueLockKey int64 = 0x636f6e76

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxPending      int
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// JobStore persists jobs in Postgres.
type JobStore struct {
	pool       pool
	maxPending int
	clock      jobs.Clock
	ids        jobs.IDGenerator
}

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg Config, clock jobs.Clock, ids jobs.IDGenerator) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewJobStoreWithPool(p, cfg.MaxPending, clock, ids)
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, maxPending int, clock jobs.Clock, ids jobs.IDGenerator) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if maxPending <= 0 {
		return nil, fmt.Errorf("max pending must be > 0")
	}
	return &JobStore{pool: p, maxPending: maxPending, clock: clock, ids: ids}, nil
}

// Migrate creates the jobs table and indexes when missing.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *JobStore) Close() error {
	s.pool.Close()
	return nil
}

// Enqueue takes a transaction-scoped advisory lock, checks the ceiling and
// inserts the job.
func (s *JobStore) Enqueue(ctx context.Context, link string) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, enqueueLockKey); err != nil {
			return fmt.Errorf("lock enqueue: %w", err)
		}
		var pending int64
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE status = $1`, string(jobs.StatusPending),
		).Scan(&pending); err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		if pending >= int64(s.maxPending) {
			return jobs.ErrCapacity
		}
		newID, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate job id: %w", err)
		}
		now := s.clock.Now()
		if _, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, input_url, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			newID, link, string(jobs.StatusPending), now, now,
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

// TryClaim locks the oldest unlocked pending row and flips it to processing.
func (s *JobStore) TryClaim(ctx context.Context) (jobs.Claim, jobs.ClaimOutcome, error) {
	var (
		claim   jobs.Claim
		outcome = jobs.ClaimEmpty
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT id, input_url FROM jobs
WHERE status = $1
ORDER BY created_at, seq
LIMIT 1
FOR UPDATE SKIP LOCKED`, string(jobs.StatusPending)).Scan(&claim.JobID, &claim.URL)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		now := s.clock.Now()
		tag, err := tx.Exec(ctx, `UPDATE jobs
SET status = $1, picked_at = $2, updated_at = GREATEST(updated_at, $2)
WHERE id = $3 AND status = $4`,
			string(jobs.StatusProcessing), now, claim.JobID, string(jobs.StatusPending))
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		if tag.RowsAffected() == 0 {
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
	tag, err := s.pool.Exec(ctx, `UPDATE jobs
SET status = $1, output_url = $2, finished_at = GREATEST(updated_at, $3), updated_at = GREATEST(updated_at, $3)
WHERE id = $4 AND status = $5`,
		string(jobs.StatusDone), outputLink, s.clock.Now(), id, string(jobs.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Fail marks a processing job failed.
func (s *JobStore) Fail(ctx context.Context, id, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs
SET status = $1, error = $2, finished_at = GREATEST(updated_at, $3), updated_at = GREATEST(updated_at, $3)
WHERE id = $4 AND status = $5`,
		string(jobs.StatusFailed), message, s.clock.Now(), id, string(jobs.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (jobs.Job, error) {
	var (
		job              jobs.Job
		status           string
		output, errText  *string
		picked, finished *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT id, input_url, output_url, status, error,
created_at, updated_at, picked_at, finished_at
FROM jobs WHERE id = $1`, id).Scan(
		&job.ID, &job.InputLink, &output, &status, &errText,
		&job.CreatedAt, &job.UpdatedAt, &picked, &finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = jobs.Status(status)
	if output != nil {
		job.OutputLink = *output
	}
	if errText != nil {
		job.Error = *errText
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.PickedAt = utcPtr(picked)
	job.FinishedAt = utcPtr(finished)
	return job, nil
}

// SweepExpired deletes jobs older than maxAge.
func (s *JobStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1`, s.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus tallies jobs per status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[jobs.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (s *JobStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
