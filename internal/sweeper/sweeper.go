// Package sweeper runs named maintenance tasks on fixed intervals.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/ratelimit"
	"github.com/sonsusit20051/ConvertSP/internal/telemetry"
)

// Task names used for logs and metrics.
const (
	TaskExpiredJobs = "expired_jobs"
	TaskRateLimit   = "rate_limit"
)

// Task is one periodic unit of work. Run returns how many entries it removed.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// ExpiredJobs deletes jobs created more than retention ago. Each run is
// cancelled after timeout.
func ExpiredJobs(store jobs.Store, retention, interval, timeout time.Duration) Task {
	return Task{
		Name:     TaskExpiredJobs,
		Interval: interval,
		Timeout:  timeout,
		Run: func(ctx context.Context) (int64, error) {
			return store.SweepExpired(ctx, retention)
		},
	}
}

// RateLimitState drops idle limiter keys.
func RateLimitState(limiter ratelimit.Admitter, interval, timeout time.Duration) Task {
	return Task{
		Name:     TaskRateLimit,
		Interval: interval,
		Timeout:  timeout,
		Run: func(ctx context.Context) (int64, error) {
			n, err := limiter.Sweep(ctx)
			return int64(n), err
		},
	}
}

// Sweeper owns a set of tasks.
type Sweeper struct {
	tasks  []Task
	logger *zap.Logger
}

// New validates tasks and builds a Sweeper.
func New(logger *zap.Logger, tasks ...Task) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, t := range tasks {
		if t.Name == "" {
			return nil, errors.New("sweeper: task name is required")
		}
		if t.Run == nil {
			return nil, fmt.Errorf("sweeper: task %q has no run func", t.Name)
		}
		if t.Interval <= 0 {
			return nil, fmt.Errorf("sweeper: task %q interval must be positive", t.Name)
		}
	}
	return &Sweeper{tasks: tasks, logger: logger}, nil
}

// RunOnce executes every task once, in order, and returns the first error.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var firstErr error
	for _, t := range s.tasks {
		if err := s.runTask(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run starts one ticker loop per task and blocks until ctx is done.
// Failed runs are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.loop(ctx, task)
		}(t)
	}
	wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.runTask(ctx, t) //nolint:errcheck // logged in runTask
		}
	}
}

func (s *Sweeper) runTask(ctx context.Context, t Task) error {
	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	start := time.Now()
	removed, err := t.Run(runCtx)
	telemetry.ObserveSweep(t.Name, removed, err)
	if err != nil {
		s.logger.Error("sweep failed", zap.String("task", t.Name), zap.Error(err))
		return fmt.Errorf("sweep %s: %w", t.Name, err)
	}
	if removed > 0 {
		s.logger.Info("sweep removed entries",
			zap.String("task", t.Name),
			zap.Int64("removed", removed),
			zap.Duration("took", time.Since(start)),
		)
	}
	return nil
}
