// Package worker implements the conversion loop: claim a job, convert its
// link, report the outcome.
package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sonsusit20051/ConvertSP/internal/convert"
	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/telemetry"
	"github.com/sonsusit20051/ConvertSP/internal/workerclient"
)

// Job results recorded in metrics.
const (
	ResultDone        = "done"
	ResultFailed      = "failed"
	ResultReportError = "report_error"
)

const (
	defaultFailMessage   = "conversion failed"
	defaultReportTimeout = 15 * time.Second
)

// ErrCycleRunning is returned when RunCycle is called while a cycle is in flight.
var ErrCycleRunning = errors.New("worker cycle already running")

// Backend is the job API as seen by a worker.
type Backend interface {
	Next(ctx context.Context) (jobs.Claim, bool, error)
	Complete(ctx context.Context, id, link string) error
	Fail(ctx context.Context, id, message string) error
}

// Config controls Runner behavior. ReportTimeout bounds each Complete/Fail
// call; reports are detached from the run context, so a job claimed before
// shutdown is still reported.
type Config struct {
	MaxBatch       int
	IdleRetryCount int
	IdleRetryDelay time.Duration
	PollInterval   time.Duration
	ConvertTimeout time.Duration
	ReportTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 15
	}
	if c.IdleRetryCount < 0 {
		c.IdleRetryCount = 0
	}
	if c.IdleRetryDelay < 50*time.Millisecond {
		c.IdleRetryDelay = 50 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = defaultReportTimeout
	}
	return c
}

// CycleResult summarizes one RunCycle call.
type CycleResult struct {
	Processed   int
	Failed      int
	LastFailure string
}

// Runner claims and converts jobs in bounded batches.
type Runner struct {
	backend   Backend
	converter convert.Converter
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger
	running   atomic.Bool
}

// New constructs a Runner. A nil limiter leaves claims unpaced; runners that
// share a limiter share its budget.
func New(
	backend Backend,
	converter convert.Converter,
	limiter *rate.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Runner{
		backend:   backend,
		converter: converter,
		limiter:   limiter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run repeats cycles until ctx is done. A full batch starts the next cycle
// immediately; anything less waits PollInterval.
func (r *Runner) Run(ctx context.Context) {
	for {
		res, err := r.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Error("worker cycle failed", zap.Error(err))
		}
		if err == nil && res.Processed >= r.cfg.MaxBatch {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// RunCycle processes up to MaxBatch jobs. When the queue is empty on the
// first claim it retries IdleRetryCount times, IdleRetryDelay apart. Claim
// errors end the cycle; conversion and report errors do not.
func (r *Runner) RunCycle(ctx context.Context) (CycleResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleRunning
	}
	defer r.running.Store(false)

	var res CycleResult
	for i := 0; i < r.cfg.MaxBatch; i++ {
		claim, ok, err := r.claim(ctx, i == 0)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		res.Processed++
		if msg, failed := r.process(ctx, claim); failed {
			res.Failed++
			res.LastFailure = msg
		}
	}
	if res.Processed > 0 {
		r.logger.Info("worker cycle finished",
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (r *Runner) claim(ctx context.Context, idleRetry bool) (jobs.Claim, bool, error) {
	retries := 0
	if idleRetry {
		retries = r.cfg.IdleRetryCount
	}
	for attempt := 0; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return jobs.Claim{}, false, err
		}
		claim, ok, err := r.backend.Next(ctx)
		if err != nil || ok || attempt >= retries {
			return claim, ok, err
		}
		select {
		case <-ctx.Done():
			return jobs.Claim{}, false, ctx.Err()
		case <-time.After(r.cfg.IdleRetryDelay):
		}
	}
}

// process converts one claimed job and reports it. It returns the failure
// message and true when the job ended failed.
func (r *Runner) process(ctx context.Context, claim jobs.Claim) (string, bool) {
	log := r.logger.With(zap.String("job_id", claim.JobID))
	telemetry.IncActiveWorkers()
	link, err := r.convert(ctx, claim.URL)
	telemetry.DecActiveWorkers()

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReportTimeout)
	defer cancel()

	if err == nil {
		err = r.backend.Complete(reportCtx, claim.JobID, link)
		switch {
		case err == nil:
			telemetry.ObserveWorkerJob(ResultDone)
			log.Info("job converted")
			return "", false
		case errors.Is(err, workerclient.ErrConflict):
			telemetry.ObserveWorkerJob(ResultReportError)
			log.Warn("completion rejected, job already finished", zap.Error(err))
			return "", false
		}
		log.Warn("completion report failed, reporting failure", zap.Error(err))
	}

	msg := failureMessage(err)
	if ferr := r.backend.Fail(reportCtx, claim.JobID, msg); ferr != nil {
		telemetry.ObserveWorkerJob(ResultReportError)
		log.Error("failure report failed", zap.Error(ferr), zap.String("reason", msg))
		return msg, true
	}
	telemetry.ObserveWorkerJob(ResultFailed)
	log.Warn("job failed", zap.String("reason", msg))
	return msg, true
}

func (r *Runner) convert(ctx context.Context, link string) (string, error) {
	if r.cfg.ConvertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ConvertTimeout)
		defer cancel()
	}
	out, err := r.converter.Convert(ctx, link)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("converter returned an empty link")
	}
	return out, nil
}

func failureMessage(err error) string {
	if err == nil {
		return defaultFailMessage
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return defaultFailMessage
	}
	return msg
}
