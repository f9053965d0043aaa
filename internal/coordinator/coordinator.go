// Package coordinator is the single entry point used by the transport layer:
// it rate-limits and normalizes intake, enqueues jobs, and drives the worker
// claim and report path.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/linknorm"
	"github.com/sonsusit20051/ConvertSP/internal/ratelimit"
	"github.com/sonsusit20051/ConvertSP/internal/telemetry"
)

// DefaultFailMessage is stored when a worker reports failure without a reason.
const DefaultFailMessage = "conversion failed"

var (
	// ErrRateLimited means the caller exceeded its admission window.
	ErrRateLimited = errors.New("too many requests, try again shortly")
	// ErrConflict means the job is missing or not processing.
	ErrConflict = errors.New("job is not processing or does not exist")
	// ErrInvalidReport means a completion report carried no output link.
	ErrInvalidReport = errors.New("missing affLink")
)

// Normalizer reduces raw intake text to a canonical link.
type Normalizer interface {
	Normalize(raw string) (string, error)
}

// Config tunes the coordinator.
type Config struct {
	ClaimAttempts int
}

// Coordinator wires the limiter, the normalizer and the job store together.
type Coordinator struct {
	limiter    ratelimit.Admitter
	normalizer Normalizer
	store      jobs.Store
	cfg        Config
	logger     *zap.Logger
}

// New builds a Coordinator.
func New(
	limiter ratelimit.Admitter,
	normalizer Normalizer,
	store jobs.Store,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimAttempts <= 0 {
		cfg.ClaimAttempts = jobs.DefaultClaimAttempts
	}
	return &Coordinator{
		limiter:    limiter,
		normalizer: normalizer,
		store:      store,
		cfg:        cfg,
		logger:     logger,
	}
}

// Submit admits, normalizes and enqueues raw on behalf of clientKey.
//
// Errors: ErrRateLimited, *linknorm.Rejection, jobs.ErrCapacity, or a wrapped
// storage/limiter failure.
func (c *Coordinator) Submit(ctx context.Context, raw, clientKey string) (string, error) {
	ok, err := c.limiter.Admit(ctx, clientKey)
	if err != nil {
		telemetry.ObserveSubmit(telemetry.SubmitError)
		return "", fmt.Errorf("rate limit: %w", err)
	}
	if !ok {
		telemetry.ObserveSubmit(telemetry.SubmitRateLimited)
		c.logger.Debug("submission rate limited", zap.String("client", clientKey))
		return "", ErrRateLimited
	}

	link, err := c.normalizer.Normalize(raw)
	if err != nil {
		telemetry.ObserveSubmit(telemetry.SubmitRejected)
		var rej *linknorm.Rejection
		if errors.As(err, &rej) {
			c.logger.Debug("submission rejected",
				zap.String("client", clientKey),
				zap.String("reason", string(rej.Reason)),
			)
		}
		return "", err
	}

	id, err := c.store.Enqueue(ctx, link)
	if errors.Is(err, jobs.ErrCapacity) {
		telemetry.ObserveSubmit(telemetry.SubmitOverloaded)
		c.logger.Warn("pending queue at capacity")
		return "", err
	}
	if err != nil {
		telemetry.ObserveSubmit(telemetry.SubmitError)
		return "", fmt.Errorf("enqueue: %w", err)
	}
	telemetry.ObserveSubmit(telemetry.SubmitAccepted)
	c.logger.Info("job enqueued", zap.String("job_id", id), zap.String("client", clientKey))
	return id, nil
}

// Status returns the public view of a job or jobs.ErrNotFound.
func (c *Coordinator) Status(ctx context.Context, id string) (jobs.View, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return jobs.View{}, err
		}
		return jobs.View{}, fmt.Errorf("get job: %w", err)
	}
	return job.View(), nil
}

// ClaimNext hands the oldest pending job to a worker. False means no work.
func (c *Coordinator) ClaimNext(ctx context.Context) (jobs.Claim, bool, error) {
	claim, ok, err := jobs.ClaimNext(ctx, c.store, c.cfg.ClaimAttempts)
	if err != nil {
		return jobs.Claim{}, false, err
	}
	telemetry.ObserveClaim(ok)
	if ok {
		c.logger.Info("job claimed", zap.String("job_id", claim.JobID))
	}
	return claim, ok, nil
}

// Complete records a successful conversion.
func (c *Coordinator) Complete(ctx context.Context, id, outputLink string) error {
	outputLink = strings.TrimSpace(outputLink)
	if outputLink == "" {
		return ErrInvalidReport
	}
	ok, err := c.store.Complete(ctx, id, outputLink)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return c.reported(id, jobs.StatusDone, ok)
}

// Fail records a failed conversion; an empty message stores DefaultFailMessage.
func (c *Coordinator) Fail(ctx context.Context, id, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = DefaultFailMessage
	}
	ok, err := c.store.Fail(ctx, id, message)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return c.reported(id, jobs.StatusFailed, ok)
}

func (c *Coordinator) reported(id string, status jobs.Status, ok bool) error {
	if !ok {
		telemetry.ObserveReport(string(status), telemetry.ReportConflict)
		c.logger.Warn("report conflict", zap.String("job_id", id), zap.String("status", string(status)))
		return ErrConflict
	}
	telemetry.ObserveReport(string(status), telemetry.ReportOK)
	c.logger.Info("job finished", zap.String("job_id", id), zap.String("status", string(status)))
	return nil
}

// Stats reports job counts per status.
func (c *Coordinator) Stats(ctx context.Context) (map[jobs.Status]int64, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}
