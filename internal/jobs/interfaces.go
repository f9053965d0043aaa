package jobs

import (
	"context"
	"time"
)

// Store persists jobs and enforces their lifecycle.
//
// Implementations must make Enqueue, TryClaim, Complete and Fail atomic with
// respect to each other: a job is claimed by at most one caller and reaches a
// terminal status at most once.
type Store interface {
	// Enqueue inserts a pending job for link and returns its id, or ErrCapacity
	// when the number of pending jobs is already at the configured ceiling.
	Enqueue(ctx context.Context, link string) (string, error)
	// TryClaim makes one attempt to move the oldest pending job to processing.
	TryClaim(ctx context.Context) (Claim, ClaimOutcome, error)
	// Complete moves a processing job to done. False means the job was missing
	// or not processing and nothing changed.
	Complete(ctx context.Context, id, outputLink string) (bool, error)
	// Fail moves a processing job to failed with the same precondition as Complete.
	Fail(ctx context.Context, id, message string) (bool, error)
	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// SweepExpired deletes every job created more than maxAge ago, whatever
	// its status, and returns the number removed.
	SweepExpired(ctx context.Context, maxAge time.Duration) (int64, error)
	// CountByStatus reports how many jobs sit in each status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	Close() error
}

// Claimer is the subset of Store needed by ClaimNext.
type Claimer interface {
	TryClaim(ctx context.Context) (Claim, ClaimOutcome, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
