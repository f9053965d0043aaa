// Package jobs defines the conversion job model and the contracts shared by
// the storage backends, the coordinator and the HTTP layer.
package jobs

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a conversion job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusDone, StatusFailed}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrCapacity is returned by Enqueue when the pending ceiling is reached.
	ErrCapacity = errors.New("pending job capacity reached")
)

// Job is the persisted unit of work: one canonical link awaiting conversion.
type Job struct {
	ID         string
	InputLink  string
	OutputLink string
	Status     Status
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	PickedAt   *time.Time
	FinishedAt *time.Time
}

// View is the read-only projection returned to status pollers.
type View struct {
	JobID      string     `json:"jobId"`
	InputURL   string     `json:"inputUrl"`
	OutputURL  *string    `json:"outputUrl"`
	Status     Status     `json:"status"`
	Error      *string    `json:"error"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
}

// View projects the job for external readers.
func (j Job) View() View {
	v := View{
		JobID:      j.ID,
		InputURL:   j.InputLink,
		Status:     j.Status,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		FinishedAt: j.FinishedAt,
	}
	if j.Status == StatusDone && j.OutputLink != "" {
		out := j.OutputLink
		v.OutputURL = &out
	}
	if j.Status == StatusFailed && j.Error != "" {
		msg := j.Error
		v.Error = &msg
	}
	return v
}

// Claim is handed to a worker after a successful claim.
type Claim struct {
	JobID string `json:"jobId"`
	URL   string `json:"url"`
}

// ClaimOutcome tags the result of a single claim attempt.
type ClaimOutcome int

// Claim attempt outcomes.
const (
	// ClaimEmpty means no pending job existed.
	ClaimEmpty ClaimOutcome = iota
	// ClaimOK means the returned job is now processing and owned by the caller.
	ClaimOK
	// ClaimRaceLost means the selected job was taken by a concurrent claimer.
	ClaimRaceLost
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimOK:
		return "claimed"
	case ClaimRaceLost:
		return "race_lost"
	default:
		return "empty"
	}
}
