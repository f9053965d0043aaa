// Package memory provides an in-memory job store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
)

type entry struct {
	job jobs.Job
	seq uint64
}

// JobStore keeps jobs in a map guarded by a single mutex.
type JobStore struct {
	mu         sync.Mutex
	jobs       map[string]*entry
	seq        uint64
	pending    int
	maxPending int
	clock      jobs.Clock
	ids        jobs.IDGenerator
}

// NewJobStore constructs a JobStore with the given pending ceiling.
func NewJobStore(maxPending int, clock jobs.Clock, ids jobs.IDGenerator) *JobStore {
	return &JobStore{
		jobs:       make(map[string]*entry),
		maxPending: maxPending,
		clock:      clock,
		ids:        ids,
	}
}

// Enqueue stores a new pending job.
func (s *JobStore) Enqueue(_ context.Context, link string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending >= s.maxPending {
		return "", jobs.ErrCapacity
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	s.seq++
	s.jobs[id] = &entry{
		seq: s.seq,
		job: jobs.Job{
			ID:        id,
			InputLink: link,
			Status:    jobs.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.pending++
	return id, nil
}

// TryClaim moves the oldest pending job to processing. The mutex makes a lost
// race impossible, so the outcome is either ClaimOK or ClaimEmpty.
func (s *JobStore) TryClaim(_ context.Context) (jobs.Claim, jobs.ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *entry
	for _, e := range s.jobs {
		if e.job.Status != jobs.StatusPending {
			continue
		}
		if oldest == nil || older(e, oldest) {
			oldest = e
		}
	}
	if oldest == nil {
		return jobs.Claim{}, jobs.ClaimEmpty, nil
	}
	now := s.touch(&oldest.job)
	oldest.job.Status = jobs.StatusProcessing
	oldest.job.PickedAt = &now
	s.pending--
	return jobs.Claim{JobID: oldest.job.ID, URL: oldest.job.InputLink}, jobs.ClaimOK, nil
}

// Complete marks a processing job done.
func (s *JobStore) Complete(_ context.Context, id, outputLink string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status != jobs.StatusProcessing {
		return false, nil
	}
	now := s.touch(&e.job)
	e.job.Status = jobs.StatusDone
	e.job.OutputLink = outputLink
	e.job.FinishedAt = &now
	return true, nil
}

// Fail marks a processing job failed.
func (s *JobStore) Fail(_ context.Context, id, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status != jobs.StatusProcessing {
		return false, nil
	}
	now := s.touch(&e.job)
	e.job.Status = jobs.StatusFailed
	e.job.Error = message
	e.job.FinishedAt = &now
	return true, nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(_ context.Context, id string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return e.job, nil
}

// SweepExpired removes jobs created before now-maxAge.
func (s *JobStore) SweepExpired(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-maxAge)
	var removed int64
	for id, e := range s.jobs {
		if !e.job.CreatedAt.Before(cutoff) {
			continue
		}
		if e.job.Status == jobs.StatusPending {
			s.pending--
		}
		delete(s.jobs, id)
		removed++
	}
	return removed, nil
}

// CountByStatus tallies jobs per status.
func (s *JobStore) CountByStatus(_ context.Context) (map[jobs.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[jobs.Status]int64, len(jobs.Statuses))
	for _, st := range jobs.Statuses {
		counts[st] = 0
	}
	for _, e := range s.jobs {
		counts[e.job.Status]++
	}
	return counts, nil
}

// Close is a no-op.
func (s *JobStore) Close() error {
	return nil
}

// touch advances UpdatedAt without letting it move backwards.
func (s *JobStore) touch(job *jobs.Job) time.Time {
	now := s.clock.Now()
	if now.Before(job.UpdatedAt) {
		now = job.UpdatedAt
	}
	job.UpdatedAt = now
	return now
}

func older(a, b *entry) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}
