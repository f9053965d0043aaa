// Package storetest holds a behavioural suite shared by the jobs.Store
// backends together with deterministic clock and id fakes.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// IDs yields job-1, job-2, ...
type IDs struct {
	n atomic.Int64
}

// NewID returns the next sequential id.
func (g *IDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", g.n.Add(1)), nil
}

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T, maxPending int, clock jobs.Clock, ids jobs.IDGenerator) jobs.Store

// Epoch is the start time used by the suite.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the lifecycle guarantees every backend must provide.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("EnqueueAndGet", func(t *testing.T) {
		clock := NewClock(Epoch)
		store := newStore(t, 10, clock, &IDs{})
		ctx := context.Background()

		id, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.2")
		require.NoError(t, err)

		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.Equal(t, jobs.StatusPending, job.Status)
		require.Equal(t, "https://shopee.vn/a-i.1.2", job.InputLink)
		require.True(t, job.CreatedAt.Equal(Epoch))
		require.True(t, job.UpdatedAt.Equal(Epoch))
		require.Nil(t, job.PickedAt)
		require.Nil(t, job.FinishedAt)

		_, err = store.Get(ctx, "missing")
		require.ErrorIs(t, err, jobs.ErrNotFound)
	})

	t.Run("ClaimOldestFirst", func(t *testing.T) {
		clock := NewClock(Epoch)
		store := newStore(t, 10, clock, &IDs{})
		ctx := context.Background()

		first, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.1")
		require.NoError(t, err)
		second, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.2")
		require.NoError(t, err)
		clock.Advance(time.Second)
		third, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.3")
		require.NoError(t, err)

		for _, want := range []string{first, second, third} {
			claim, ok, err := jobs.ClaimNext(ctx, store, jobs.DefaultClaimAttempts)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, want, claim.JobID)
		}
		_, ok, err := jobs.ClaimNext(ctx, store, jobs.DefaultClaimAttempts)
		require.NoError(t, err)
		require.False(t, ok)

		job, err := store.Get(ctx, first)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusProcessing, job.Status)
		require.NotNil(t, job.PickedAt)
	})

	t.Run("CapacityCeiling", func(t *testing.T) {
		clock := NewClock(Epoch)
		store := newStore(t, 2, clock, &IDs{})
		ctx := context.Background()

		_, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.1")
		require.NoError(t, err)
		_, err = store.Enqueue(ctx, "https://shopee.vn/a-i.1.2")
		require.NoError(t, err)
		_, err = store.Enqueue(ctx, "https://shopee.vn/a-i.1.3")
		require.ErrorIs(t, err, jobs.ErrCapacity)

		_, ok, err := jobs.ClaimNext(ctx, store, jobs.DefaultClaimAttempts)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = store.Enqueue(ctx, "https://shopee.vn/a-i.1.3")
		require.NoError(t, err)
	})

	t.Run("CompleteAndFail", func(t *testing.T) {
		clock := NewClock(Epoch)
		store := newStore(t, 10, clock, &IDs{})
		ctx := context.Background()

		a, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.1")
		require.NoError(t, err)
		b, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.2")
		require.NoError(t, err)

		ok, err := store.Complete(ctx, a, "https://s.shopee.vn/x")
		require.NoError(t, err)
		require.False(t, ok, "pending job must not complete")
		job, err := store.Get(ctx, a)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusPending, job.Status)
		require.Empty(t, job.OutputLink)

		for i := 0; i < 2; i++ {
			_, claimed, err := jobs.ClaimNext(ctx, store, jobs.DefaultClaimAttempts)
			require.NoError(t, err)
			require.True(t, claimed)
		}
		clock.Advance(2 * time.Second)

		ok, err = store.Complete(ctx, a, "https://s.shopee.vn/x")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.Fail(ctx, b, "token expired")
		require.NoError(t, err)
		require.True(t, ok)

		done, err := store.Get(ctx, a)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusDone, done.Status)
		require.Equal(t, "https://s.shopee.vn/x", done.OutputLink)
		require.Empty(t, done.Error)
		require.NotNil(t, done.FinishedAt)
		require.True(t, done.FinishedAt.Equal(Epoch.Add(2*time.Second)))
		require.True(t, done.UpdatedAt.Equal(Epoch.Add(2*time.Second)))

		failed, err := store.Get(ctx, b)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusFailed, failed.Status)
		require.Equal(t, "token expired", failed.Error)
		require.Empty(t, failed.OutputLink)

		ok, err = store.Complete(ctx, b, "https://s.shopee.vn/y")
		require.NoError(t, err)
		require.False(t, ok, "terminal job must not change")
		ok, err = store.Fail(ctx, a, "late")
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = store.Fail(ctx, "missing", "late")
		require.NoError(t, err)
		require.False(t, ok)

		again, err := store.Get(ctx, a)
		require.NoError(t, err)
		require.Equal(t, done.Status, again.Status)
		require.Equal(t, done.OutputLink, again.OutputLink)
		require.True(t, done.UpdatedAt.Equal(again.UpdatedAt))
	})

	t.Run("SweepExpired", func(t *testing.T) {
		clock := NewClock(Epoch)
		store := newStore(t, 10, clock, &IDs{})
		ctx := context.Background()

		old, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.1")
		require.NoError(t, err)
		_, claimed, err := jobs.ClaimNext(ctx, store, jobs.DefaultClaimAttempts)
		require.NoError(t, err)
		require.True(t, claimed)
		oldPending, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.2")
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		fresh, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.3")
		require.NoError(t, err)

		removed, err := store.SweepExpired(ctx, time.Hour)
		require.NoError(t, err)
		require.EqualValues(t, 2, removed)

		for _, id := range []string{old, oldPending} {
			_, err = store.Get(ctx, id)
			require.ErrorIs(t, err, jobs.ErrNotFound)
		}
		_, err = store.Get(ctx, fresh)
		require.NoError(t, err)

		counts, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, counts[jobs.StatusPending])
		require.EqualValues(t, 0, counts[jobs.StatusProcessing])
	})

	t.Run("SweepExpiredKeepsJobAtCutoff", func(t *testing.T) {
		clock := NewClock(Epoch)
		store := newStore(t, 10, clock, &IDs{})
		ctx := context.Background()

		id, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.1")
		require.NoError(t, err)

		clock.Advance(time.Hour)
		removed, err := store.SweepExpired(ctx, time.Hour)
		require.NoError(t, err)
		require.Zero(t, removed, "createdAt equal to the cutoff is not older than it")
		_, err = store.Get(ctx, id)
		require.NoError(t, err)

		clock.Advance(time.Microsecond)
		removed, err = store.SweepExpired(ctx, time.Hour)
		require.NoError(t, err)
		require.EqualValues(t, 1, removed)
		_, err = store.Get(ctx, id)
		require.ErrorIs(t, err, jobs.ErrNotFound)
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		clock := NewClock(Epoch)
		store := newStore(t, 100, clock, &IDs{})
		ctx := context.Background()

		const pending, claimers = 5, 20
		for i := 0; i < pending; i++ {
			_, err := store.Enqueue(ctx, fmt.Sprintf("https://shopee.vn/a-i.1.%d", i))
			require.NoError(t, err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[string]int{}
			errs []error
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claim, ok, err := jobs.ClaimNext(ctx, store, jobs.DefaultClaimAttempts)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if ok {
					seen[claim.JobID]++
				}
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		require.Len(t, seen, pending)
		for id, n := range seen {
			require.Equal(t, 1, n, "job %s claimed more than once", id)
		}
	})
}
