package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/storage/storetest"
)

func openTestStore(t *testing.T, maxPending int, clock jobs.Clock, ids jobs.IDGenerator) *JobStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "jobs.db")
	store, err := Open(context.Background(), Config{Path: path, MaxPending: maxPending}, clock, ids)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestJobStoreBehaviour(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T, maxPending int, clock jobs.Clock, ids jobs.IDGenerator) jobs.Store {
		return openTestStore(t, maxPending, clock, ids)
	})
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Parallel()

	clock := storetest.NewClock(storetest.Epoch)
	_, err := Open(context.Background(), Config{MaxPending: 1}, clock, &storetest.IDs{})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "x.db")}, clock, &storetest.IDs{})
	require.Error(t, err)
}

func TestSchemaCreatesIndexes(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, 5, storetest.NewClock(storetest.Epoch), &storetest.IDs{})

	rows, err := store.db.QueryContext(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'jobs' AND name LIKE 'idx_%'`)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	require.ElementsMatch(t, []string{"idx_jobs_status_created", "idx_jobs_created_at"}, names)
}

func TestReopenKeepsJobs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.db")
	clock := storetest.NewClock(storetest.Epoch)
	ids := &storetest.IDs{}
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path, MaxPending: 5}, clock, ids)
	require.NoError(t, err)
	id, err := store.Enqueue(ctx, "https://shopee.vn/a-i.1.2")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, Config{Path: path, MaxPending: 5}, clock, ids)
	require.NoError(t, err)
	defer reopened.Close()

	job, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusPending, job.Status)
	require.True(t, job.CreatedAt.Equal(storetest.Epoch))
}
