package worker

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sonsusit20051/ConvertSP/internal/api"
	"github.com/sonsusit20051/ConvertSP/internal/coordinator"
	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/linknorm"
	"github.com/sonsusit20051/ConvertSP/internal/ratelimit"
	"github.com/sonsusit20051/ConvertSP/internal/storage/memory"
	"github.com/sonsusit20051/ConvertSP/internal/storage/storetest"
	"github.com/sonsusit20051/ConvertSP/internal/workerclient"
)

// TestCanceledRunReportsClaimedJobToAPI stops the worker while a claimed job
// is converting and checks the API records the job as failed, not processing.
func TestCanceledRunReportsClaimedJobToAPI(t *testing.T) {
	t.Parallel()

	const key = "k-1"
	clock := storetest.NewClock(storetest.Epoch)
	store := memory.NewJobStore(10, clock, &storetest.IDs{})
	coord := coordinator.New(
		ratelimit.NewWindow(ratelimit.Config{}, clock),
		linknorm.New(0),
		store,
		coordinator.Config{},
		zap.NewNop(),
	)
	srv := httptest.NewServer(api.NewServer(coord, clock, api.Options{WorkerKey: key}, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	id, err := coord.Submit(ctx, "https://shopee.vn/a-i.1.2", "client")
	require.NoError(t, err)

	client, err := workerclient.New(srv.URL, key, srv.Client())
	require.NoError(t, err)
	conv := blockingConverter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := New(client, conv, nil, Config{MaxBatch: 1}, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.RunCycle(runCtx)
	}()
	<-conv.entered
	cancel()
	<-done

	view, err := coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	require.Equal(t, context.Canceled.Error(), *view.Error)
}
