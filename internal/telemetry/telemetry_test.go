package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 0.001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestObserveHelpers(t *testing.T) {
	submitted := testutil.ToFloat64(jobsSubmittedTotal.WithLabelValues(SubmitAccepted))
	ObserveSubmit(SubmitAccepted)
	require.InDelta(t, submitted+1, testutil.ToFloat64(jobsSubmittedTotal.WithLabelValues(SubmitAccepted)), 0.001)

	claimed := testutil.ToFloat64(jobsClaimedTotal.WithLabelValues("claimed"))
	ObserveClaim(true)
	require.InDelta(t, claimed+1, testutil.ToFloat64(jobsClaimedTotal.WithLabelValues("claimed")), 0.001)

	reported := testutil.ToFloat64(jobsReportedTotal.WithLabelValues("done", ReportConflict))
	ObserveReport("done", ReportConflict)
	require.InDelta(t, reported+1, testutil.ToFloat64(jobsReportedTotal.WithLabelValues("done", ReportConflict)), 0.001)

	removed := testutil.ToFloat64(sweepRemovedTotal.WithLabelValues("test_sweep"))
	ObserveSweep("test_sweep", 4, nil)
	ObserveSweep("test_sweep", 0, nil)
	require.InDelta(t, removed+4, testutil.ToFloat64(sweepRemovedTotal.WithLabelValues("test_sweep")), 0.001)

	failures := testutil.ToFloat64(sweepErrorsTotal.WithLabelValues("test_sweep"))
	ObserveSweep("test_sweep", 9, errors.New("locked"))
	require.InDelta(t, failures+1, testutil.ToFloat64(sweepErrorsTotal.WithLabelValues("test_sweep")), 0.001)
	require.InDelta(t, removed+4, testutil.ToFloat64(sweepRemovedTotal.WithLabelValues("test_sweep")), 0.001)

	active := testutil.ToFloat64(workerActive)
	IncActiveWorkers()
	require.InDelta(t, active+1, testutil.ToFloat64(workerActive), 0.001)
	DecActiveWorkers()
	require.InDelta(t, active, testutil.ToFloat64(workerActive), 0.001)
}

func TestHandlerServesRegistry(t *testing.T) {
	ObserveWorkerJob("done")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "convertsp_worker_jobs_total"))
}
