// Package telemetry exposes the Prometheus collectors for the API, the
// background sweeps and the worker runtime.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes.
const (
	SubmitAccepted    = "accepted"
	SubmitRejected    = "rejected"
	SubmitRateLimited = "rate_limited"
	SubmitOverloaded  = "overloaded"
	SubmitError       = "error"
)

// Report outcomes.
const (
	ReportOK       = "ok"
	ReportConflict = "conflict"
)

var (
	jobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertsp_jobs_submitted_total",
			Help: "Intake attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	jobsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertsp_jobs_claimed_total",
			Help: "Worker claim requests, labeled by whether a job was handed out.",
		},
		[]string{"outcome"},
	)

	jobsReportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertsp_jobs_reported_total",
			Help: "Worker completion reports, labeled by terminal status and outcome.",
		},
		[]string{"status", "outcome"},
	)

	sweepRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertsp_sweep_removed_total",
			Help: "Entries removed by background sweeps, labeled by task.",
		},
		[]string{"task"},
	)

	sweepErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertsp_sweep_errors_total",
			Help: "Failed background sweep runs, labeled by task.",
		},
		[]string{"task"},
	)

	workerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertsp_worker_jobs_total",
			Help: "Jobs processed by the worker runtime, labeled by result.",
		},
		[]string{"result"},
	)

	workerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convertsp_worker_active",
			Help: "Number of worker runners currently converting a job.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmit records one intake attempt.
func ObserveSubmit(outcome string) {
	jobsSubmittedTotal.WithLabelValues(outcome).Inc()
}

// ObserveClaim records one claim request.
func ObserveClaim(claimed bool) {
	outcome := "empty"
	if claimed {
		outcome = "claimed"
	}
	jobsClaimedTotal.WithLabelValues(outcome).Inc()
}

// ObserveReport records a completion or failure report.
func ObserveReport(status, outcome string) {
	jobsReportedTotal.WithLabelValues(status, outcome).Inc()
}

// ObserveSweep records the result of one sweep run.
func ObserveSweep(task string, removed int64, err error) {
	if err != nil {
		sweepErrorsTotal.WithLabelValues(task).Inc()
		return
	}
	if removed > 0 {
		sweepRemovedTotal.WithLabelValues(task).Add(float64(removed))
	}
}

// ObserveWorkerJob records a job processed by the worker runtime.
func ObserveWorkerJob(result string) {
	workerJobsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	workerActive.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	workerActive.Dec()
}
