package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/telemetry"
)

// Service is the job workflow the handlers drive.
type Service interface {
	Submit(ctx context.Context, raw, clientKey string) (string, error)
	Status(ctx context.Context, id string) (jobs.View, error)
	ClaimNext(ctx context.Context) (jobs.Claim, bool, error)
	Complete(ctx context.Context, id, outputLink string) error
	Fail(ctx context.Context, id, message string) error
	Stats(ctx context.Context) (map[jobs.Status]int64, error)
}

// Clock supplies the time reported by the health endpoint.
type Clock interface {
	Now() time.Time
}

// Options tune the HTTP surface.
type Options struct {
	WorkerKey         string
	TrustForwardedFor bool
	RequestTimeout    time.Duration
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router   chi.Router
	svc      Service
	clock    Clock
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, clock Clock, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		svc:      svc,
		clock:    clock,
		opts:     opts,
		validate: validator.New(),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(noStoreMiddleware)
		r.Use(bodyLimitMiddleware(maxBodyBytes))
		r.Get("/health", s.health)
		r.Get("/stats", s.stats)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/{job_id}", s.getJob)
		})
		r.Route("/worker", func(r chi.Router) {
			r.Use(workerKeyMiddleware(opts.WorkerKey))
			r.Get("/jobs/next", s.nextJob)
			r.Post("/jobs/{job_id}/complete", s.completeJob)
			r.Post("/jobs/{job_id}/fail", s.failJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
