// Package server builds the long-running processes from configuration:
// the HTTP API with its sweeps, and the conversion worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/sonsusit20051/ConvertSP/internal/api"
	"github.com/sonsusit20051/ConvertSP/internal/clock/system"
	"github.com/sonsusit20051/ConvertSP/internal/config"
	"github.com/sonsusit20051/ConvertSP/internal/coordinator"
	"github.com/sonsusit20051/ConvertSP/internal/id/uuid"
	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/linknorm"
	"github.com/sonsusit20051/ConvertSP/internal/logging"
	"github.com/sonsusit20051/ConvertSP/internal/ratelimit"
	"github.com/sonsusit20051/ConvertSP/internal/storage/memory"
	pgstore "github.com/sonsusit20051/ConvertSP/internal/storage/postgres"
	"github.com/sonsusit20051/ConvertSP/internal/storage/sqlite"
	"github.com/sonsusit20051/ConvertSP/internal/sweeper"
)

const shutdownTimeout = 10 * time.Second

// App contains the API process dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     jobs.Store
	redis     *redis.Client
	apiServer *api.Server
	sweeper   *sweeper.Sweeper
}

// Build creates the API process dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.Int("max_pending", cfg.Queue.MaxPending),
	)

	clock := system.New()
	var err error
	app.store, err = OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	limiter, err := app.setupLimiter(ctx, clock)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	coord := coordinator.New(
		limiter,
		linknorm.New(cfg.Links.MaxURLLength),
		app.store,
		coordinator.Config{ClaimAttempts: cfg.Queue.ClaimAttempts},
		logging.Component(logger, "coordinator"),
	)

	app.apiServer = api.NewServer(coord, clock, api.Options{
		WorkerKey:         cfg.Auth.WorkerKey,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
		RequestTimeout:    cfg.RequestTimeout(),
	}, logging.Component(logger, "api"))

	app.sweeper, err = sweeper.New(logging.Component(logger, "sweeper"),
		sweeper.ExpiredJobs(app.store, cfg.Retention(), cfg.JobCleanupInterval(), cfg.SweepTimeout()),
		sweeper.RateLimitState(limiter, cfg.RateLimitCleanupInterval(), cfg.SweepTimeout()),
	)
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("sweeper init failed: %w", err)
	}
	return app, nil
}

// OpenStore opens the configured job store, applying migrations where the
// backend needs them.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (jobs.Store, error) {
	clock := system.New()
	ids := uuid.New()
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime(),
			MaxPending:      cfg.Queue.MaxPending,
		}, clock, ids)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		logger.Info("using postgres job store")
		return store, nil
	case config.BackendMemory:
		logger.Warn("using in-memory job store, jobs are lost on restart")
		return memory.NewJobStore(cfg.Queue.MaxPending, clock, ids), nil
	default:
		store, err := sqlite.Open(ctx, sqlite.Config{
			Path:       cfg.Storage.SQLitePath,
			MaxPending: cfg.Queue.MaxPending,
		}, clock, ids)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite job store", zap.String("path", cfg.Storage.SQLitePath))
		return store, nil
	}
}

func (a *App) setupLimiter(ctx context.Context, clock ratelimit.Clock) (ratelimit.Admitter, error) {
	window := ratelimit.Config{Window: a.cfg.RateLimitWindow(), Max: a.cfg.RateLimit.Max}
	if a.cfg.RateLimit.Backend != config.BackendRedis {
		a.logger.Info("using in-process rate limiter",
			zap.Duration("window", window.Window),
			zap.Int("max", window.Max),
		)
		return ratelimit.NewWindow(window, clock), nil
	}
	rc := a.cfg.RateLimit.Redis
	a.redis = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.logger.Info("using redis rate limiter", zap.String("addr", rc.Addr), zap.String("prefix", rc.Prefix))
	return ratelimit.NewRedis(a.redis, ratelimit.RedisConfig{Config: window, Prefix: rc.Prefix}, clock), nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and runs sweeps until ctx is canceled or a termination
// signal arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	sweepsDone := make(chan struct{})
	go func() {
		defer close(sweepsDone)
		a.sweeper.Run(sweepCtx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancelSweeps()
	<-sweepsDone
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases the store and the Redis client.
func (a *App) Close() {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("job store close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}
