package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sonsusit20051/ConvertSP/internal/config"
	"github.com/sonsusit20051/ConvertSP/internal/convert"
	"github.com/sonsusit20051/ConvertSP/internal/dispatcher"
	"github.com/sonsusit20051/ConvertSP/internal/logging"
	"github.com/sonsusit20051/ConvertSP/internal/worker"
	"github.com/sonsusit20051/ConvertSP/internal/workerclient"
)

// WorkerApp contains the worker process dependencies.
type WorkerApp struct {
	cfg      config.WorkerConfig
	logger   *zap.Logger
	client   *workerclient.Client
	dispatch *dispatcher.Dispatcher
}

// BuildWorker creates the worker process dependencies.
func BuildWorker(cfg config.Config, logger *zap.Logger) (*WorkerApp, error) {
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	wc := cfg.Worker
	httpClient := &http.Client{Timeout: wc.RequestTimeout()}

	client, err := workerclient.New(wc.APIBaseURL, cfg.Auth.WorkerKey, httpClient)
	if err != nil {
		return nil, fmt.Errorf("worker client init failed: %w", err)
	}
	converter, err := NewConverter(wc, httpClient)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if wc.ClaimsPerSecond > 0 {
		limit = rate.Limit(wc.ClaimsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	runnerCfg := worker.Config{
		MaxBatch:       wc.MaxBatch,
		IdleRetryCount: wc.IdleRetryCount,
		IdleRetryDelay: wc.IdleRetryDelay(),
		PollInterval:   wc.PollInterval(),
		ConvertTimeout: wc.RequestTimeout(),
		ReportTimeout:  wc.RequestTimeout(),
	}
	base := logging.Component(logger, "worker")
	runners := make([]dispatcher.Runner, 0, wc.Concurrency)
	for i := 0; i < wc.Concurrency; i++ {
		runners = append(runners, worker.New(client, converter, limiter, runnerCfg, base.With(zap.Int("index", i))))
	}

	logger.Info("worker config",
		zap.String("api_base_url", wc.APIBaseURL),
		zap.String("converter", wc.Converter),
		zap.Int("concurrency", wc.Concurrency),
		zap.Int("max_batch", runnerCfg.MaxBatch),
		zap.Duration("poll_interval", runnerCfg.PollInterval),
		zap.Float64("claims_per_second", wc.ClaimsPerSecond),
	)
	return &WorkerApp{
		cfg:      wc,
		logger:   logger,
		client:   client,
		dispatch: dispatcher.New(runners...),
	}, nil
}

// NewConverter selects the converter named by cfg.Converter.
func NewConverter(cfg config.WorkerConfig, httpClient *http.Client) (convert.Converter, error) {
	switch cfg.Converter {
	case config.ConverterGraphQL:
		g := cfg.GraphQL
		conv, err := convert.NewGraphQL(convert.GraphQLConfig{
			Endpoint:        g.Endpoint,
			BodyTemplate:    g.BodyTemplate,
			Headers:         g.Headers,
			ResultPaths:     g.ResultPaths,
			FailCodePath:    g.FailCodePath,
			SuccessFailCode: g.SuccessFailCode,
		}, httpClient)
		if err != nil {
			return nil, fmt.Errorf("graphql converter init failed: %w", err)
		}
		return conv, nil
	case config.ConverterRedirect:
		conv, err := convert.NewAffiliateRedirect(cfg.Redirect.AffiliateID, cfg.Redirect.SubID)
		if err != nil {
			return nil, fmt.Errorf("redirect converter init failed: %w", err)
		}
		return conv, nil
	default:
		return nil, fmt.Errorf("unknown converter %q", cfg.Converter)
	}
}

// Run checks the API once, then runs the worker pool until ctx is canceled
// or a termination signal arrives.
func (w *WorkerApp) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serverTime, err := w.client.Health(ctx); err != nil {
		w.logger.Warn("api health check failed, starting anyway", zap.Error(err))
	} else {
		w.logger.Info("api reachable", zap.Time("server_time", serverTime))
	}

	w.logger.Info("dispatcher started", zap.Int("workers", w.dispatch.Size()))
	w.dispatch.Run(ctx)
	w.logger.Info("worker shutdown complete")
	return nil
}
