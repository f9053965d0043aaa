package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8787" {
		t.Fatalf("expected default addr, got %s", cfg.Addr())
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.SQLitePath != "data/jobs.db" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Queue.MaxPending != 2000 || cfg.Queue.ClaimAttempts != 3 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Retention() != 24*time.Hour || cfg.JobCleanupInterval() != 5*time.Minute {
		t.Fatalf("unexpected retention defaults: %v %v", cfg.Retention(), cfg.JobCleanupInterval())
	}
	if cfg.SweepTimeout() != 30*time.Second {
		t.Fatalf("expected 30s sweep timeout, got %v", cfg.SweepTimeout())
	}
	if cfg.RateLimitWindow() != 10*time.Second || cfg.RateLimit.Max != 6 {
		t.Fatalf("unexpected limiter defaults: %+v", cfg.RateLimit)
	}
	if cfg.Links.MaxURLLength != 2048 {
		t.Fatalf("expected max url length 2048, got %d", cfg.Links.MaxURLLength)
	}
	if cfg.Worker.MaxBatch != 15 || cfg.Worker.IdleRetryCount != 3 || cfg.Worker.IdleRetryDelay() != 250*time.Millisecond {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  host: 127.0.0.1
  port: 9090
  trust_forwarded_for: false
auth:
  worker_key: secret
storage:
  backend: postgres
db:
  dsn: postgres://convertsp@localhost/convertsp
  max_conns: 4
  max_conn_lifetime_seconds: 60
queue:
  max_pending: 50
  retention_hours: 2
rate_limit:
  backend: redis
  max: 3
  redis:
    addr: redis:6379
worker:
  converter: graphql
  concurrency: 2
  graphql:
    endpoint: https://affiliate.example/api/v3/gql
    body_template: '{"link":"__URL__"}'
    headers:
      X-Sz-Sdk-Version: 1.12.21
    result_paths:
      - data.batchCustomLink.0.shortLink
      - data.batchCustomLink.0.longLink
    fail_code_path: data.batchCustomLink.0.failCode
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9090" || cfg.Server.TrustForwardedFor {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Storage.Backend != BackendPostgres || cfg.DB.MaxConns != 4 || cfg.DB.MaxConnLifetime() != time.Minute {
		t.Fatalf("expected postgres overrides, got %+v %+v", cfg.Storage, cfg.DB)
	}
	if cfg.Queue.MaxPending != 50 || cfg.Retention() != 2*time.Hour {
		t.Fatalf("expected queue overrides, got %+v", cfg.Queue)
	}
	if cfg.RateLimit.Backend != BackendRedis || cfg.RateLimit.Redis.Addr != "redis:6379" || cfg.RateLimit.Max != 3 {
		t.Fatalf("expected limiter overrides, got %+v", cfg.RateLimit)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("ValidateServe() error = %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("ValidateWorker() error = %v", err)
	}
	if len(cfg.Worker.GraphQL.ResultPaths) != 2 {
		t.Fatalf("expected two result paths, got %v", cfg.Worker.GraphQL.ResultPaths)
	}
	// Viper lowercases map keys; HTTP header names are case-insensitive.
	if cfg.Worker.GraphQL.Headers["x-sz-sdk-version"] != "1.12.21" {
		t.Fatalf("expected header to be loaded, got %v", cfg.Worker.GraphQL.Headers)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("WORKER_KEY", "legacy-key")
	t.Setenv("MAX_PENDING_JOBS", "7")
	t.Setenv("USER_RATE_LIMIT_MAX", "2")
	t.Setenv("DB_PATH", "/tmp/convertsp.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("expected legacy PORT, got %d", cfg.Server.Port)
	}
	if cfg.Auth.WorkerKey != "legacy-key" {
		t.Fatalf("expected legacy WORKER_KEY, got %q", cfg.Auth.WorkerKey)
	}
	if cfg.Queue.MaxPending != 7 || cfg.RateLimit.Max != 2 {
		t.Fatalf("expected legacy queue/limiter values, got %+v %+v", cfg.Queue, cfg.RateLimit)
	}
	if cfg.Storage.SQLitePath != "/tmp/convertsp.db" {
		t.Fatalf("expected legacy DB_PATH, got %q", cfg.Storage.SQLitePath)
	}
}

func TestLoadPrefixedEnvironmentWins(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("CONVERTSP_SERVER_PORT", "8000")
	t.Setenv("CONVERTSP_STORAGE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("expected CONVERTSP_SERVER_PORT to win, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Storage.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "mongo" }, want: "storage.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Backend = BackendPostgres }, want: "db.dsn"},
		{name: "zero max pending", mutate: func(c *Config) { c.Queue.MaxPending = 0 }, want: "queue.max_pending"},
		{name: "zero retention", mutate: func(c *Config) { c.Queue.RetentionHours = 0 }, want: "queue.retention_hours"},
		{name: "zero sweep timeout", mutate: func(c *Config) { c.Queue.SweepTimeoutSeconds = 0 }, want: "queue.sweep_timeout_seconds"},
		{name: "zero url length", mutate: func(c *Config) { c.Links.MaxURLLength = 0 }, want: "links.max_url_length"},
		{name: "unknown limiter", mutate: func(c *Config) { c.RateLimit.Backend = "etcd" }, want: "rate_limit.backend"},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.RateLimit.Backend = BackendRedis
				c.RateLimit.Redis.Addr = ""
			},
			want: "rate_limit.redis.addr",
		},
		{name: "zero window", mutate: func(c *Config) { c.RateLimit.WindowSeconds = 0 }, want: "rate_limit.window_seconds"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateWorker(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	base.Auth.WorkerKey = "k"
	if err := base.ValidateWorker(); err != nil {
		t.Fatalf("ValidateWorker() error = %v", err)
	}

	noKey := base
	noKey.Auth.WorkerKey = " "
	if err := noKey.ValidateWorker(); err == nil || !strings.Contains(err.Error(), "auth.worker_key") {
		t.Fatalf("expected worker key error, got %v", err)
	}
	if err := noKey.ValidateServe(); err == nil {
		t.Fatal("expected ValidateServe to require a worker key")
	}

	graphql := base
	graphql.Worker.Converter = ConverterGraphQL
	if err := graphql.ValidateWorker(); err == nil || !strings.Contains(err.Error(), "worker.graphql") {
		t.Fatalf("expected graphql error, got %v", err)
	}

	unknown := base
	unknown.Worker.Converter = "scraper"
	if err := unknown.ValidateWorker(); err == nil || !strings.Contains(err.Error(), "worker.converter") {
		t.Fatalf("expected converter error, got %v", err)
	}

	low := base
	low.Worker.IdleRetryDelayMs = 1
	if low.Worker.IdleRetryDelay() != 50*time.Millisecond {
		t.Fatalf("expected idle retry delay floor, got %v", low.Worker.IdleRetryDelay())
	}
}
