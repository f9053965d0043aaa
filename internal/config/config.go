// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage and limiter backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Converter kinds used by the worker runtime.
const (
	ConverterRedirect = "redirect"
	ConverterGraphQL  = "graphql"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Links     LinksConfig     `mapstructure:"links"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	TrustForwardedFor     bool   `mapstructure:"trust_forwarded_for"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// AuthConfig holds the shared secret presented by workers.
type AuthConfig struct {
	WorkerKey string `mapstructure:"worker_key"`
}

// StorageConfig selects the job store backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// QueueConfig bounds the job queue.
type QueueConfig struct {
	MaxPending             int `mapstructure:"max_pending"`
	ClaimAttempts          int `mapstructure:"claim_attempts"`
	RetentionHours         int `mapstructure:"retention_hours"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
	SweepTimeoutSeconds    int `mapstructure:"sweep_timeout_seconds"`
}

// LinksConfig tunes intake normalization.
type LinksConfig struct {
	MaxURLLength int `mapstructure:"max_url_length"`
}

// RateLimitConfig controls per-client admission.
type RateLimitConfig struct {
	Backend                string      `mapstructure:"backend"`
	WindowSeconds          int         `mapstructure:"window_seconds"`
	Max                    int         `mapstructure:"max"`
	CleanupIntervalSeconds int         `mapstructure:"cleanup_interval_seconds"`
	Redis                  RedisConfig `mapstructure:"redis"`
}

// RedisConfig points the shared limiter at a Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// WorkerConfig drives the conversion worker runtime.
type WorkerConfig struct {
	APIBaseURL            string         `mapstructure:"api_base_url"`
	Concurrency           int            `mapstructure:"concurrency"`
	MaxBatch              int            `mapstructure:"max_batch"`
	IdleRetryCount        int            `mapstructure:"idle_retry_count"`
	IdleRetryDelayMs      int            `mapstructure:"idle_retry_delay_ms"`
	PollIntervalSeconds   int            `mapstructure:"poll_interval_seconds"`
	ClaimsPerSecond       float64        `mapstructure:"claims_per_second"`
	RequestTimeoutSeconds int            `mapstructure:"request_timeout_seconds"`
	Converter             string         `mapstructure:"converter"`
	Redirect              RedirectConfig `mapstructure:"redirect"`
	GraphQL               GraphQLConfig  `mapstructure:"graphql"`
}

// RedirectConfig configures the offline tracking-link converter.
type RedirectConfig struct {
	AffiliateID string `mapstructure:"affiliate_id"`
	SubID       string `mapstructure:"sub_id"`
}

// GraphQLConfig configures the remote conversion endpoint.
type GraphQLConfig struct {
	Endpoint        string            `mapstructure:"endpoint"`
	BodyTemplate    string            `mapstructure:"body_template"`
	Headers         map[string]string `mapstructure:"headers"`
	ResultPaths     []string          `mapstructure:"result_paths"`
	FailCodePath    string            `mapstructure:"fail_code_path"`
	SuccessFailCode int64             `mapstructure:"success_fail_code"`
}

// legacyEnv maps config keys to the environment names used by earlier
// deployments.
var legacyEnv = map[string]string{
	"server.host":                         "HOST",
	"server.port":                         "PORT",
	"storage.sqlite_path":                 "DB_PATH",
	"auth.worker_key":                     "WORKER_KEY",
	"queue.max_pending":                   "MAX_PENDING_JOBS",
	"links.max_url_length":                "MAX_URL_LENGTH",
	"rate_limit.window_seconds":           "USER_RATE_LIMIT_WINDOW_SEC",
	"rate_limit.max":                      "USER_RATE_LIMIT_MAX",
	"rate_limit.cleanup_interval_seconds": "RATE_LIMIT_CLEANUP_INTERVAL_SEC",
	"queue.retention_hours":               "JOB_RETENTION_HOURS",
	"queue.cleanup_interval_seconds":      "JOB_CLEANUP_INTERVAL_SEC",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONVERTSP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "CONVERTSP_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.trust_forwarded_for", true)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.worker_key", "")
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite_path", "data/jobs.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("queue.max_pending", 2000)
	v.SetDefault("queue.claim_attempts", 3)
	v.SetDefault("queue.retention_hours", 24)
	v.SetDefault("queue.cleanup_interval_seconds", 300)
	v.SetDefault("queue.sweep_timeout_seconds", 30)
	v.SetDefault("links.max_url_length", 2048)
	v.SetDefault("rate_limit.backend", BackendMemory)
	v.SetDefault("rate_limit.window_seconds", 10)
	v.SetDefault("rate_limit.max", 6)
	v.SetDefault("rate_limit.cleanup_interval_seconds", 60)
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.redis.password", "")
	v.SetDefault("rate_limit.redis.db", 0)
	v.SetDefault("rate_limit.redis.prefix", "convertsp:ratelimit:")
	v.SetDefault("logging.development", false)
	v.SetDefault("worker.api_base_url", "http://127.0.0.1:8787")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_batch", 15)
	v.SetDefault("worker.idle_retry_count", 3)
	v.SetDefault("worker.idle_retry_delay_ms", 250)
	v.SetDefault("worker.poll_interval_seconds", 5)
	v.SetDefault("worker.claims_per_second", 5)
	v.SetDefault("worker.request_timeout_seconds", 15)
	v.SetDefault("worker.converter", ConverterRedirect)
	v.SetDefault("worker.redirect.affiliate_id", "")
	v.SetDefault("worker.redirect.sub_id", "")
	v.SetDefault("worker.graphql.endpoint", "")
	v.SetDefault("worker.graphql.body_template", "")
	v.SetDefault("worker.graphql.result_paths", []string{})
	v.SetDefault("worker.graphql.fail_code_path", "")
	v.SetDefault("worker.graphql.success_fail_code", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of sqlite, postgres, memory", c.Storage.Backend)
	}
	if c.Queue.MaxPending <= 0 {
		return fmt.Errorf("queue.max_pending must be > 0")
	}
	if c.Queue.ClaimAttempts <= 0 {
		return fmt.Errorf("queue.claim_attempts must be > 0")
	}
	if c.Queue.RetentionHours <= 0 {
		return fmt.Errorf("queue.retention_hours must be > 0")
	}
	if c.Queue.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("queue.cleanup_interval_seconds must be > 0")
	}
	if c.Queue.SweepTimeoutSeconds <= 0 {
		return fmt.Errorf("queue.sweep_timeout_seconds must be > 0")
	}
	if c.Links.MaxURLLength <= 0 {
		return fmt.Errorf("links.max_url_length must be > 0")
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RateLimit.Redis.Addr == "" {
			return errors.New("rate_limit.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend %q is not one of memory, redis", c.RateLimit.Backend)
	}
	if c.RateLimit.WindowSeconds <= 0 || c.RateLimit.Max <= 0 {
		return fmt.Errorf("rate_limit.window_seconds and rate_limit.max must be > 0")
	}
	if c.RateLimit.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("rate_limit.cleanup_interval_seconds must be > 0")
	}
	return nil
}

// ValidateServe checks what the HTTP API needs beyond Validate.
func (c Config) ValidateServe() error {
	if strings.TrimSpace(c.Auth.WorkerKey) == "" {
		return errors.New("auth.worker_key must be set")
	}
	return nil
}

// ValidateWorker checks what the worker runtime needs beyond Validate.
func (c Config) ValidateWorker() error {
	if strings.TrimSpace(c.Auth.WorkerKey) == "" {
		return errors.New("auth.worker_key must be set")
	}
	w := c.Worker
	if w.APIBaseURL == "" {
		return errors.New("worker.api_base_url is required")
	}
	if w.Concurrency <= 0 || w.MaxBatch <= 0 {
		return errors.New("worker.concurrency and worker.max_batch must be > 0")
	}
	if w.IdleRetryCount < 0 {
		return errors.New("worker.idle_retry_count must be >= 0")
	}
	if w.PollIntervalSeconds <= 0 || w.RequestTimeoutSeconds <= 0 {
		return errors.New("worker.poll_interval_seconds and worker.request_timeout_seconds must be > 0")
	}
	if w.ClaimsPerSecond <= 0 {
		return errors.New("worker.claims_per_second must be > 0")
	}
	switch w.Converter {
	case ConverterRedirect:
	case ConverterGraphQL:
		if w.GraphQL.Endpoint == "" || w.GraphQL.BodyTemplate == "" {
			return errors.New("worker.graphql.endpoint and worker.graphql.body_template are required")
		}
		if len(w.GraphQL.ResultPaths) == 0 {
			return errors.New("worker.graphql.result_paths must list at least one path")
		}
	default:
		return fmt.Errorf("worker.converter %q is not one of redirect, graphql", w.Converter)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RequestTimeout bounds handler execution.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// Retention is how long jobs are kept after creation.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionHours) * time.Hour
}

// JobCleanupInterval is the period of the retention sweep.
func (c Config) JobCleanupInterval() time.Duration {
	return time.Duration(c.Queue.CleanupIntervalSeconds) * time.Second
}

// SweepTimeout bounds one sweep run.
func (c Config) SweepTimeout() time.Duration {
	return time.Duration(c.Queue.SweepTimeoutSeconds) * time.Second
}

// RateLimitWindow is the sliding window length.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// RateLimitCleanupInterval is the period of the limiter sweep.
func (c Config) RateLimitCleanupInterval() time.Duration {
	return time.Duration(c.RateLimit.CleanupIntervalSeconds) * time.Second
}

// MaxConnLifetime converts the pool lifetime to a duration.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeSeconds) * time.Second
}

// IdleRetryDelay is the pause between idle claim retries, never below 50ms.
func (w WorkerConfig) IdleRetryDelay() time.Duration {
	d := time.Duration(w.IdleRetryDelayMs) * time.Millisecond
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// PollInterval is the period between worker cycles.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// RequestTimeout bounds each call the worker makes.
func (w WorkerConfig) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutSeconds) * time.Second
}
