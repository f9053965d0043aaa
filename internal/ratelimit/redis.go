package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// admitScript keeps one sorted set per key scored by admission time in
// microseconds. Scores and bounds are computed by the caller so the script
// never does arithmetic on large numbers.
var admitScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1`)

// RedisConfig configures the shared limiter.
type RedisConfig struct {
	Config
	Prefix string
}

// Redis is a sliding-window limiter shared by every API replica that points
// at the same Redis. Keys expire on their own, so Sweep has nothing to do.
type Redis struct {
	client redis.Scripter
	cfg    Config
	prefix string
	clock  Clock
}

// NewRedis builds a limiter over client; a nil clock uses the wall clock.
func NewRedis(client redis.Scripter, cfg RedisConfig, clock Clock) *Redis {
	if clock == nil {
		clock = wallClock{}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "convertsp:ratelimit:"
	}
	return &Redis{client: client, cfg: cfg.Config.withDefaults(), prefix: prefix, clock: clock}
}

// Admit runs the sliding-window script for key.
func (r *Redis) Admit(ctx context.Context, key string) (bool, error) {
	now := r.clock.Now().UnixMicro()
	window := r.cfg.Window.Microseconds()
	ttl := r.cfg.Window.Milliseconds() + 1
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := admitScript.Run(ctx, r.client, []string{r.prefix + key},
		now,
		"("+strconv.FormatInt(now-window, 10),
		r.cfg.Max,
		member,
		ttl,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis admit: %w", err)
	}
	return res == 1, nil
}

// Sweep is a no-op; PEXPIRE reclaims idle keys.
func (r *Redis) Sweep(context.Context) (int, error) {
	return 0, nil
}
