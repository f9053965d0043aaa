package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func TestWindowRejectsAfterMaxAndRecovers(t *testing.T) {
	t.Parallel()

	clock := newClock()
	w := NewWindow(Config{Window: 10 * time.Second, Max: 3}, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := w.Admit(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, ok, "admission %d", i+1)
		clock.Advance(time.Second)
	}
	ok, err := w.Admit(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, ok)

	// The first admission happened at t0; it leaves the window just after t0+10s.
	clock.Advance(7*time.Second + time.Millisecond)
	ok, err = w.Admit(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWindowBoundaryTimestampStillCounts(t *testing.T) {
	t.Parallel()

	clock := newClock()
	w := NewWindow(Config{Window: 10 * time.Second, Max: 1}, clock)
	ctx := context.Background()

	ok, _ := w.Admit(ctx, "k")
	require.True(t, ok)
	clock.Advance(10 * time.Second)
	ok, _ = w.Admit(ctx, "k")
	require.False(t, ok)
	clock.Advance(time.Nanosecond)
	ok, _ = w.Admit(ctx, "k")
	require.True(t, ok)
}

func TestWindowKeysAreIsolated(t *testing.T) {
	t.Parallel()

	w := NewWindow(Config{Window: time.Minute, Max: 1}, newClock())
	ctx := context.Background()

	ok, _ := w.Admit(ctx, "a")
	require.True(t, ok)
	ok, _ = w.Admit(ctx, "a")
	require.False(t, ok)
	ok, _ = w.Admit(ctx, "b")
	require.True(t, ok)
}

func TestWindowSweepRemovesOnlyExpiredKeys(t *testing.T) {
	t.Parallel()

	clock := newClock()
	w := NewWindow(Config{Window: 10 * time.Second, Max: 2}, clock)
	ctx := context.Background()

	_, _ = w.Admit(ctx, "old")
	clock.Advance(5 * time.Second)
	_, _ = w.Admit(ctx, "recent")

	removed, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Equal(t, 2, w.Len())

	clock.Advance(5*time.Second + time.Millisecond)
	removed, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, w.Len())

	clock.Advance(10 * time.Second)
	removed, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Zero(t, w.Len())
}

func TestWindowSweepDoesNotChangeAdmission(t *testing.T) {
	t.Parallel()

	clock := newClock()
	w := NewWindow(Config{Window: 10 * time.Second, Max: 1}, clock)
	ctx := context.Background()

	ok, _ := w.Admit(ctx, "k")
	require.True(t, ok)
	_, _ = w.Sweep(ctx)
	ok, _ = w.Admit(ctx, "k")
	require.False(t, ok)
}

func TestWindowConcurrentAdmitsNeverExceedMax(t *testing.T) {
	t.Parallel()

	w := NewWindow(Config{Window: time.Hour, Max: 5}, newClock())
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := w.Admit(ctx, "shared")
			if err == nil && ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, admitted)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultWindow, cfg.Window)
	require.Equal(t, DefaultMax, cfg.Max)
}

type fakeScripter struct {
	result any
	err    error
	keys   []string
	args   []any
}

func (f *fakeScripter) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, "", keys, args...)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	f.keys = keys
	f.args = args
	return redis.NewCmdResult(f.result, f.err)
}

func (f *fakeScripter) ScriptExists(context.Context, ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeScripter) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestRedisAdmitPassesWindowBounds(t *testing.T) {
	t.Parallel()

	clock := newClock()
	fake := &fakeScripter{result: int64(1)}
	r := NewRedis(fake, RedisConfig{Config: Config{Window: 10 * time.Second, Max: 4}, Prefix: "rl:"}, clock)

	ok, err := r.Admit(context.Background(), "9.9.9.9")
	require.NoError(t, err)
	require.True(t, ok)

	now := clock.Now().UnixMicro()
	require.Equal(t, []string{"rl:9.9.9.9"}, fake.keys)
	require.Len(t, fake.args, 5)
	require.Equal(t, now, fake.args[0])
	require.Equal(t, "("+strconv.FormatInt(now-10_000_000, 10), fake.args[1])
	require.Equal(t, 4, fake.args[2])
	require.Equal(t, int64(10_001), fake.args[4])
}

func TestRedisAdmitRejectedAndErrors(t *testing.T) {
	t.Parallel()

	r := NewRedis(&fakeScripter{result: int64(0)}, RedisConfig{}, newClock())
	ok, err := r.Admit(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)

	boom := errors.New("connection refused")
	r = NewRedis(&fakeScripter{err: boom}, RedisConfig{}, newClock())
	_, err = r.Admit(context.Background(), "k")
	require.ErrorIs(t, err, boom)

	removed, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, removed)
}
