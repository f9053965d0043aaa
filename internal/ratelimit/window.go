// Package ratelimit implements sliding-window admission control keyed by
// client identity.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Defaults mirror the public intake endpoint's limits.
const (
	DefaultWindow = 10 * time.Second
	DefaultMax    = 6
)

// Admitter decides whether a request from key may proceed.
type Admitter interface {
	Admit(ctx context.Context, key string) (bool, error)
	// Sweep drops state for keys with no admissions inside the window and
	// returns how many keys were removed.
	Sweep(ctx context.Context) (int, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config controls the window size and the number of admissions per window.
type Config struct {
	Window time.Duration
	Max    int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	return c
}

// Window is an in-process sliding-window limiter. All key state sits behind
// one mutex; every operation is O(admissions in window) for one key, except
// Sweep which visits every key.
type Window struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	buckets map[string][]time.Time
}

// NewWindow builds a limiter; a nil clock uses the wall clock.
func NewWindow(cfg Config, clock Clock) *Window {
	if clock == nil {
		clock = wallClock{}
	}
	return &Window{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		buckets: make(map[string][]time.Time),
	}
}

// Admit records an admission for key unless Max admissions already fall
// inside the trailing window.
func (w *Window) Admit(_ context.Context, key string) (bool, error) {
	now := w.clock.Now()
	cutoff := now.Add(-w.cfg.Window)

	w.mu.Lock()
	defer w.mu.Unlock()
	q := trim(w.buckets[key], cutoff)
	if len(q) >= w.cfg.Max {
		w.buckets[key] = q
		return false, nil
	}
	w.buckets[key] = append(q, now)
	return true, nil
}

// Sweep trims every key and deletes the empty ones.
func (w *Window) Sweep(_ context.Context) (int, error) {
	cutoff := w.clock.Now().Add(-w.cfg.Window)

	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for key, q := range w.buckets {
		q = trim(q, cutoff)
		if len(q) == 0 {
			delete(w.buckets, key)
			removed++
			continue
		}
		w.buckets[key] = q
	}
	return removed, nil
}

// Len reports how many keys currently hold state.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buckets)
}

// trim drops timestamps strictly older than cutoff from the front.
func trim(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	if i == len(q) {
		return nil
	}
	return q[i:]
}
