// Package dispatcher manages worker fan-out over the job API.
package dispatcher

import (
	"context"
	"sync"
)

// Runner is a long-lived worker loop.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher runs a fixed pool of runners.
type Dispatcher struct {
	runners []Runner
}

// New creates a Dispatcher.
func New(runners ...Runner) *Dispatcher {
	return &Dispatcher{runners: runners}
}

// Size reports how many runners the dispatcher starts.
func (d *Dispatcher) Size() int {
	return len(d.runners)
}

// Run starts all runners and blocks until the context finishes and every
// runner has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}
