// Package worker runs the background loops that move rollups forward: proving
// transitions, submitting signed transactions, polling confirmations and
// releasing expired leases.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TickFunc performs one iteration of a loop. Errors are logged; the loop keeps going.
type TickFunc func(ctx context.Context) error

// Runner calls a TickFunc on a fixed interval until stopped.
type Runner struct {
	mu sync.Mutex

	name     string
	interval time.Duration
	tick     TickFunc
	log      *logrus.Entry

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

func NewRunner(name string, interval time.Duration, tick TickFunc, log *logrus.Entry) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		tick:     tick,
		log:      log.WithField("loop", name),
	}
}

func (r *Runner) Name() string { return r.name }

// Run blocks, ticking until ctx is done or Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	r.log.WithField("interval", r.interval).Info("starting")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopped")
			return nil
		case <-stop:
			r.log.Info("stopped")
			return nil
		case <-ticker.C:
			if err := r.tick(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Warn("tick failed")
			}
		}
	}
}

// Stop ends a running loop and waits for the current tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	done := r.doneCh
	r.mu.Unlock()
	<-done
}

func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
