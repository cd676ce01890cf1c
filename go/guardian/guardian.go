// Package guardian is the error kernel of the probe. It owns the queue
// scheduler: it spawns it, watches for abnormal termination, and restarts
// it within a bounded budget. Exceeding the budget is fatal to the process.
package guardian

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrSupervisionFatal marks an exhausted restart budget.
var ErrSupervisionFatal = errors.New("scheduler restart budget exhausted")

// Supervised is a restartable child: a scheduler, from the guardian's
// point of view.
type Supervised interface {
	// Done closes when the child's loop has exited.
	Done() <-chan struct{}
	// Err reports why the loop exited; nil means a clean stop.
	Err() error
	// Stop halts the child and awaits its exit.
	Stop()
}

// Config of a Guardian.
type Config struct {
	// MaxRestarts within Window before giving up.
	MaxRestarts int
	Window      time.Duration
}

// Guardian supervises one Supervised child built by a factory.
type Guardian struct {
	cfg   Config
	build func() Supervised

	current  atomic.Pointer[childSlot]
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

type childSlot struct {
	child Supervised
}

// New spawns a Guardian over children built by |build|.
func New(cfg Config, build func() Supervised) *Guardian {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	var g = &Guardian{
		cfg:   cfg,
		build: build,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go g.watch()
	return g
}

// Current returns the live child, or nil while a restart is in progress
// or after the guardian has given up. Callers treat nil as unavailable.
func (g *Guardian) Current() Supervised {
	var slot = g.current.Load()
	if slot == nil {
		return nil
	}
	return slot.child
}

// Stop halts the guardian and its child.
func (g *Guardian) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}

// Done closes when supervision has ended.
func (g *Guardian) Done() <-chan struct{} { return g.done }

// Err reports why supervision ended. ErrSupervisionFatal wraps the child's
// last failure when the restart budget was exhausted; nil after Stop.
func (g *Guardian) Err() error {
	<-g.done
	return g.err
}

func (g *Guardian) watch() {
	defer close(g.done)

	var restarts []time.Time

	var child = g.build()
	g.current.Store(&childSlot{child: child})

	for {
		select {
		case <-g.stop:
			g.current.Store(&childSlot{})
			child.Stop()
			return

		case <-child.Done():
			var cause = child.Err()
			if cause == nil {
				// A clean child exit outside Stop still ends supervision:
				// nothing is left to serve requests.
				g.current.Store(&childSlot{})
				return
			}

			g.current.Store(&childSlot{})
			var now = time.Now()
			restarts = append(restarts, now)
			restarts = trimWindow(restarts, now.Add(-g.cfg.Window))

			if len(restarts) > g.cfg.MaxRestarts {
				g.err = fmt.Errorf("%w: %d failures within %s, last: %v",
					ErrSupervisionFatal, len(restarts), g.cfg.Window, cause)
				log.WithFields(log.Fields{
					"failures": len(restarts),
					"window":   g.cfg.Window,
					"err":      cause,
				}).Error("scheduler restart budget exhausted")
				return
			}

			log.WithFields(log.Fields{
				"restart": len(restarts),
				"budget":  g.cfg.MaxRestarts,
				"err":     cause,
			}).Warn("restarting scheduler")

			child = g.build()
			g.current.Store(&childSlot{child: child})
		}
	}
}

// trimWindow drops restart timestamps older than |cutoff|.
func trimWindow(restarts []time.Time, cutoff time.Time) []time.Time {
	var out = restarts[:0]
	for _, ts := range restarts {
		if !ts.Before(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}
