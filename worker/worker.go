// Package worker runs the per-platform background loops (discovery,
// execution, analytics) and supervises their lifecycle.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go-engage/logging"
	"go-engage/metrics"
	"go-engage/platform"
	"go-engage/queue"
	"go-engage/settings"
	"go-engage/store"
)

type Kind string

const (
	KindDiscovery Kind = "discovery"
	KindExecution Kind = "execution"
	KindAnalytics Kind = "analytics"
)

// Kinds lists the loops the manager starts for every platform.
var Kinds = []Kind{KindDiscovery, KindExecution, KindAnalytics}

// Deps are the collaborators shared by every loop.
type Deps struct {
	Queue    *queue.Queue
	Settings settings.Provider
	Store    store.Store
	URLs     store.URLSet
	Registry *platform.Registry
	Logger   logging.Logger

	Now func() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a float in [0, 1) for delay jitter.
	Rand func() float64
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.NewDiscard()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = Sleep
	}
	if d.Rand == nil {
		d.Rand = rand.Float64
	}
	if d.URLs == nil {
		d.URLs = store.NewMemoryURLSet()
	}
	if d.Registry == nil {
		d.Registry = platform.NewRegistry()
	}
	return d
}

// Sleep is the context-aware default sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Loop is one periodic worker bound to a platform.
type Loop interface {
	Kind() Kind
	Platform() string
	// Interval is re-evaluated before every sleep so rate limit changes
	// apply from the next cycle.
	Interval(ctx context.Context) time.Duration
	Cycle(ctx context.Context) error
}

// Run drives l until ctx is cancelled. A failing cycle is logged and the
// loop carries on after the usual interval.
func Run(ctx context.Context, l Loop, d Deps) {
	d = d.withDefaults()
	log := d.Logger.WithFields(logging.Fields{"platform": l.Platform(), "worker": l.Kind()})
	log.Info("Worker started")
	defer log.Info("Worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		err := l.Cycle(ctx)
		switch {
		case err == nil:
			metrics.WorkerCycle(l.Platform(), string(l.Kind()), "ok")
		case errors.Is(err, context.Canceled):
			return
		default:
			metrics.WorkerCycle(l.Platform(), string(l.Kind()), "error")
			log.WithError(err).Error("Worker cycle failed")
		}
		if err := d.Sleep(ctx, l.Interval(ctx)); err != nil {
			return
		}
	}
}

// edge remembers a boolean state so callers can log transitions only.
type edge struct {
	mu    sync.Mutex
	known bool
	state bool
}

// set records v. The first value recorded counts as a change.
func (e *edge) set(v bool) (changed, first bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	first = !e.known
	changed = first || e.state != v
	e.known, e.state = true, v
	return changed, first
}

// haltGate reads the kill switch and logs only when its state changes.
type haltGate struct {
	edge
}

// Halted reports whether the loop must skip external actions. A kill switch
// that cannot be read counts as active.
func (g *haltGate) Halted(ctx context.Context, switches settings.Provider, log logging.Entry) bool {
	ks, err := switches.KillSwitch(ctx)
	halted := err != nil || ks.Active
	changed, first := g.set(halted)

	switch {
	case err != nil:
		log.WithError(err).Warn("Kill switch unreadable; skipping cycle")
	case changed && halted:
		reason := ""
		if ks.Reason != nil {
			reason = *ks.Reason
		}
		log.WithField("reason", reason).Warn("Kill switch active; worker paused")
	case changed && !first:
		log.Info("Kill switch cleared; worker resumed")
	}
	return halted
}

func expireStale(ctx context.Context, q *queue.Queue, log logging.Entry) {
	if _, err := q.ExpireStale(ctx); err != nil {
		log.WithError(err).Warn("Failed to expire stale tasks")
	}
}
