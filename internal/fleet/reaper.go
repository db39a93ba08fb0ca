package fleet

import (
	"context"
	"sync"
	"time"
)

// Reaper periodically evicts tablets that have gone silent.
//
// A tablet that disconnects cleanly removes itself; the reaper exists for
// connections that died without a close frame, whose records would otherwise
// stay online forever. Each sweep compares every record's last-seen timestamp
// against now minus the staleness threshold and evicts the ones that fall
// behind it. Sweeps run on a single goroutine, so they never overlap.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	logger    Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a staleness reaper over the given registry.
// interval is how often to sweep; threshold is how long a tablet may stay
// silent before it is evicted.
func NewReaper(registry *Registry, interval, threshold time.Duration) *Reaper {
	return &Reaper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the reaper.
func (rp *Reaper) SetLogger(logger Logger) {
	rp.logger = logger
}

// SetClock overrides the reaper's time source. Used by tests.
func (rp *Reaper) SetClock(now func() time.Time) {
	rp.now = now
}

// Start launches the sweep loop. The loop stops when ctx is cancelled or
// Close is called.
func (rp *Reaper) Start(ctx context.Context) {
	ctx, rp.cancel = context.WithCancel(ctx)

	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()

		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()

		rp.logger.Info("staleness reaper started", "interval", rp.interval, "threshold", rp.threshold)
		for {
			select {
			case <-ctx.Done():
				rp.logger.Info("staleness reaper stopped")
				return
			case <-ticker.C:
				rp.Sweep()
			}
		}
	}()
}

// Sweep runs one eviction pass and returns the evicted records.
func (rp *Reaper) Sweep() []Tablet {
	cutoff := rp.now().UTC().Add(-rp.threshold)
	evicted := rp.registry.EvictStale(cutoff)
	if len(evicted) > 0 {
		rp.logger.Info("stale tablets evicted", "count", len(evicted))
	}
	return evicted
}

// Close stops the sweep loop and waits for it to exit.
func (rp *Reaper) Close() {
	if rp.cancel != nil {
		rp.cancel()
	}
	rp.wg.Wait()
}
