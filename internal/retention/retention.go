// Package retention enforces the configured data lifetimes. A background
// sweeper periodically deletes session audio, transcripts, and reports
// that have aged past their retention windows, so recorded speech never
// outlives the policy even when nobody deletes it by hand.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultSweepInterval is the default period between sweep ticks.
const defaultSweepInterval = time.Hour

// TimeStore removes records created before a cutoff, returning how many
// were dropped. The audio store and report store implement this directly;
// context-aware stores are adapted via [CtxStore].
type TimeStore interface {
	DeleteOlderThan(cutoff time.Time) (int, error)
}

// CtxStore adapts a context-taking DeleteOlderThan (the transcript store)
// to [TimeStore] using the sweeper's run context.
type CtxStore func(ctx context.Context, cutoff time.Time) (int, error)

// Target is one store under retention management.
type Target struct {
	// Name labels the target in log output ("audio", "transcripts",
	// "reports").
	Name string

	// MaxAge is how long records live. Zero disables sweeping for this
	// target.
	MaxAge time.Duration

	Store TimeStore
	Ctx   CtxStore
}

// SweeperConfig configures a [Sweeper].
type SweeperConfig struct {
	// Targets are the stores to sweep each tick.
	Targets []Target

	// Interval is how often to sweep. Defaults to one hour if zero.
	Interval time.Duration
}

// Sweeper periodically deletes expired records from its targets. All
// methods are safe for concurrent use.
type Sweeper struct {
	targets  []Target
	interval time.Duration

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a [Sweeper] with the given configuration.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		targets:  cfg.Targets,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins periodic sweeping in a background goroutine. The goroutine
// runs until [Sweeper.Stop] is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// SweepNow performs an immediate sweep of every target and returns the
// total number of deleted records.
func (s *Sweeper) SweepNow(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.sweep(ctx)
			s.mu.Unlock()
		}
	}
}

// sweep runs one pass over all targets. Must be called with s.mu held.
// A failing target is logged and skipped; it does not stop the pass.
func (s *Sweeper) sweep(ctx context.Context) int {
	var total int
	now := time.Now()
	for _, t := range s.targets {
		if t.MaxAge <= 0 {
			continue
		}
		cutoff := now.Add(-t.MaxAge)

		var (
			n   int
			err error
		)
		switch {
		case t.Store != nil:
			n, err = t.Store.DeleteOlderThan(cutoff)
		case t.Ctx != nil:
			n, err = t.Ctx(ctx, cutoff)
		default:
			continue
		}
		if err != nil {
			slog.Warn("retention sweep failed",
				"target", t.Name, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("retention sweep removed expired records",
				"target", t.Name, "deleted", n, "cutoff", cutoff)
		}
		total += n
	}
	return total
}
