// Package scheduler drives the trigger engine with a wall-clock tick loop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/schedule"
	"github.com/seoulquant/collector/internal/observability/metrics"
	"github.com/seoulquant/collector/internal/observability/statsd"
)

// Heartbeat records when the scheduler last completed a tick. The liveness
// probe uses it to detect a wedged loop.
type Heartbeat struct {
	mu   sync.RWMutex
	last time.Time
}

// Beat records a completed tick.
func (h *Heartbeat) Beat(now time.Time) {
	h.mu.Lock()
	h.last = now
	h.mu.Unlock()
}

// Last returns the most recent tick time.
func (h *Heartbeat) Last() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Fresh reports whether a tick completed within maxAge of now.
func (h *Heartbeat) Fresh(now time.Time, maxAge time.Duration) bool {
	last := h.Last()
	return !last.IsZero() && now.Sub(last) <= maxAge
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Engine       *schedule.Engine
	Interval     time.Duration
	Logger       *slog.Logger
	Metrics      statsd.Sink
	TimeProvider data.TimeProvider
	Heartbeat    *Heartbeat
}

// Runner evaluates the trigger engine at a fixed interval.
type Runner struct {
	engine    *schedule.Engine
	interval  time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
	tp        data.TimeProvider
	heartbeat *Heartbeat
}

// NewRunner creates a scheduler runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Engine == nil {
		return nil, errors.New("trigger engine is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	hb := opts.Heartbeat
	if hb == nil {
		hb = &Heartbeat{}
	}
	return &Runner{
		engine:    opts.Engine,
		interval:  interval,
		logger:    logger,
		metrics:   opts.Metrics,
		tp:        tp,
		heartbeat: hb,
	}, nil
}

// Heartbeat exposes the tick heartbeat for the liveness probe.
func (r *Runner) Heartbeat() *Heartbeat {
	return r.heartbeat
}

// Run drives the tick loop until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "scheduler started",
		"interval", r.interval,
		"jobs", len(r.engine.Jobs()),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	now := r.tp.Now()
	started := time.Now()

	fired, err := r.engine.Tick(ctx, now)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.ErrorContext(ctx, "tick failed", "error", err)
	}
	if fired > 0 {
		r.logger.InfoContext(ctx, "tick dispatched jobs", "fired", fired)
	}

	metrics.EmitTick(r.metrics, fired, time.Since(started))
	r.heartbeat.Beat(now)
}
