// Package reaper fails over runs whose owning process died mid-execution.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/observability/metrics"
	"github.com/seoulquant/collector/internal/observability/statsd"
)

// Store is the persistence surface the reaper needs.
type Store interface {
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Store        Store
	Interval     time.Duration
	Logger       *slog.Logger
	Metrics      statsd.Sink
	TimeProvider data.TimeProvider
}

// Runner periodically marks running runs with expired leases as failed, which
// makes their jobs dispatchable again after a crash.
type Runner struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	metrics  statsd.Sink
	tp       data.TimeProvider
}

// NewRunner creates a reaper runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("reaper store is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "reaper")
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	return &Runner{
		store:    opts.Store,
		interval: interval,
		logger:   logger,
		metrics:  opts.Metrics,
		tp:       tp,
	}, nil
}

// Run drives the reap loop until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Runner) reap(ctx context.Context) {
	n, err := r.store.ReapExpired(ctx, r.tp.Now())
	if err != nil {
		r.logger.ErrorContext(ctx, "reap pass failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.WarnContext(ctx, "reaped orphaned runs", "count", n)
		metrics.EmitReap(r.metrics, n)
	}
}
