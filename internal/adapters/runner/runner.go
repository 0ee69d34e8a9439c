// Package runner executes dispatched job runs on a bounded worker pool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/job"
	"github.com/seoulquant/collector/internal/domain/model"
	obserrors "github.com/seoulquant/collector/internal/observability/errors"
	"github.com/seoulquant/collector/internal/observability/metrics"
	"github.com/seoulquant/collector/internal/observability/notify"
	"github.com/seoulquant/collector/internal/observability/statsd"
	"github.com/seoulquant/collector/internal/service"
	"github.com/seoulquant/collector/internal/service/failurenotifier"
)

// RunStore is the run/lease persistence surface the runner needs.
type RunStore interface {
	CreateRun(ctx context.Context, jobID string, policy model.ConcurrencyPolicy, scheduledAt time.Time) (*model.JobRun, error)
	MarkRunning(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id string, attempt int) error
	FinishRun(ctx context.Context, p data.FinishRunParams) error
	AcquireLease(ctx context.Context, jobID string, owner job.Owner, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, jobID string, owner job.Owner, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobID string, owner job.Owner) error
}

// Options configures the runner.
type Options struct {
	Runs     RunStore
	Registry *service.Registry
	Lease    *job.LeasePolicy
	Backoff  *job.Backoff

	Workers   int
	QueueSize int

	Logger          *slog.Logger
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
	TimeProvider    data.TimeProvider
}

type task struct {
	def model.JobDefinition
	run *model.JobRun
}

// Runner accepts dispatches from the trigger engine and executes them on a
// fixed pool of workers. Dispatch never blocks on execution; a full queue
// rejects the slot with model.ErrRunnerSaturated.
type Runner struct {
	runs     RunStore
	registry *service.Registry
	lease    *job.LeasePolicy
	backoff  *job.Backoff

	queue   chan task
	workers int

	logger   *slog.Logger
	metrics  statsd.Sink
	notifier *failurenotifier.Service
	tp       data.TimeProvider
}

// NewRunner validates options and constructs a Runner. Start must be called
// before the runner accepts dispatches.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Runs == nil {
		return nil, errors.New("run store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if opts.Lease == nil {
		return nil, errors.New("lease policy is required")
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = job.NewBackoff(0, 0, 0)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "runner")
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	return &Runner{
		runs:     opts.Runs,
		registry: opts.Registry,
		lease:    opts.Lease,
		backoff:  backoff,
		queue:    make(chan task, queueSize),
		workers:  workers,
		logger:   logger,
		metrics:  opts.Metrics,
		notifier: opts.FailureNotifier,
		tp:       tp,
	}, nil
}

// Dispatch implements schedule.Dispatcher. It records the fire slot and hands
// the run to a worker. A slot that already has a run (another replica won the
// insert) is a silent no-op; a full queue marks the run skipped and rejects.
func (r *Runner) Dispatch(ctx context.Context, def model.JobDefinition, scheduledAt time.Time) error {
	run, err := r.runs.CreateRun(ctx, def.ID, def.Policy, scheduledAt)
	if err != nil {
		if errors.Is(err, data.ErrDuplicateSlot) {
			r.logger.DebugContext(ctx, "slot already claimed",
				"job_id", def.ID, "scheduled_at", scheduledAt)
			return nil
		}
		return fmt.Errorf("create run: %w", err)
	}

	select {
	case r.queue <- task{def: def, run: run}:
		return nil
	default:
		r.finishRun(ctx, data.FinishRunParams{
			ID:     run.ID,
			Status: model.RunStatusSkipped,
			ErrMsg: "runner queue full",
		})
		metrics.EmitRunLifecycle(r.metrics, metrics.RunMetric{
			JobID:  def.ID,
			Result: metrics.ResultSkipped,
		})
		return model.ErrRunnerSaturated
	}
}

// Start runs the worker pool until ctx is canceled.
func (r *Runner) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case t := <-r.queue:
					r.execute(ctx, t)
				}
			}
		})
	}
	return g.Wait()
}

// execute drives one run through lease acquisition, the retry loop, and
// terminal recording. Handler failures never propagate: the run fails, the
// process does not.
func (r *Runner) execute(ctx context.Context, t task) {
	if t.def.Policy == model.PolicySingleton {
		r.executeSingleton(ctx, t)
		return
	}
	r.executeRun(ctx, t)
}

func (r *Runner) executeSingleton(ctx context.Context, t task) {
	owner := job.NewOwner()
	ttl := r.lease.TTL(t.def.Timeout)

	acquired, err := r.runs.AcquireLease(ctx, t.def.ID, owner, ttl)
	if err != nil {
		r.logger.ErrorContext(ctx, "lease acquisition failed",
			"job_id", t.def.ID, "run_id", t.run.ID, "error", err)
		r.finishRun(ctx, data.FinishRunParams{
			ID:     t.run.ID,
			Status: model.RunStatusFailed,
			ErrMsg: fmt.Sprintf("acquire lease: %v", err),
		})
		return
	}
	if !acquired {
		// Previous invocation still holds the lease: this slot is dropped, not
		// queued behind it.
		r.logger.InfoContext(ctx, "slot skipped, job busy",
			"job_id", t.def.ID,
			"run_id", t.run.ID,
			"scheduled_at", t.run.ScheduledAt,
		)
		r.finishRun(ctx, data.FinishRunParams{
			ID:     t.run.ID,
			Status: model.RunStatusSkipped,
			ErrMsg: model.ErrLeaseHeld.Error(),
		})
		metrics.EmitRunLifecycle(r.metrics, metrics.RunMetric{
			JobID:  t.def.ID,
			Result: metrics.ResultSkipped,
		})
		return
	}
	defer func() {
		if err := r.runs.ReleaseLease(context.WithoutCancel(ctx), t.def.ID, owner); err != nil {
			r.logger.WarnContext(ctx, "lease release failed",
				"job_id", t.def.ID, "error", err)
		}
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go r.renewLoop(renewCtx, t.def.ID, owner, ttl)

	r.executeRun(ctx, t)
}

// renewLoop extends the lease at a third of its TTL so a healthy run never
// loses it, while a dead process forfeits it within one TTL.
func (r *Runner) renewLoop(ctx context.Context, jobID string, owner job.Owner, ttl time.Duration) {
	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.runs.RenewLease(ctx, jobID, owner, ttl)
			if err != nil {
				r.logger.WarnContext(ctx, "lease renewal failed", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				r.logger.ErrorContext(ctx, "lease lost mid-run", "job_id", jobID)
				return
			}
		}
	}
}

func (r *Runner) executeRun(ctx context.Context, t task) {
	handler, ok := r.registry.Resolve(t.def.Handler)
	if !ok {
		// The registry is validated at boot; getting here means the job table
		// changed under us.
		r.finishRun(ctx, data.FinishRunParams{
			ID:     t.run.ID,
			Status: model.RunStatusFailed,
			ErrMsg: fmt.Sprintf("unknown handler %q", t.def.Handler),
		})
		return
	}

	if err := r.runs.MarkRunning(ctx, t.run.ID); err != nil {
		r.logger.ErrorContext(ctx, "run start transition failed",
			"job_id", t.def.ID, "run_id", t.run.ID, "error", err)
		// The run never started; leave a terminal row rather than a pending
		// orphan the reaper cannot see.
		r.finishRun(ctx, data.FinishRunParams{
			ID:     t.run.ID,
			Status: model.RunStatusSkipped,
			ErrMsg: fmt.Sprintf("start transition failed: %v", err),
		})
		return
	}
	started := r.tp.Now()

	runCtx, cancel := context.WithTimeout(ctx, t.def.Timeout)
	defer cancel()

	stats, attempt, err := r.attemptLoop(runCtx, t, handler)
	duration := r.tp.Now().Sub(started)

	if err == nil {
		r.finishRun(ctx, data.FinishRunParams{
			ID:      t.run.ID,
			Status:  model.RunStatusSuccess,
			Attempt: attempt,
			Stats:   &stats,
		})
		r.logger.InfoContext(ctx, "run finished",
			"job_id", t.def.ID,
			"run_id", t.run.ID,
			"scheduled_at", t.run.ScheduledAt,
			"status", model.RunStatusSuccess,
			"attempt", attempt,
			"duration", duration,
			"symbols_processed", stats.SymbolsProcessed,
			"symbols_upserted", stats.SymbolsUpserted,
			"bars_upserted", stats.BarsUpserted,
			"windows_skipped", stats.WindowsSkipped,
		)
		metrics.EmitRunLifecycle(r.metrics, metrics.RunMetric{
			JobID:    t.def.ID,
			Result:   metrics.ResultSuccess,
			Attempt:  attempt,
			Duration: duration,
		})
		return
	}

	errMsg := err.Error()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		errMsg = fmt.Sprintf("run timed out after %s: %v", t.def.Timeout, err)
	}
	r.finishRun(ctx, data.FinishRunParams{
		ID:      t.run.ID,
		Status:  model.RunStatusFailed,
		Attempt: attempt,
		ErrMsg:  errMsg,
		Stats:   &stats,
	})
	r.logger.ErrorContext(ctx, "run finished",
		"job_id", t.def.ID,
		"run_id", t.run.ID,
		"scheduled_at", t.run.ScheduledAt,
		"status", model.RunStatusFailed,
		"attempt", attempt,
		"duration", duration,
		"error", errMsg,
	)
	metrics.EmitRunLifecycle(r.metrics, metrics.RunMetric{
		JobID:    t.def.ID,
		Result:   metrics.ResultError,
		Attempt:  attempt,
		Duration: duration,
		Err:      err,
	})
	if r.notifier.Enabled() {
		r.notifier.NotifyRunFailure(context.WithoutCancel(ctx), notify.RunFailurePayload{
			RunID:      t.run.ID,
			JobID:      t.def.ID,
			Handler:    t.def.Handler,
			Attempt:    attempt,
			Error:      errMsg,
			ErrorClass: obserrors.Classify(err),
			OccurredAt: r.tp.Now(),
			Metadata: map[string]string{
				"scheduled_at": t.run.ScheduledAt.UTC().Format(time.RFC3339),
			},
		})
	}
}

// attemptLoop retries the handler inside the run's deadline. Returns the
// stats of the last attempt and how many attempts were made.
func (r *Runner) attemptLoop(ctx context.Context, t task, handler service.HandlerFunc) (model.RunStats, int, error) {
	var (
		stats   model.RunStats
		lastErr error
	)
	attempt := 0
	for attempt < t.def.MaxAttempts {
		attempt++
		if err := r.runs.RecordAttempt(ctx, t.run.ID, attempt); err != nil {
			r.logger.WarnContext(ctx, "attempt record failed",
				"run_id", t.run.ID, "attempt", attempt, "error", err)
		}

		stats, lastErr = handler(ctx)
		if lastErr == nil {
			return stats, attempt, nil
		}
		if !apperrors.IsRetryable(lastErr) || attempt >= t.def.MaxAttempts {
			return stats, attempt, lastErr
		}

		r.logger.WarnContext(ctx, "attempt failed, retrying",
			"job_id", t.def.ID,
			"run_id", t.run.ID,
			"attempt", attempt,
			"error", lastErr,
		)

		delay := r.backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return stats, attempt, fmt.Errorf("%w (after: %w)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return stats, attempt, lastErr
}

// finishRun records a terminal state, shielded from cancellation so crash-free
// shutdowns always leave terminal rows behind.
func (r *Runner) finishRun(ctx context.Context, p data.FinishRunParams) {
	if err := r.runs.FinishRun(context.WithoutCancel(ctx), p); err != nil {
		r.logger.ErrorContext(ctx, "run finish transition failed",
			"run_id", p.ID, "status", p.Status, "error", err)
	}
}
