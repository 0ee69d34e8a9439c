package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seoulquant/collector/internal/domain/model"
)

// JobState tracks where a job sits in the dispatch cycle.
type JobState string

const (
	// StateIdle means the job has not been primed with a fire time yet.
	StateIdle JobState = "idle"
	// StateScheduled means the job is waiting for its next fire time.
	StateScheduled JobState = "scheduled"
	// StateDue means the fire time has passed and dispatch is in progress.
	StateDue JobState = "due"
	// StateDispatched means the slot was handed to the runner.
	StateDispatched JobState = "dispatched"
)

// Dispatcher hands a due job to the execution layer. Dispatch must not block on
// job execution; it returns model.ErrRunnerSaturated when the slot cannot be
// accepted, in which case the engine drops the slot and reschedules.
type Dispatcher interface {
	Dispatch(ctx context.Context, def model.JobDefinition, scheduledAt time.Time) error
}

// entry is the engine's per-job bookkeeping. All mutation happens on the tick
// goroutine; the engine itself is not safe for concurrent Tick calls.
type entry struct {
	def      model.JobDefinition
	cron     *Cron
	state    JobState
	nextFire time.Time
}

// Engine owns the job table and emits at most one dispatch per job per fire
// slot. It is driven by an external tick loop through Tick(ctx, now) so tests
// can inject a simulated clock.
type Engine struct {
	entries    []*entry
	dispatcher Dispatcher
	logger     *slog.Logger
}

// EngineOptions holds dependencies for NewEngine.
type EngineOptions struct {
	Jobs       []model.JobDefinition
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// NewEngine validates the static job table and builds the trigger engine.
// Invalid cron expressions or definitions are configuration errors and fail
// construction; the caller treats that as fatal at process start.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "trigger_engine")
	}

	seen := make(map[string]struct{}, len(opts.Jobs))
	entries := make([]*entry, 0, len(opts.Jobs))
	for i := range opts.Jobs {
		def := opts.Jobs[i]
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("duplicate job id %q", def.ID)
		}
		seen[def.ID] = struct{}{}

		c, err := ParseCron(def.Spec, def.Timezone)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", def.ID, err)
		}
		entries = append(entries, &entry{def: def, cron: c, state: StateIdle})
	}

	return &Engine{
		entries:    entries,
		dispatcher: opts.Dispatcher,
		logger:     logger,
	}, nil
}

// Jobs returns the engine's job table (copies, the table is immutable).
func (e *Engine) Jobs() []model.JobDefinition {
	defs := make([]model.JobDefinition, 0, len(e.entries))
	for _, en := range e.entries {
		defs = append(defs, en.def)
	}
	return defs
}

// Lookup finds a definition by id, for ad-hoc dispatch through the ops surface.
func (e *Engine) Lookup(id string) (model.JobDefinition, bool) {
	for _, en := range e.entries {
		if en.def.ID == id {
			return en.def, true
		}
	}
	return model.JobDefinition{}, false
}

// Tick evaluates every enabled job against now and dispatches the due ones.
// Returns the number of dispatches handed to the runner. A dispatch rejection
// never fails the tick; the slot is dropped and the job rescheduled, so a busy
// job cannot queue slots indefinitely.
func (e *Engine) Tick(ctx context.Context, now time.Time) (int, error) {
	dispatched := 0
	for _, en := range e.entries {
		if !en.def.Enabled {
			continue
		}
		if e.tickOne(ctx, en, now) {
			dispatched++
		}
	}
	return dispatched, ctx.Err()
}

func (e *Engine) tickOne(ctx context.Context, en *entry, now time.Time) bool {
	if en.state == StateIdle {
		// First observation of this job: schedule forward from now so slots
		// missed before boot are not replayed.
		en.nextFire = en.cron.Next(now)
		en.state = StateScheduled
		return false
	}

	if now.Before(en.nextFire) {
		return false
	}

	// Skip-to-next: if several slots elapsed (scheduler outage, long tick gap)
	// only the most recent one fires.
	slot, ok := en.cron.LatestSlot(en.nextFire, now)
	if !ok {
		slot = en.nextFire
	}

	en.state = StateDue
	err := e.dispatcher.Dispatch(ctx, en.def, slot)
	switch {
	case err == nil:
		en.state = StateDispatched
	case errors.Is(err, model.ErrRunnerSaturated):
		e.logger.WarnContext(ctx, "dispatch rejected, slot skipped",
			"job_id", en.def.ID,
			"scheduled_at", slot,
		)
	default:
		e.logger.ErrorContext(ctx, "dispatch failed, slot skipped",
			"job_id", en.def.ID,
			"scheduled_at", slot,
			"error", err,
		)
	}

	// Regardless of outcome the job returns to Scheduled for its next slot.
	en.nextFire = en.cron.Next(now)
	en.state = StateScheduled
	return err == nil
}
