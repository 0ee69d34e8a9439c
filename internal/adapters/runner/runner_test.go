package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/job"
	"github.com/seoulquant/collector/internal/domain/model"
	"github.com/seoulquant/collector/internal/service"
)

// fakeRunStore records every transition and signals when a run reaches a
// terminal state.
type fakeRunStore struct {
	mu sync.Mutex

	nextID         int
	createErr      error
	duplicate      bool
	leaseBusy      bool
	leaseErr       error
	markRunningErr error
	runs           map[string]*model.JobRun
	attempts       map[string][]int
	finishes       []data.FinishRunParams
	acquired       []string
	released       []string
	finishedCh     chan data.FinishRunParams
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:       map[string]*model.JobRun{},
		attempts:   map[string][]int{},
		finishedCh: make(chan data.FinishRunParams, 16),
	}
}

func (f *fakeRunStore) CreateRun(ctx context.Context, jobID string, policy model.ConcurrencyPolicy, scheduledAt time.Time) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.duplicate {
		return nil, data.ErrDuplicateSlot
	}
	f.nextID++
	run := &model.JobRun{
		ID:          fmt.Sprintf("run-%d", f.nextID),
		JobID:       jobID,
		ScheduledAt: scheduledAt,
		Policy:      policy,
		Status:      model.RunStatusPending,
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRunStore) MarkRunning(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markRunningErr != nil {
		return f.markRunningErr
	}
	f.runs[id].Status = model.RunStatusRunning
	return nil
}

func (f *fakeRunStore) RecordAttempt(ctx context.Context, id string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id] = append(f.attempts[id], attempt)
	return nil
}

func (f *fakeRunStore) FinishRun(ctx context.Context, p data.FinishRunParams) error {
	f.mu.Lock()
	f.finishes = append(f.finishes, p)
	if run, ok := f.runs[p.ID]; ok {
		run.Status = p.Status
	}
	f.mu.Unlock()
	f.finishedCh <- p
	return nil
}

func (f *fakeRunStore) AcquireLease(ctx context.Context, jobID string, owner job.Owner, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseErr != nil {
		return false, f.leaseErr
	}
	if f.leaseBusy {
		return false, nil
	}
	f.acquired = append(f.acquired, jobID)
	return true, nil
}

func (f *fakeRunStore) RenewLease(ctx context.Context, jobID string, owner job.Owner, ttl time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeRunStore) ReleaseLease(ctx context.Context, jobID string, owner job.Owner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
	return nil
}

func (f *fakeRunStore) attemptsFor(id string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attempts[id]...)
}

func testDef(policy model.ConcurrencyPolicy, attempts int) model.JobDefinition {
	return model.JobDefinition{
		ID:          "collect_price_data",
		Handler:     "test_handler",
		Policy:      policy,
		MaxAttempts: attempts,
		Timeout:     5 * time.Second,
		Enabled:     true,
	}
}

func newTestRunner(t *testing.T, store *fakeRunStore, handler service.HandlerFunc) *Runner {
	t.Helper()

	registry := service.NewRegistry(nil)
	registry.Register("test_handler", handler)

	lease, err := job.NewLeasePolicy(time.Second, time.Minute)
	require.NoError(t, err)

	r, err := NewRunner(Options{
		Runs:     store,
		Registry: registry,
		Lease:    lease,
		Backoff:  job.NewBackoff(time.Millisecond, 5*time.Millisecond, 0),
		Workers:  1,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)
	return r
}

// startRunner runs the worker pool in the background for the test's lifetime.
func startRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFinished(t *testing.T, store *fakeRunStore) data.FinishRunParams {
	t.Helper()
	select {
	case p := <-store.finishedCh:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached a terminal state")
		return data.FinishRunParams{}
	}
}

func TestRunnerSuccessAfterRetries(t *testing.T) {
	store := newFakeRunStore()
	calls := 0
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		calls++
		if calls < 3 {
			return model.RunStats{}, apperrors.Transient("exchange flapping")
		}
		return model.RunStats{BarsUpserted: 7}, nil
	})
	startRunner(t, r)

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	require.NoError(t, r.Dispatch(context.Background(), testDef(model.PolicySingleton, 3), now))

	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusSuccess, p.Status)
	assert.Equal(t, 3, p.Attempt, "two transient failures then success, all within one run")
	require.NotNil(t, p.Stats)
	assert.Equal(t, 7, p.Stats.BarsUpserted)
	assert.Equal(t, []int{1, 2, 3}, store.attemptsFor(p.ID))

	// The lease is released once the run completes.
	assert.Equal(t, []string{"collect_price_data"}, store.released)
}

func TestRunnerPermanentFailureDoesNotRetry(t *testing.T) {
	store := newFakeRunStore()
	calls := 0
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		calls++
		return model.RunStats{}, apperrors.Permanent("bad credentials")
	})
	startRunner(t, r)

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	require.NoError(t, r.Dispatch(context.Background(), testDef(model.PolicySingleton, 3), now))

	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusFailed, p.Status)
	assert.Equal(t, 1, p.Attempt)
	assert.Equal(t, 1, calls)
	assert.Contains(t, p.ErrMsg, "bad credentials")
}

func TestRunnerExhaustsAttempts(t *testing.T) {
	store := newFakeRunStore()
	calls := 0
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		calls++
		return model.RunStats{}, apperrors.Transient("still down")
	})
	startRunner(t, r)

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	require.NoError(t, r.Dispatch(context.Background(), testDef(model.PolicySingleton, 3), now))

	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusFailed, p.Status)
	assert.Equal(t, 3, p.Attempt)
	assert.Equal(t, 3, calls)
}

func TestRunnerLeaseHeldSkipsSlot(t *testing.T) {
	store := newFakeRunStore()
	store.leaseBusy = true
	handlerRan := false
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		handlerRan = true
		return model.RunStats{}, nil
	})
	startRunner(t, r)

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	require.NoError(t, r.Dispatch(context.Background(), testDef(model.PolicySingleton, 3), now))

	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusSkipped, p.Status)
	assert.Equal(t, model.ErrLeaseHeld.Error(), p.ErrMsg)
	assert.False(t, handlerRan, "a busy singleton never executes the handler")
	assert.Empty(t, store.released)
}

func TestRunnerConcurrentPolicySkipsLease(t *testing.T) {
	store := newFakeRunStore()
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		return model.RunStats{}, nil
	})
	startRunner(t, r)

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	require.NoError(t, r.Dispatch(context.Background(), testDef(model.PolicyConcurrent, 1), now))

	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusSuccess, p.Status)
	assert.Empty(t, store.acquired, "concurrent jobs take no lease")
}

func TestRunnerDuplicateSlotIsNoOp(t *testing.T) {
	store := newFakeRunStore()
	store.duplicate = true
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		return model.RunStats{}, nil
	})

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	err := r.Dispatch(context.Background(), testDef(model.PolicySingleton, 3), now)
	assert.NoError(t, err, "a slot claimed by another replica is not an error")
	assert.Empty(t, store.finishes)
}

func TestRunnerFullQueueRejectsWithSaturated(t *testing.T) {
	store := newFakeRunStore()
	registry := service.NewRegistry(nil)
	registry.Register("test_handler", func(ctx context.Context) (model.RunStats, error) {
		return model.RunStats{}, nil
	})
	lease, err := job.NewLeasePolicy(time.Second, time.Minute)
	require.NoError(t, err)

	r, err := NewRunner(Options{
		Runs:      store,
		Registry:  registry,
		Lease:     lease,
		Workers:   1,
		QueueSize: 1,
		Logger:    slog.Default(),
	})
	require.NoError(t, err)
	// Workers are not started: the first dispatch fills the queue, the second
	// must be rejected.

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	def := testDef(model.PolicySingleton, 3)
	require.NoError(t, r.Dispatch(context.Background(), def, now))

	err = r.Dispatch(context.Background(), def, now.Add(24*time.Hour))
	assert.ErrorIs(t, err, model.ErrRunnerSaturated)

	// The rejected slot is recorded skipped, not lost.
	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusSkipped, p.Status)
	assert.Equal(t, "runner queue full", p.ErrMsg)
}

func TestRunnerStartTransitionFailureLeavesTerminalRow(t *testing.T) {
	store := newFakeRunStore()
	store.markRunningErr = fmt.Errorf("connection reset")
	handlerRan := false
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		handlerRan = true
		return model.RunStats{}, nil
	})
	startRunner(t, r)

	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	require.NoError(t, r.Dispatch(context.Background(), testDef(model.PolicySingleton, 3), now))

	// The run must not be left pending forever: the reaper only watches
	// running rows, so the worker records the slot skipped itself.
	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusSkipped, p.Status)
	assert.Contains(t, p.ErrMsg, "start transition failed")
	assert.False(t, handlerRan)
	assert.Equal(t, []string{"collect_price_data"}, store.released)
}

func TestRunnerTimeoutFailsRun(t *testing.T) {
	store := newFakeRunStore()
	r := newTestRunner(t, store, func(ctx context.Context) (model.RunStats, error) {
		<-ctx.Done()
		return model.RunStats{}, ctx.Err()
	})
	startRunner(t, r)

	def := testDef(model.PolicySingleton, 1)
	def.Timeout = 50 * time.Millisecond
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	require.NoError(t, r.Dispatch(context.Background(), def, now))

	p := waitFinished(t, store)
	assert.Equal(t, model.RunStatusFailed, p.Status)
	assert.Contains(t, p.ErrMsg, "timed out")
}

func TestNewRunnerValidation(t *testing.T) {
	lease, err := job.NewLeasePolicy(time.Second, time.Minute)
	require.NoError(t, err)

	_, err = NewRunner(Options{Registry: service.NewRegistry(nil), Lease: lease})
	assert.Error(t, err, "run store required")

	_, err = NewRunner(Options{Runs: newFakeRunStore(), Lease: lease})
	assert.Error(t, err, "registry required")

	_, err = NewRunner(Options{Runs: newFakeRunStore(), Registry: service.NewRegistry(nil)})
	assert.Error(t, err, "lease policy required")
}
