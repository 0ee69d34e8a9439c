// Package data provides PostgreSQL-backed repositories for job runs, leases,
// symbols, price bars, and watermarks.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/domain/job"
	"github.com/seoulquant/collector/internal/domain/model"
)

// ErrDuplicateSlot is returned when a run for the same (job_id, scheduled_at)
// slot already exists. Callers treat it as an idempotent no-op.
var ErrDuplicateSlot = errors.New("run already exists for this slot")

// ErrRunNotFound is returned when a run id does not match any row, or the row
// is already terminal and therefore immutable.
var ErrRunNotFound = errors.New("job run not found or already terminal")

// RunRepo persists JobRun rows and the per-job singleton leases.
type RunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewRunRepo creates a RunRepo.
func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewRunRepoWithTimeProvider creates a RunRepo with an injected clock.
func NewRunRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *RunRepo {
	return &RunRepo{DB: db, timeProvider: tp}
}

const runColumns = `
  id,
  job_id,
  scheduled_at,
  policy,
  started_at,
  completed_at,
  status,
  attempt,
  last_error,
  stats,
  created_at,
  updated_at
`

// CreateRun inserts a pending run for a fire slot. The unique index on
// (job_id, scheduled_at) makes slot creation idempotent across scheduler
// replicas; the loser gets ErrDuplicateSlot. The job's concurrency policy is
// denormalized onto the row so the reaper knows which runs are lease-backed.
func (r *RunRepo) CreateRun(ctx context.Context, jobID string, policy model.ConcurrencyPolicy, scheduledAt time.Time) (*model.JobRun, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("create run: invalid concurrency policy %q", policy)
	}
	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO job_runs (id, job_id, scheduled_at, policy, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
		RETURNING `+runColumns,
		uuid.NewString(), jobID, scheduledAt.UTC(), policy, now,
	)
	run, err := scanRun(row)
	if err != nil {
		if apperrors.IsUniqueViolation(err) {
			return nil, ErrDuplicateSlot
		}
		return nil, apperrors.MapDBError(fmt.Errorf("insert job run: %w", err))
	}
	return run, nil
}

// MarkRunning transitions a pending run to running.
func (r *RunRepo) MarkRunning(ctx context.Context, id string) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'running', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, now,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("mark run running: %w", err))
	}
	return requireRow(res)
}

// RecordAttempt bumps the attempt counter on a running run.
func (r *RunRepo) RecordAttempt(ctx context.Context, id string, attempt int) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET attempt = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'`,
		id, attempt, now,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("record attempt: %w", err))
	}
	return requireRow(res)
}

// FinishRunParams carries the terminal state for a run.
type FinishRunParams struct {
	ID      string
	Status  model.RunStatus
	Attempt int
	ErrMsg  string
	Stats   *model.RunStats
}

// FinishRun transitions a run to a terminal status. Pending runs may only be
// skipped; running runs may reach any terminal status. Terminal rows are
// immutable, so a second finish attempt reports ErrRunNotFound.
func (r *RunRepo) FinishRun(ctx context.Context, p FinishRunParams) error {
	if !p.Status.Terminal() {
		return fmt.Errorf("finish run: %q is not a terminal status", p.Status)
	}

	var statsJSON []byte
	if p.Stats != nil {
		var err error
		statsJSON, err = json.Marshal(p.Stats)
		if err != nil {
			return fmt.Errorf("marshal run stats: %w", err)
		}
	}

	var errMsg *string
	if p.ErrMsg != "" {
		errMsg = &p.ErrMsg
	}

	allowedFrom := "('running')"
	if p.Status == model.RunStatusSkipped {
		allowedFrom = "('pending', 'running')"
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET status = $2, attempt = GREATEST(attempt, $3), completed_at = $4,
		    last_error = $5, stats = COALESCE($6, stats), updated_at = $4
		WHERE id = $1 AND status IN `+allowedFrom,
		p.ID, p.Status, p.Attempt, now, errMsg, statsJSON,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("finish run: %w", err))
	}
	return requireRow(res)
}

// GetRun loads one run by id.
func (r *RunRepo) GetRun(ctx context.Context, id string) (*model.JobRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, apperrors.MapDBError(fmt.Errorf("get run: %w", err))
	}
	return run, nil
}

// ListRuns returns the most recent runs for a job, newest first.
func (r *RunRepo) ListRuns(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE job_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list runs: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var runs []*model.JobRun
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate runs: %w", rowsErr)
	}
	return runs, nil
}

// AcquireLease takes the singleton lease for a job using a compare-and-swap
// against the lease's expiry: the insert wins on a free slot, the conflicting
// update wins only when the previous lease has expired. Returns false when the
// lease is held by a live owner — the later writer loses and backs off.
func (r *RunRepo) AcquireLease(ctx context.Context, jobID string, owner job.Owner, ttl time.Duration) (bool, error) {
	now := r.timeProvider.Now().UTC()
	expires := now.Add(ttl)

	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO job_leases (job_id, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET owner = EXCLUDED.owner,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at <= $3 OR job_leases.owner = EXCLUDED.owner`,
		jobID, string(owner), now, expires,
	)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("acquire lease: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease rows affected: %w", err)
	}
	return n > 0, nil
}

// RenewLease extends a held lease. Returns false when the lease is no longer
// owned by the caller (expired and reclaimed by someone else).
func (r *RunRepo) RenewLease(ctx context.Context, jobID string, owner job.Owner, ttl time.Duration) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_leases
		SET expires_at = $3
		WHERE job_id = $1 AND owner = $2`,
		jobID, string(owner), now.Add(ttl),
	)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("renew lease: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if still held by owner. Releasing an already
// expired or reclaimed lease is a no-op, never an error: release must be
// unconditional on the runner's exit path.
func (r *RunRepo) ReleaseLease(ctx context.Context, jobID string, owner job.Owner) error {
	_, err := r.DB.ExecContext(ctx, `
		DELETE FROM job_leases
		WHERE job_id = $1 AND owner = $2`,
		jobID, string(owner),
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("release lease: %w", err))
	}
	return nil
}

// ReapExpired fails singleton runs stuck in running whose lease has expired or
// vanished. This is the crash-recovery path: the process died mid-run, so the
// run is terminal-failed and the job becomes dispatchable again. Concurrent
// runs carry no lease and are never reaped; their terminal state is written by
// the worker that executes them.
func (r *RunRepo) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs jr
		SET status = 'failed',
		    last_error = 'lease expired: runner presumed dead',
		    completed_at = $1,
		    updated_at = $1
		WHERE jr.status = 'running'
		  AND jr.policy = 'singleton'
		  AND NOT EXISTS (
		    SELECT 1 FROM job_leases l
		    WHERE l.job_id = jr.job_id AND l.expires_at > $1
		  )`,
		now.UTC(),
	)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("reap expired runs: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap rows affected: %w", err)
	}
	return int(n), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanRun.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.JobRun, error) {
	var (
		run       model.JobRun
		startedAt sql.NullTime
		completed sql.NullTime
		lastError sql.NullString
		stats     []byte
	)
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.ScheduledAt,
		&run.Policy,
		&startedAt,
		&completed,
		&run.Status,
		&run.Attempt,
		&lastError,
		&stats,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	if lastError.Valid {
		run.LastError = &lastError.String
	}
	if len(stats) > 0 {
		run.Stats = json.RawMessage(stats)
	}
	return &run, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}
