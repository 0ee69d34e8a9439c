// Package model defines the core data types shared across the collector job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConcurrencyPolicy controls how many invocations of a job may be in flight.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ConcurrencyPolicy string

// RunStatus represents the lifecycle state of a single job invocation.
type RunStatus string

const (
	// PolicySingleton allows at most one invocation of the job at a time.
	PolicySingleton ConcurrencyPolicy = "singleton"
	// PolicyConcurrent allows invocations of the job to overlap freely.
	PolicyConcurrent ConcurrencyPolicy = "concurrent"

	// RunStatusPending indicates a run was created but has not started executing.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates a run is currently executing under a lease.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates a run finished successfully.
	RunStatusSuccess RunStatus = "success"
	// RunStatusFailed indicates a run finished with an error or timed out.
	RunStatusFailed RunStatus = "failed"
	// RunStatusSkipped indicates a fire slot was dropped because the job was busy.
	RunStatusSkipped RunStatus = "skipped"
)

// UnmarshalText implements encoding.TextUnmarshaler for ConcurrencyPolicy to allow env/JSON parsing.
func (p *ConcurrencyPolicy) UnmarshalText(text []byte) error {
	v := ConcurrencyPolicy(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid concurrency policy: %q", string(text))
	}
	*p = v
	return nil
}

// Valid returns true if the ConcurrencyPolicy is a known value.
func (p ConcurrencyPolicy) Valid() bool {
	return p == PolicySingleton || p == PolicyConcurrent
}

// Valid returns true if the RunStatus is a known value.
func (s RunStatus) Valid() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusSuccess ||
		s == RunStatusFailed || s == RunStatusSkipped
}

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusSkipped
}

// CanTransitionTo enforces the pending -> running -> {success,failed,skipped}
// lifecycle. Skipped may also be reached directly from pending when dispatch is
// rejected.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusSkipped
	case RunStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// JobDefinition describes one scheduled batch job. Definitions are built from
// static configuration at startup and never mutated afterwards.
type JobDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Spec        string            `json:"cron_expression"`
	Timezone    string            `json:"timezone"`
	Handler     string            `json:"handler"`
	Policy      ConcurrencyPolicy `json:"concurrency_policy"`
	MaxAttempts int               `json:"max_attempts"`
	Timeout     time.Duration     `json:"timeout_seconds"`
	Enabled     bool              `json:"enabled"`
}

// Validate checks the static fields of a definition. Cron expression validity is
// checked separately by the schedule package since it owns the parser.
func (d *JobDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(d.Handler) == "" {
		return fmt.Errorf("job %s: handler reference is required", d.ID)
	}
	if !d.Policy.Valid() {
		return fmt.Errorf("job %s: invalid concurrency policy %q", d.ID, d.Policy)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("job %s: max attempts must be >= 1", d.ID)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("job %s: timeout must be positive", d.ID)
	}
	return nil
}

// JobRun records a single invocation of a job. A row is created when the trigger
// engine fires a slot and becomes immutable once the status is terminal.
type JobRun struct {
	ID          string            `json:"id"                     db:"id"`
	JobID       string            `json:"job_id"                 db:"job_id"`
	ScheduledAt time.Time         `json:"scheduled_at"           db:"scheduled_at"`
	Policy      ConcurrencyPolicy `json:"policy"                 db:"policy"`
	StartedAt   *time.Time        `json:"started_at,omitempty"   db:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Status      RunStatus         `json:"status"                 db:"status"`
	Attempt     int               `json:"attempt"                db:"attempt"`
	LastError   *string           `json:"last_error,omitempty"   db:"last_error"`
	Stats       json.RawMessage   `json:"stats,omitempty"        db:"stats"`
	CreatedAt   time.Time         `json:"created_at"             db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"             db:"updated_at"`
}

// Duration returns the wall-clock execution time, or zero when the run never
// started or has not completed.
func (r *JobRun) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// RunStats summarises what a collection handler accomplished during one run.
// It is persisted on the JobRun for operator inspection.
type RunStats struct {
	SymbolsProcessed int `json:"symbols_processed,omitempty"`
	SymbolsUpserted  int `json:"symbols_upserted,omitempty"`
	BarsUpserted     int `json:"bars_upserted,omitempty"`
	WindowsSkipped   int `json:"windows_skipped,omitempty"`
}

// Merge accumulates another stats value into the receiver.
func (s *RunStats) Merge(other RunStats) {
	s.SymbolsProcessed += other.SymbolsProcessed
	s.SymbolsUpserted += other.SymbolsUpserted
	s.BarsUpserted += other.BarsUpserted
	s.WindowsSkipped += other.WindowsSkipped
}

// ErrRunnerSaturated is returned by the runner when its dispatch queue is full.
var ErrRunnerSaturated = errors.New("runner queue is full")

// ErrLeaseHeld is returned when a singleton job's lease is held by another owner.
var ErrLeaseHeld = errors.New("job lease is held")
