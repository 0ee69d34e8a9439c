// Package job holds execution-side policies: lease TTL resolution and
// retry backoff.
package job

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidGrace indicates the configured lease grace period is negative.
var ErrInvalidGrace = errors.New("lease grace must not be negative")

// ErrInvalidDefaultTimeout indicates the fallback run timeout is not positive.
var ErrInvalidDefaultTimeout = errors.New("default timeout must be positive")

// Owner identifies the process instance holding a lease. A fresh identity is
// minted per process so a restarted scheduler cannot silently reuse a lease it
// held before crashing.
type Owner string

// NewOwner mints a process-unique lease owner identity.
func NewOwner() Owner {
	return Owner(uuid.NewString())
}

// LeasePolicy resolves how long a job's persisted lease lives. The TTL covers
// the run's hard timeout plus a grace period so a crashed process's lease
// expires and becomes reclaimable rather than deadlocking the job forever.
type LeasePolicy struct {
	grace          time.Duration
	defaultTimeout time.Duration
}

// NewLeasePolicy constructs a LeasePolicy.
func NewLeasePolicy(grace, defaultTimeout time.Duration) (*LeasePolicy, error) {
	if grace < 0 {
		return nil, ErrInvalidGrace
	}
	if defaultTimeout <= 0 {
		return nil, ErrInvalidDefaultTimeout
	}
	return &LeasePolicy{grace: grace, defaultTimeout: defaultTimeout}, nil
}

// Grace returns the configured grace period.
func (p *LeasePolicy) Grace() time.Duration {
	if p == nil {
		return 0
	}
	return p.grace
}

// TTL resolves the lease lifetime for a run with the given hard timeout.
// Non-positive timeouts fall back to the default. The result is clamped to a
// whole, positive number of seconds for storage.
func (p *LeasePolicy) TTL(timeout time.Duration) time.Duration {
	if p == nil {
		return 0
	}
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	return time.Duration(ttlSeconds(timeout+p.grace)) * time.Second
}

func ttlSeconds(d time.Duration) int64 {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return 1
	}
	if seconds > math.MaxInt32 {
		return math.MaxInt32
	}
	return seconds
}
