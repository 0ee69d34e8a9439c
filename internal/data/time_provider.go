package data

import (
	"sync"
	"time"
)

// TimeProvider supplies the current time so scheduling and lease logic can be
// driven by a simulated clock in tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (r *RealTimeProvider) Now() time.Time {
	return time.Now()
}

// FixedTimeProvider implements TimeProvider with a settable time for tests.
// Safe for concurrent use.
type FixedTimeProvider struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedTimeProvider creates a FixedTimeProvider pinned to t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{t: t}
}

// Now returns the fixed time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// SetTime pins the clock to a new instant.
func (f *FixedTimeProvider) SetTime(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

// Advance moves the clock forward by d.
func (f *FixedTimeProvider) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}
