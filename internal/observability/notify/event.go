// Package notify defines the run-failure notification contract shared by the
// delivery sinks.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// RunFailurePayload is the canonical data emitted when a run exhausts its
// retry budget or hits a permanent failure.
type RunFailurePayload struct {
	RunID      string
	JobID      string
	Handler    string
	Attempt    int
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink is a destination capable of consuming run failure notifications.
type Sink interface {
	SendRunFailure(ctx context.Context, payload RunFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload RunFailurePayload) error

// SendRunFailure implements Sink.
func (f SinkFunc) SendRunFailure(ctx context.Context, payload RunFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
