// Package failurenotifier fans run-failure events out to the configured
// notification sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/seoulquant/collector/internal/observability/notify"
)

// SinkRegistration pairs a sink with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
}

// Service dispatches failure events to all registered sinks. Delivery errors
// are logged, never propagated: a broken webhook must not affect job
// execution.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	return &Service{logger: logger, sinks: sinks}
}

// NotifyRunFailure fans the payload out to all sinks and waits for delivery.
func (s *Service) NotifyRunFailure(ctx context.Context, payload notify.RunFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendRunFailure(ctx, payload); err != nil {
				s.logger.Error("failure notifier delivery error",
					"sink", entry.Name,
					"run_id", payload.RunID,
					"job_id", payload.JobID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
