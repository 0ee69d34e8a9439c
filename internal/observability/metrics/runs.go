// Package metrics emits standardised scheduler and run lifecycle metrics.
package metrics

import (
	"time"

	obserrors "github.com/seoulquant/collector/internal/observability/errors"
	"github.com/seoulquant/collector/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// RunMetric captures one run lifecycle event.
type RunMetric struct {
	JobID    string
	Result   string
	Attempt  int
	Duration time.Duration
	Err      error
}

// EmitRunLifecycle emits counters and timings for a finished run.
func EmitRunLifecycle(sink statsd.Sink, in RunMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_id": in.JobID,
		"result": in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("run.finished", 1, tags)
	if in.Attempt > 1 {
		sink.Count("run.retries", int64(in.Attempt-1), map[string]string{"job_id": in.JobID})
	}
	if in.Duration > 0 {
		sink.Timing("run.duration", in.Duration, map[string]string{"job_id": in.JobID, "result": in.Result})
	}
}

// EmitTick records one scheduler evaluation pass and how many jobs it fired.
func EmitTick(sink statsd.Sink, fired int, duration time.Duration) {
	if sink == nil {
		return
	}
	sink.Count("scheduler.tick", 1, nil)
	if fired > 0 {
		sink.Count("scheduler.fired", int64(fired), nil)
	}
	sink.Timing("scheduler.tick_duration", duration, nil)
}

// EmitReap records how many stuck runs the reaper failed over.
func EmitReap(sink statsd.Sink, reaped int) {
	if sink == nil || reaped <= 0 {
		return
	}
	sink.Count("reaper.reaped", int64(reaped), nil)
}
