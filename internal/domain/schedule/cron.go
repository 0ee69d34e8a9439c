// Package schedule implements the cron trigger engine: timezone-aware fire time
// computation and the per-job dispatch state machine.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts the classic five-field form: minute hour dom month dow.
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Cron pairs a parsed cron expression with the timezone its fields are
// evaluated in.
type Cron struct {
	spec  string
	sched cron.Schedule
	loc   *time.Location
}

// ParseCron parses a five-field cron expression against the named timezone.
// An empty timezone defaults to UTC.
func ParseCron(spec, timezone string) (*Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}

	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}

	return &Cron{spec: spec, sched: sched, loc: loc}, nil
}

// Next returns the first fire time strictly after t, evaluated in the
// schedule's timezone.
func (c *Cron) Next(t time.Time) time.Time {
	return c.sched.Next(t.In(c.loc))
}

// LatestSlot walks the schedule forward from `from` and returns the most
// recent fire time that is not after `now`. The second return is false when no
// slot in (from, now] exists. Used for skip-to-next downtime recovery: however
// many slots were missed, only the latest one is reported.
func (c *Cron) LatestSlot(from, now time.Time) (time.Time, bool) {
	slot := from.In(c.loc)
	if slot.After(now) {
		return time.Time{}, false
	}
	for {
		next := c.sched.Next(slot)
		if next.After(now) {
			return slot, true
		}
		slot = next
	}
}

// String returns the original expression.
func (c *Cron) String() string {
	return c.spec
}

// Location exposes the schedule's timezone.
func (c *Cron) Location() *time.Location {
	return c.loc
}
