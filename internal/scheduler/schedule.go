// Package scheduler arms triggers for stored tasks and runs them through an
// agent, one execution per task at a time.
package scheduler

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rosterlabs/roster/internal/fault"
)

// Schedule kinds as stored on a task.
const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Schedule is the parsed trigger of a task: exactly one variant is set.
type Schedule struct {
	Kind string

	Cron     cron.Schedule // KindCron
	Interval time.Duration // KindInterval
	At       time.Time     // KindOnce
}

// Parse decodes a (kind, spec) pair: a standard 5-field cron expression, a
// positive integer of seconds, or an RFC3339 instant.
func Parse(kind, spec string) (Schedule, error) {
	switch kind {
	case KindCron:
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return Schedule{}, fault.Wrap(fault.ConfigInvalid, err, "schedule: bad cron expression %q", spec)
		}
		return Schedule{Kind: KindCron, Cron: sched}, nil

	case KindInterval:
		secs, err := strconv.Atoi(spec)
		if err != nil {
			return Schedule{}, fault.Wrap(fault.ConfigInvalid, err, "schedule: bad interval %q", spec)
		}
		if secs <= 0 {
			return Schedule{}, fault.New(fault.ConfigInvalid, "schedule: interval must be positive, got %d", secs)
		}
		return Schedule{Kind: KindInterval, Interval: time.Duration(secs) * time.Second}, nil

	case KindOnce:
		at, err := time.Parse(time.RFC3339, spec)
		if err != nil {
			return Schedule{}, fault.Wrap(fault.ConfigInvalid, err, "schedule: bad instant %q", spec)
		}
		return Schedule{Kind: KindOnce, At: at}, nil

	default:
		return Schedule{}, fault.New(fault.ConfigInvalid, "schedule: unknown kind %q", kind)
	}
}

// Next returns the next fire time after now. Intervals fire at
// last_run + d, clamped to now when overdue; a once-instant in the past
// fires immediately. Whether a task should stop firing at all is the
// scheduler's call, not the schedule's.
func (s Schedule) Next(now time.Time, lastRun *time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		// cron returns the zero time when the expression can never match
		// again (e.g. Feb 30): such a task stays loaded but is not armed.
		next := s.Cron.Next(now)
		return next, !next.IsZero()
	case KindInterval:
		if lastRun != nil {
			if next := lastRun.Add(s.Interval); next.After(now) {
				return next, true
			}
			return now, true
		}
		return now.Add(s.Interval), true
	case KindOnce:
		if s.At.Before(now) {
			return now, true
		}
		return s.At, true
	}
	return time.Time{}, false
}
