package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conclave-run/conclave/internal/core"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Next computes the time a schedule next fires strictly after now. The
// second return value is false when the schedule has no further runs (an
// "at" schedule whose instant has already passed).
func Next(s core.Schedule, now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case core.ScheduleAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("scheduler: \"at\" schedule missing timestamp")
		}
		if !now.Before(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil

	case core.ScheduleEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("scheduler: \"every\" schedule missing duration")
		}
		anchor := s.Anchor
		if anchor.IsZero() {
			return now.Add(s.Every), true, nil
		}
		elapsed := now.Sub(anchor)
		ticks := elapsed / s.Every
		next := anchor.Add((ticks + 1) * s.Every)
		for !next.After(now) {
			next = next.Add(s.Every)
		}
		return next, true, nil

	case core.ScheduleCron:
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("scheduler: cron schedule missing expression")
		}
		loc := now.Location()
		if s.Timezone != "" {
			tz, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("scheduler: invalid timezone %q: %w", s.Timezone, err)
			}
			loc = tz
		}
		parsed, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("scheduler: invalid cron expression %q: %w", s.CronExpr, err)
		}
		next := parsed.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next, true, nil

	default:
		return time.Time{}, false, fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
}
