package workflow

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextCronFire computes the first fire of a standard 5-field cron
// expression strictly after the given instant. tz is an IANA zone name
// applied before evaluation, empty meaning UTC; the result is returned in
// UTC. Unparseable expressions and unknown zones wrap ErrInvalidCron.
func NextCronFire(expr, tz string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidCron, tz, err)
		}
		loc = l
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next.UTC(), nil
}

// Validate checks the parts of a DelaySpec the engine evaluates itself.
// Definitions call it from Decide so a bad cron expression surfaces as a
// command error instead of a failed append later.
func (d DelaySpec) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("delay spec without an id")
	}
	if d.NextCommand == nil {
		return fmt.Errorf("delay %q without a next command", d.ID)
	}
	if d.CronExpression != "" {
		if _, err := NextCronFire(d.CronExpression, d.Timezone, time.Now()); err != nil {
			return err
		}
	} else if d.Until.IsZero() {
		return fmt.Errorf("delay %q has neither a fire time nor a cron expression", d.ID)
	}
	return nil
}
