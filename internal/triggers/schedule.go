package triggers

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tallybook/automaton/pkg/schema"
)

// cronParser accepts standard five-field cron expressions plus descriptors
// like @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether the expression parses, with a human-readable
// reason when it does not.
func ValidateCron(expression string) (bool, string) {
	if expression == "" {
		return false, "cron expression is empty"
	}
	if _, err := cronParser.Parse(expression); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// ScheduleLocation resolves the trigger's timezone, falling back to UTC for
// an empty or unknown name.
func ScheduleLocation(trig *schema.ScheduleTrigger) *time.Location {
	if trig == nil || trig.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(trig.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextRun returns the next fire time strictly after the given instant, in
// the trigger's timezone.
func NextRun(trig *schema.ScheduleTrigger, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(trig.Cron)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeTriggerValidation, "invalid cron expression %q: %v", trig.Cron, err)
	}
	return sched.Next(after.In(ScheduleLocation(trig))), nil
}

// NextRuns returns the next n fire times strictly after the given instant.
// The result is strictly increasing.
func NextRuns(trig *schema.ScheduleTrigger, after time.Time, n int) ([]time.Time, error) {
	sched, err := cronParser.Parse(trig.Cron)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTriggerValidation, "invalid cron expression %q: %v", trig.Cron, err)
	}
	runs := make([]time.Time, 0, n)
	t := after.In(ScheduleLocation(trig))
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		runs = append(runs, t)
	}
	return runs, nil
}

// Due reports whether a schedule should fire now, given when it last fired.
// A schedule with no recorded last fire is due as soon as its next run after
// the workflow activation has passed; the scheduler records a mark on
// activation so missed runs do not replay unboundedly.
func Due(trig *schema.ScheduleTrigger, nextRunAt *time.Time, now time.Time) bool {
	if nextRunAt == nil {
		return false
	}
	return !now.Before(*nextRunAt)
}
