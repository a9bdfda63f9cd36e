package triggers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/pkg/schema"
)

func TestValidateCron(t *testing.T) {
	cases := []struct {
		expr string
		ok   bool
	}{
		{"0 9 * * 1-5", true},
		{"*/15 * * * *", true},
		{"@daily", true},
		{"", false},
		{"61 * * * *", false},
		{"* * *", false},
	}
	for _, tc := range cases {
		ok, reason := ValidateCron(tc.expr)
		assert.Equal(t, tc.ok, ok, tc.expr)
		if !tc.ok {
			assert.NotEmpty(t, reason, tc.expr)
		}
	}
}

func TestNextRun(t *testing.T) {
	trig := &schema.ScheduleTrigger{Cron: "0 9 * * *"}
	after := time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)

	next, err := NextRun(trig, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextRunHonorsTimezone(t *testing.T) {
	trig := &schema.ScheduleTrigger{Cron: "0 9 * * *", Timezone: "Europe/Madrid"}
	// 09:00 Madrid in June is 07:00 UTC (CEST).
	after := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)

	next, err := NextRun(trig, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 14, 7, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextRunsStrictlyIncreasing(t *testing.T) {
	trig := &schema.ScheduleTrigger{Cron: "*/30 * * * *"}
	after := time.Date(2024, 6, 14, 10, 15, 0, 0, time.UTC)

	runs, err := NextRuns(trig, after, 4)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	for i := 1; i < len(runs); i++ {
		assert.True(t, runs[i].After(runs[i-1]))
	}
	assert.Equal(t, time.Date(2024, 6, 14, 10, 30, 0, 0, time.UTC), runs[0].UTC())
}

func TestNextRunInvalidCron(t *testing.T) {
	_, err := NextRun(&schema.ScheduleTrigger{Cron: "bogus"}, time.Now())
	require.Error(t, err)

	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeTriggerValidation, aerr.Code)
}

func TestScheduleLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, ScheduleLocation(nil))
	assert.Equal(t, time.UTC, ScheduleLocation(&schema.ScheduleTrigger{}))
	assert.Equal(t, time.UTC, ScheduleLocation(&schema.ScheduleTrigger{Timezone: "Mars/Olympus"}))
}

func TestDue(t *testing.T) {
	trig := &schema.ScheduleTrigger{Cron: "0 9 * * *"}
	now := time.Date(2024, 6, 14, 9, 0, 30, 0, time.UTC)

	// No mark yet: never due, the scheduler records one first.
	assert.False(t, Due(trig, nil, now))

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	assert.True(t, Due(trig, &past, now))
	assert.True(t, Due(trig, &now, now))
	assert.False(t, Due(trig, &future, now))
}
