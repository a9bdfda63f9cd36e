package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/pkg/schema"
)

func TestWaitValidate(t *testing.T) {
	a := NewWaitAction()

	require.Error(t, a.Validate(nil), "duration is required")
	require.Error(t, a.Validate(map[string]any{"duration": "soon"}), "duration must parse")
	require.Error(t, a.Validate(map[string]any{"duration": "-5m"}), "duration must be positive")
	require.Error(t, a.Validate(map[string]any{"duration": "0s"}))
	require.NoError(t, a.Validate(map[string]any{"duration": "30s"}))
	require.NoError(t, a.Validate(map[string]any{"duration": "2h45m"}))
}

func TestWaitExecuteReturnsSuspend(t *testing.T) {
	a := NewWaitAction()

	out, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params:   map[string]any{"duration": "15m"},
	})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.True(t, out.Suspend)
	assert.Equal(t, 15*time.Minute, out.ResumeAfter)

	data := decodeOutput(t, out)
	assert.Equal(t, "15m0s", data["duration"])
}

func TestWaitExecuteInvalidDuration(t *testing.T) {
	a := NewWaitAction()

	_, err := a.Execute(context.Background(), ActionInput{
		TenantID: "t1",
		Params:   map[string]any{"duration": "whenever"},
	})
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeValidation, aerr.Code)
}
