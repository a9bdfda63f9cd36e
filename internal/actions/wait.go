package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tallybook/automaton/pkg/schema"
)

const waitInputSchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string", "description": "Go duration string, e.g. \"30s\" or \"2h\""}
  },
  "required": ["duration"]
}`

// WaitAction implements "wait". It does no work itself; it returns a suspend
// signal and the engine parks the execution until the duration has elapsed.
type WaitAction struct{}

func NewWaitAction() *WaitAction { return &WaitAction{} }

func (a *WaitAction) Name() string { return "wait" }

func (a *WaitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Pause the execution for a fixed duration before continuing.",
		InputSchema: json.RawMessage(waitInputSchema),
	}
}

func (a *WaitAction) Validate(params map[string]any) error {
	if _, err := a.duration(params); err != nil {
		return err
	}
	return nil
}

func (a *WaitAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	dur, err := a.duration(input.Params)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]any{"duration": dur.String()})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "wait: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: data, Suspend: true, ResumeAfter: dur}, nil
}

func (a *WaitAction) duration(params map[string]any) (time.Duration, error) {
	raw := stringParam(params, "duration", "")
	if raw == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "wait: missing required param 'duration'")
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "wait: invalid duration %q", raw).WithCause(err)
	}
	if dur <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "wait: duration must be positive, got %q", raw)
	}
	return dur, nil
}
