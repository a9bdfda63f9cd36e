package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tallybook/automaton/internal/actions"
	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/logging"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

// stepResult is the outcome of one step: where to go next, or that the
// execution suspended and the walker must stop.
type stepResult struct {
	next      string
	suspended bool
}

// walk executes steps from stepID until the workflow ends, fails, suspends,
// or is cancelled out from under it.
func (e *Engine) walk(ctx context.Context, ex *store.Execution, def *schema.WorkflowDefinition, stepID string) {
	executed := 0
	for stepID != "" {
		executed++
		if executed > e.config.MaxSteps {
			_ = e.fail(ctx, ex, schema.NewErrorf(schema.ErrCodeValidation,
				"step limit %d exceeded, workflow graph likely cyclic", e.config.MaxSteps).WithStep(stepID))
			return
		}

		// Cancellation wins over whatever the walker would do next.
		current, err := e.store.GetExecution(ctx, ex.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "walk: reload execution failed", "execution_id", ex.ID, "error", err)
			return
		}
		if current.Status == schema.ExecutionStatusCancelled {
			e.logger.InfoContext(ctx, "execution cancelled mid-walk", "step_id", stepID)
			return
		}

		step := def.Step(stepID)
		if step == nil {
			_ = e.fail(ctx, ex, schema.NewErrorf(schema.ErrCodeValidation,
				"step %q not found in workflow %s", stepID, def.ID).WithStep(stepID))
			return
		}

		result, err := e.executeStep(ctx, ex, def, step)
		if err != nil {
			_ = e.fail(ctx, ex, err)
			return
		}
		if result.suspended {
			return
		}

		cs := step.ID
		if err := e.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
			Variables:   ex.Variables,
			CurrentStep: &cs,
		}); err != nil {
			e.logger.ErrorContext(ctx, "walk: persist step result failed", "step_id", step.ID, "error", err)
			_ = e.fail(ctx, ex, schema.NewError(schema.ErrCodeStore, "persist step result failed").WithCause(err).WithStep(step.ID))
			return
		}
		ex.CurrentStep = cs
		stepID = result.next
	}
	e.complete(ctx, ex)
}

// executeStep runs one step and reports where to go next. Errors returned
// from here fail the execution.
func (e *Engine) executeStep(ctx context.Context, ex *store.Execution, def *schema.WorkflowDefinition, step *schema.Step) (stepResult, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	e.publish(ctx, ex, schema.EventStepStarted, step.ID, map[string]any{"step_type": string(step.Type)})
	start := time.Now()

	var result stepResult
	var err error
	switch step.Type {
	case schema.StepTypeCondition:
		result, err = e.runCondition(ctx, ex, step)
	case schema.StepTypeAction:
		result, err = e.runAction(ctx, ex, step, start)
	case schema.StepTypeDelay:
		result, err = e.runDelay(ctx, ex, step)
	case schema.StepTypeApproval:
		result, err = e.runApproval(ctx, ex, step)
	case schema.StepTypeSubWorkflow:
		result, err = e.runSubWorkflow(ctx, ex, step)
	case schema.StepTypeLoop:
		result, err = e.runLoop(ctx, ex, def, step, start)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID)
	}

	if err != nil {
		if autoErr, ok := err.(*schema.AutomationError); ok && autoErr.StepID == "" {
			autoErr.StepID = step.ID
		}
		e.publish(ctx, ex, schema.EventStepFailed, step.ID, map[string]any{"error": err.Error()})
		return stepResult{}, err
	}
	if !result.suspended {
		e.publish(ctx, ex, schema.EventStepCompleted, step.ID, map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return result, nil
}

func (e *Engine) runCondition(ctx context.Context, ex *store.Execution, step *schema.Step) (stepResult, error) {
	cfg := step.Condition
	if cfg == nil {
		return stepResult{}, schema.NewError(schema.ErrCodeValidation, "condition step has no condition config")
	}

	matched := e.conditions.Matches(&cfg.If, ex.Variables)
	e.publish(ctx, ex, schema.EventConditionEvaluated, step.ID, map[string]any{"result": matched})
	e.logStep(ctx, ex, step, nil, mustJSON(map[string]any{"result": matched}), nil, 0)

	if matched {
		return stepResult{next: cfg.OnTrue}, nil
	}
	return stepResult{next: cfg.OnFalse}, nil
}

func (e *Engine) runAction(ctx context.Context, ex *store.Execution, step *schema.Step, start time.Time) (stepResult, error) {
	cfg := step.Action
	if cfg == nil {
		return stepResult{}, schema.NewError(schema.ErrCodeValidation, "action step has no action config")
	}

	action, err := e.registry.Get(cfg.Action)
	if err != nil {
		return stepResult{}, err
	}

	interpolated, err := expressions.InterpolateParams(cfg.Params, ex.Variables)
	if err != nil {
		return stepResult{}, err
	}
	var params map[string]any
	if len(interpolated) > 0 {
		if uerr := json.Unmarshal(interpolated, &params); uerr != nil {
			return stepResult{}, schema.NewError(schema.ErrCodeInterpolation, "action params are not a JSON object").WithCause(uerr)
		}
	}

	out, err := action.Execute(ctx, actions.ActionInput{
		TenantID:  ex.TenantID,
		Params:    params,
		Variables: ex.Variables,
	})
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		e.logStep(ctx, ex, step, interpolated, nil, err, durationMs)
		return stepResult{}, err
	}

	var output json.RawMessage
	if out != nil {
		output = out.Data
	}
	e.logStep(ctx, ex, step, interpolated, output, nil, durationMs)
	e.recordStepOutput(ex, step.ID, output)

	if out != nil && out.Suspend {
		resumeAt := time.Now().UTC().Add(out.ResumeAfter)
		if err := e.suspend(ctx, ex, step.ID, schema.WaitReasonDelay, &resumeAt); err != nil {
			return stepResult{}, err
		}
		return stepResult{suspended: true}, nil
	}

	return stepResult{next: step.Next}, nil
}

func (e *Engine) runDelay(ctx context.Context, ex *store.Execution, step *schema.Step) (stepResult, error) {
	cfg := step.Delay
	if cfg == nil {
		return stepResult{}, schema.NewError(schema.ErrCodeValidation, "delay step has no delay config")
	}
	dur, err := time.ParseDuration(cfg.Duration)
	if err != nil || dur <= 0 {
		return stepResult{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay duration %q", cfg.Duration)
	}

	resumeAt := time.Now().UTC().Add(dur)
	if err := e.suspend(ctx, ex, step.ID, schema.WaitReasonDelay, &resumeAt); err != nil {
		return stepResult{}, err
	}
	e.logStep(ctx, ex, step, mustJSON(map[string]any{"duration": cfg.Duration}), mustJSON(map[string]any{"resume_at": resumeAt}), nil, 0)
	return stepResult{suspended: true}, nil
}

func (e *Engine) runApproval(ctx context.Context, ex *store.Execution, step *schema.Step) (stepResult, error) {
	cfg := step.Approval
	if cfg == nil {
		return stepResult{}, schema.NewError(schema.ErrCodeValidation, "approval step has no approval config")
	}

	message := expressions.Interpolate(cfg.Message, ex.Variables)
	if err := e.suspend(ctx, ex, step.ID, schema.WaitReasonApproval, nil); err != nil {
		return stepResult{}, err
	}
	e.publish(ctx, ex, schema.EventApprovalRequested, step.ID, map[string]any{
		"approvers": cfg.Approvers,
		"message":   message,
	})
	e.logStep(ctx, ex, step, mustJSON(map[string]any{"approvers": cfg.Approvers, "message": message}), nil, nil, 0)
	return stepResult{suspended: true}, nil
}

func (e *Engine) runSubWorkflow(ctx context.Context, ex *store.Execution, step *schema.Step) (stepResult, error) {
	cfg := step.SubWorkflow
	if cfg == nil {
		return stepResult{}, schema.NewError(schema.ErrCodeValidation, "subworkflow step has no subworkflow config")
	}

	childDef, err := e.store.GetDefinition(ctx, cfg.WorkflowID)
	if err != nil {
		return stepResult{}, err
	}
	if childDef.Status != schema.WorkflowStatusActive {
		return stepResult{}, schema.NewErrorf(schema.ErrCodeValidation,
			"subworkflow %s is %s, not active", childDef.ID, childDef.Status)
	}

	childVars := map[string]any{}
	if len(cfg.Params) > 0 {
		raw, merr := json.Marshal(cfg.Params)
		if merr != nil {
			return stepResult{}, schema.NewError(schema.ErrCodeInterpolation, "subworkflow params are not serializable").WithCause(merr)
		}
		interpolated, ierr := expressions.InterpolateParams(raw, ex.Variables)
		if ierr != nil {
			return stepResult{}, ierr
		}
		if uerr := json.Unmarshal(interpolated, &childVars); uerr != nil {
			return stepResult{}, schema.NewError(schema.ErrCodeInterpolation, "subworkflow params are not a JSON object").WithCause(uerr)
		}
	}

	// Suspend first so the child cannot finish before the parent is waiting.
	if err := e.suspend(ctx, ex, step.ID, schema.WaitReasonSubWorkflow, nil); err != nil {
		return stepResult{}, err
	}

	childID, err := e.StartChild(ctx, childDef, ex.ID, childVars)
	if err != nil {
		return stepResult{}, err
	}
	e.logStep(ctx, ex, step, mustJSON(map[string]any{"workflow_id": cfg.WorkflowID}), mustJSON(map[string]any{"execution_id": childID}), nil, 0)
	return stepResult{suspended: true}, nil
}

// runLoop iterates the body steps once per item. Body steps run in slice
// order; suspension inside a loop body is rejected at validation time.
func (e *Engine) runLoop(ctx context.Context, ex *store.Execution, def *schema.WorkflowDefinition, step *schema.Step, start time.Time) (stepResult, error) {
	cfg := step.Loop
	if cfg == nil {
		return stepResult{}, schema.NewError(schema.ErrCodeValidation, "loop step has no loop config")
	}

	over, err := e.expr.Evaluate(ctx, cfg.Over, ex.Variables)
	if err != nil {
		return stepResult{}, err
	}
	items := asList(over)

	maxIter := cfg.MaxIter
	if maxIter <= 0 || maxIter > e.config.MaxLoopIter {
		maxIter = e.config.MaxLoopIter
	}
	if len(items) > maxIter {
		items = items[:maxIter]
	}

	if ex.Variables == nil {
		ex.Variables = map[string]any{}
	}
	for i, item := range items {
		ex.Variables["loop"] = map[string]any{"item": item, "index": i}
		for bi := range cfg.Body {
			body := &cfg.Body[bi]
			result, err := e.executeStep(ctx, ex, def, body)
			if err != nil {
				delete(ex.Variables, "loop")
				return stepResult{}, err
			}
			if result.suspended {
				delete(ex.Variables, "loop")
				return stepResult{}, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q cannot suspend inside a loop body", body.ID).WithStep(step.ID)
			}
		}
	}
	delete(ex.Variables, "loop")

	e.logStep(ctx, ex, step, mustJSON(map[string]any{"over": cfg.Over}), mustJSON(map[string]any{"iterations": len(items)}), nil, time.Since(start).Milliseconds())
	return stepResult{next: step.Next}, nil
}

// suspend parks the execution in waiting with the step to resume from.
func (e *Engine) suspend(ctx context.Context, ex *store.Execution, stepID string, reason schema.WaitReason, resumeAt *time.Time) error {
	cs := stepID
	ex.CurrentStep = stepID
	return e.transition(ctx, ex, schema.ExecutionStatusWaiting, store.ExecutionUpdate{
		Variables:   ex.Variables,
		CurrentStep: &cs,
		WaitReason:  &reason,
		ResumeAt:    resumeAt,
	})
}

// recordStepOutput exposes an action's output to later steps under
// steps.<id>.
func (e *Engine) recordStepOutput(ex *store.Execution, stepID string, output json.RawMessage) {
	if len(output) == 0 {
		return
	}
	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		return
	}
	if ex.Variables == nil {
		ex.Variables = map[string]any{}
	}
	steps, _ := ex.Variables["steps"].(map[string]any)
	if steps == nil {
		steps = map[string]any{}
	}
	steps[stepID] = decoded
	ex.Variables["steps"] = steps
}

func (e *Engine) logStep(ctx context.Context, ex *store.Execution, step *schema.Step, input, output json.RawMessage, stepErr error, durationMs int64) {
	entry := &store.LogEntry{
		ExecutionID: ex.ID,
		StepID:      step.ID,
		StepType:    string(step.Type),
		Input:       input,
		Output:      output,
		DurationMs:  durationMs,
		Timestamp:   time.Now().UTC(),
	}
	if stepErr != nil {
		if autoErr, ok := stepErr.(*schema.AutomationError); ok {
			if b, merr := json.Marshal(autoErr); merr == nil {
				entry.Error = b
			}
		}
		if entry.Error == nil {
			entry.Error = mustJSON(map[string]any{"message": stepErr.Error()})
		}
	}
	if err := e.store.AppendLogEntry(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "append log entry failed", "step_id", step.ID, "error", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func asList(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out
	default:
		return []any{v}
	}
}
