package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/tallybook/automaton/internal/actions"
	"github.com/tallybook/automaton/internal/conditions"
	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/logging"
	"github.com/tallybook/automaton/internal/monitor"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

// Config tunes the execution engine.
type Config struct {
	Workers     int
	MaxLoopIter int
	MaxSteps    int
}

const (
	defaultMaxLoopIter = 1000
	defaultMaxSteps    = 10000
)

// Engine runs workflow executions: it owns the execution state machine, the
// step walker, and the suspension/resume paths.
type Engine struct {
	store      store.Store
	registry   *actions.Registry
	conditions *conditions.Evaluator
	expr       *expressions.Evaluator
	hub        monitor.Hub
	pool       *WorkerPool
	logger     *slog.Logger
	config     Config
}

func New(st store.Store, registry *actions.Registry, hub monitor.Hub, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLoopIter <= 0 {
		cfg.MaxLoopIter = defaultMaxLoopIter
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	return &Engine{
		store:      st,
		registry:   registry,
		conditions: conditions.NewEvaluator(),
		expr:       expressions.NewEvaluator(),
		hub:        hub,
		pool:       NewWorkerPool(cfg.Workers, logger),
		logger:     logger,
		config:     cfg,
	}
}

// Wait blocks until all in-flight executions finish. For shutdown and tests.
func (e *Engine) Wait() {
	e.pool.Wait()
}

// Start creates a pending execution for the definition and runs it on the
// worker pool. The definition version is pinned so later edits do not affect
// this run.
func (e *Engine) Start(ctx context.Context, def *schema.WorkflowDefinition, variables map[string]any) (string, error) {
	if def.Status != schema.WorkflowStatusActive {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is %s, not active", def.ID, def.Status)
	}
	if variables == nil {
		variables = map[string]any{}
	}
	snapshot, err := json.Marshal(variables)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "trigger variables are not serializable").WithCause(err)
	}

	ex := &store.Execution{
		ID:              uuid.NewString(),
		TenantID:        def.TenantID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          schema.ExecutionStatusPending,
		TriggerSnapshot: snapshot,
		Variables:       variables,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return "", err
	}
	return ex.ID, e.submitRun(ctx, ex.ID)
}

// StartChild creates and runs a child execution for a subworkflow step.
func (e *Engine) StartChild(ctx context.Context, def *schema.WorkflowDefinition, parentID string, variables map[string]any) (string, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	snapshot, err := json.Marshal(variables)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "subworkflow params are not serializable").WithCause(err)
	}
	ex := &store.Execution{
		ID:              uuid.NewString(),
		TenantID:        def.TenantID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          schema.ExecutionStatusPending,
		TriggerSnapshot: snapshot,
		Variables:       variables,
		ParentID:        parentID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return "", err
	}
	return ex.ID, e.submitRun(ctx, ex.ID)
}

func (e *Engine) submitRun(ctx context.Context, executionID string) error {
	// The run outlives the caller's request context.
	runCtx := context.WithoutCancel(ctx)
	return e.pool.Submit(runCtx, func() {
		e.run(runCtx, executionID)
	})
}

// run drives a pending execution from its start step.
func (e *Engine) run(ctx context.Context, executionID string) {
	ex, def, err := e.load(ctx, executionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "run: load execution failed", "execution_id", executionID, "error", err)
		return
	}
	ctx = logging.WithExecutionID(logging.WithTenantID(ctx, ex.TenantID), ex.ID)

	if ex.Status != schema.ExecutionStatusPending {
		// Cancelled before a worker picked it up.
		return
	}
	now := time.Now().UTC()
	if err := e.transition(ctx, ex, schema.ExecutionStatusRunning, store.ExecutionUpdate{StartedAt: &now}); err != nil {
		e.logger.ErrorContext(ctx, "run: start transition failed", "execution_id", ex.ID, "error", err)
		return
	}
	e.walk(ctx, ex, def, def.StartStep)
}

func (e *Engine) load(ctx context.Context, executionID string) (*store.Execution, *schema.WorkflowDefinition, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.store.GetDefinitionVersion(ctx, ex.WorkflowID, ex.WorkflowVersion)
	if err != nil {
		return nil, nil, err
	}
	return ex, def, nil
}

// Cancel stops an execution from pending, running, or waiting.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !CanTransition(ex.Status, schema.ExecutionStatusCancelled) {
		return invalidTransition(ex.ID, ex.Status, schema.ExecutionStatusCancelled)
	}
	now := time.Now().UTC()
	if err := e.transition(ctx, ex, schema.ExecutionStatusCancelled, store.ExecutionUpdate{
		CompletedAt: &now,
		ClearWait:   true,
	}); err != nil {
		return err
	}
	e.notifyParent(ctx, ex)
	return nil
}

// Retry creates a fresh execution of a failed one, replaying the original
// trigger variables against the same workflow version. The failed execution
// stays failed; the new one records where it came from.
func (e *Engine) Retry(ctx context.Context, executionID string) (string, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if ex.Status != schema.ExecutionStatusFailed {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, only failed executions can be retried", ex.ID, ex.Status)
	}

	var variables map[string]any
	if len(ex.TriggerSnapshot) > 0 {
		if err := json.Unmarshal(ex.TriggerSnapshot, &variables); err != nil {
			return "", schema.NewError(schema.ErrCodeStore, "trigger snapshot is corrupt").WithCause(err)
		}
	}
	if variables == nil {
		variables = map[string]any{}
	}

	retry := &store.Execution{
		ID:              uuid.NewString(),
		TenantID:        ex.TenantID,
		WorkflowID:      ex.WorkflowID,
		WorkflowVersion: ex.WorkflowVersion,
		Status:          schema.ExecutionStatusPending,
		TriggerSnapshot: ex.TriggerSnapshot,
		Variables:       variables,
		RetryOf:         ex.ID,
		ParentID:        ex.ParentID,
		RetryCount:      ex.RetryCount + 1,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, retry); err != nil {
		return "", err
	}
	return retry.ID, e.submitRun(ctx, retry.ID)
}

// Approve resolves a pending approval and resumes the execution.
func (e *Engine) Approve(ctx context.Context, executionID, approver, comment string) error {
	return e.resolveApproval(ctx, executionID, approver, comment, true)
}

// Reject resolves a pending approval by failing the execution. A rejected
// execution can be retried like any other failure.
func (e *Engine) Reject(ctx context.Context, executionID, approver, comment string) error {
	return e.resolveApproval(ctx, executionID, approver, comment, false)
}

func (e *Engine) resolveApproval(ctx context.Context, executionID, approver, comment string, approved bool) error {
	ex, def, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status != schema.ExecutionStatusWaiting || ex.WaitReason != schema.WaitReasonApproval {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is not waiting for approval", ex.ID)
	}
	ctx = logging.WithExecutionID(logging.WithTenantID(ctx, ex.TenantID), ex.ID)

	if ex.Variables == nil {
		ex.Variables = map[string]any{}
	}
	ex.Variables["approval"] = map[string]any{
		"approved": approved,
		"approver": approver,
		"comment":  comment,
	}
	e.publish(ctx, ex, schema.EventApprovalResolved, ex.CurrentStep, map[string]any{
		"approved": approved,
		"approver": approver,
	})

	if !approved {
		return e.fail(ctx, ex, schema.NewErrorf(schema.ErrCodeApprovalRejected,
			"approval rejected by %s", approver).WithStep(ex.CurrentStep))
	}

	step := def.Step(ex.CurrentStep)
	if step == nil {
		return e.fail(ctx, ex, schema.NewErrorf(schema.ErrCodeValidation,
			"approval step %q no longer exists", ex.CurrentStep))
	}
	return e.resume(ctx, ex, def, step.Next)
}

// ResumeDelayed resumes an execution whose delay has elapsed. Called by the
// scheduler's resume scan.
func (e *Engine) ResumeDelayed(ctx context.Context, executionID string) error {
	ex, def, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status != schema.ExecutionStatusWaiting || ex.WaitReason != schema.WaitReasonDelay {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is not waiting on a delay", ex.ID)
	}
	ctx = logging.WithExecutionID(logging.WithTenantID(ctx, ex.TenantID), ex.ID)

	step := def.Step(ex.CurrentStep)
	if step == nil {
		return e.fail(ctx, ex, schema.NewErrorf(schema.ErrCodeValidation,
			"delay step %q no longer exists", ex.CurrentStep))
	}
	return e.resume(ctx, ex, def, step.Next)
}

// resume transitions waiting -> running and walks from the given step on the
// worker pool.
func (e *Engine) resume(ctx context.Context, ex *store.Execution, def *schema.WorkflowDefinition, fromStep string) error {
	if err := e.transition(ctx, ex, schema.ExecutionStatusRunning, store.ExecutionUpdate{
		Variables: ex.Variables,
		ClearWait: true,
	}); err != nil {
		return err
	}
	if fromStep == "" {
		e.complete(ctx, ex)
		return nil
	}
	runCtx := context.WithoutCancel(ctx)
	return e.pool.Submit(runCtx, func() {
		e.walk(runCtx, ex, def, fromStep)
	})
}

// notifyParent wakes a parent execution waiting on this child, if any.
func (e *Engine) notifyParent(ctx context.Context, child *store.Execution) {
	if child.ParentID == "" {
		return
	}
	parent, def, err := e.load(ctx, child.ParentID)
	if err != nil {
		e.logger.ErrorContext(ctx, "notify parent: load failed",
			"parent_id", child.ParentID, "child_id", child.ID, "error", err)
		return
	}
	if parent.Status != schema.ExecutionStatusWaiting || parent.WaitReason != schema.WaitReasonSubWorkflow {
		return
	}
	ctx = logging.WithExecutionID(logging.WithTenantID(ctx, parent.TenantID), parent.ID)

	if child.Status != schema.ExecutionStatusCompleted {
		_ = e.fail(ctx, parent, schema.NewErrorf(schema.ErrCodeAction,
			"subworkflow execution %s ended %s", child.ID, child.Status).WithStep(parent.CurrentStep))
		return
	}

	if parent.Variables == nil {
		parent.Variables = map[string]any{}
	}
	merged := map[string]any{
		"subworkflow": map[string]any{
			"workflow_id":  child.WorkflowID,
			"execution_id": child.ID,
			"variables":    child.Variables,
		},
	}
	if err := mergo.Merge(&parent.Variables, merged, mergo.WithOverride); err != nil {
		_ = e.fail(ctx, parent, schema.NewError(schema.ErrCodeAction,
			"merge subworkflow result failed").WithCause(err).WithStep(parent.CurrentStep))
		return
	}

	step := def.Step(parent.CurrentStep)
	if step == nil {
		_ = e.fail(ctx, parent, schema.NewErrorf(schema.ErrCodeValidation,
			"subworkflow step %q no longer exists", parent.CurrentStep))
		return
	}
	if err := e.resume(ctx, parent, def, step.Next); err != nil {
		e.logger.ErrorContext(ctx, "notify parent: resume failed", "parent_id", parent.ID, "error", err)
	}
}

// transition applies a status change through the state machine, persists it,
// and publishes the matching monitor event. The persisted status must still be
// the one this goroutine saw; a concurrent cancel wins the race and the update
// comes back as a CONFLICT.
func (e *Engine) transition(ctx context.Context, ex *store.Execution, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	from := ex.Status
	if !CanTransition(from, to) {
		return invalidTransition(ex.ID, from, to)
	}
	update.Status = &to
	update.ExpectedStatus = &from
	if err := e.store.UpdateExecution(ctx, ex.ID, update); err != nil {
		return err
	}
	ex.Status = to
	if update.ClearWait {
		ex.WaitReason = ""
		ex.ResumeAt = nil
	}

	if event := eventForTransition(from, to); event != "" {
		data := map[string]any{"from": string(from), "to": string(to)}
		if to == schema.ExecutionStatusWaiting && update.WaitReason != nil {
			data["wait_reason"] = string(*update.WaitReason)
		}
		e.publish(ctx, ex, event, ex.CurrentStep, data)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ex *store.Execution, eventType, stepID string, data map[string]any) {
	e.hub.Publish(ctx, monitor.ExecutionEvent{
		ExecutionID: ex.ID,
		TenantID:    ex.TenantID,
		Type:        eventType,
		StepID:      stepID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	})
}

// complete finishes an execution successfully.
func (e *Engine) complete(ctx context.Context, ex *store.Execution) {
	now := time.Now().UTC()
	if err := e.transition(ctx, ex, schema.ExecutionStatusCompleted, store.ExecutionUpdate{
		Variables:   ex.Variables,
		CompletedAt: &now,
	}); err != nil {
		if isStatusConflict(err) {
			e.logger.InfoContext(ctx, "complete skipped, status changed concurrently", "execution_id", ex.ID)
			return
		}
		e.logger.ErrorContext(ctx, "complete transition failed", "execution_id", ex.ID, "error", err)
		return
	}
	e.logger.InfoContext(ctx, "execution completed", "workflow_id", ex.WorkflowID)
	e.notifyParent(ctx, ex)
}

// fail finishes an execution with a structured error.
func (e *Engine) fail(ctx context.Context, ex *store.Execution, cause error) error {
	autoErr, ok := cause.(*schema.AutomationError)
	if !ok {
		autoErr = schema.NewError(schema.ErrCodeAction, cause.Error()).WithCause(cause)
	}
	errJSON, merr := json.Marshal(autoErr)
	if merr != nil {
		errJSON = []byte(`{"code":"ACTION_ERROR","message":"unserializable error"}`)
	}

	now := time.Now().UTC()
	if err := e.transition(ctx, ex, schema.ExecutionStatusFailed, store.ExecutionUpdate{
		Variables:   ex.Variables,
		Error:       errJSON,
		CompletedAt: &now,
		ClearWait:   true,
	}); err != nil {
		if isStatusConflict(err) {
			e.logger.InfoContext(ctx, "fail skipped, status changed concurrently", "execution_id", ex.ID)
			return nil
		}
		e.logger.ErrorContext(ctx, "fail transition failed", "execution_id", ex.ID, "error", err)
		return err
	}
	e.logger.WarnContext(ctx, "execution failed",
		"workflow_id", ex.WorkflowID, "code", autoErr.Code, "step_id", autoErr.StepID, "error", autoErr.Message)
	e.notifyParent(ctx, ex)
	return nil
}

// isStatusConflict reports whether a transition lost the persisted-status
// compare-and-set, meaning another goroutine moved the execution first.
func isStatusConflict(err error) bool {
	var autoErr *schema.AutomationError
	return errors.As(err, &autoErr) && autoErr.Code == schema.ErrCodeConflict
}
