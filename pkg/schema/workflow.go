package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// WorkflowDefinition is the JSON-serializable automation format. A definition
// is immutable once referenced by a running execution; edits create a new
// version and in-flight executions keep the version they started with.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Version     int            `json:"version"`
	Trigger     Trigger        `json:"trigger"`
	Steps       []Step         `json:"steps"`
	StartStep   string         `json:"start_step"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Step returns the step with the given ID, or nil.
func (d *WorkflowDefinition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// TriggerType discriminates the trigger union.
type TriggerType string

const (
	TriggerTypeEvent     TriggerType = "event"
	TriggerTypeSchedule  TriggerType = "schedule"
	TriggerTypeThreshold TriggerType = "threshold"
	TriggerTypeWebhook   TriggerType = "webhook"
)

// Trigger describes when a workflow starts. Exactly one variant is set,
// matching Type.
type Trigger struct {
	Type      TriggerType       `json:"type"`
	Event     *EventTrigger     `json:"event,omitempty"`
	Schedule  *ScheduleTrigger  `json:"schedule,omitempty"`
	Threshold *ThresholdTrigger `json:"threshold,omitempty"`
	Webhook   *WebhookTrigger   `json:"webhook,omitempty"`
}

// EventTrigger fires on a business event. EntityType optionally narrows the
// match; Filter is a condition tree over the event payload; FilterExpr is an
// optional CEL expression for filters the tree operators cannot express.
type EventTrigger struct {
	EventType  string     `json:"event_type"`
	EntityType string     `json:"entity_type,omitempty"`
	Filter     *Condition `json:"filter,omitempty"`
	FilterExpr string     `json:"filter_expr,omitempty"`
}

// ScheduleTrigger fires on a five-field cron expression in the given timezone.
type ScheduleTrigger struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// CompareOp is a numeric comparison operator.
type CompareOp string

const (
	CompareGT  CompareOp = "gt"
	CompareLT  CompareOp = "lt"
	CompareGTE CompareOp = "gte"
	CompareLTE CompareOp = "lte"
)

// ThresholdTrigger fires when a metric crosses a bound. Only the transition
// from not-crossed to crossed fires; staying across the bound does not.
type ThresholdTrigger struct {
	Metric   string    `json:"metric"`
	Operator CompareOp `json:"operator"`
	Bound    float64   `json:"bound"`
}

// WebhookTrigger fires on an inbound HTTP delivery to the generated Path.
// The signing secret is stored in the vault under SecretRef, never inline.
// Extract optionally maps variable names to jq expressions evaluated against
// the raw payload.
type WebhookTrigger struct {
	Path      string            `json:"path"`
	SecretRef string            `json:"secret_ref"`
	Extract   map[string]string `json:"extract,omitempty"`
}

// StepType discriminates the step union.
type StepType string

const (
	StepTypeCondition   StepType = "condition"
	StepTypeAction      StepType = "action"
	StepTypeDelay       StepType = "delay"
	StepTypeApproval    StepType = "approval"
	StepTypeSubWorkflow StepType = "subworkflow"
	StepTypeLoop        StepType = "loop"
)

// Step is one node in the workflow graph. Next points at the successor step;
// an empty Next ends the execution. Condition steps branch via OnTrue/OnFalse
// instead of Next.
type Step struct {
	ID          string              `json:"id"`
	Type        StepType            `json:"type"`
	Name        string              `json:"name,omitempty"`
	Next        string              `json:"next,omitempty"`
	Condition   *ConditionConfig    `json:"condition,omitempty"`
	Action      *ActionConfig       `json:"action,omitempty"`
	Delay       *DelayConfig        `json:"delay,omitempty"`
	Approval    *ApprovalConfig     `json:"approval,omitempty"`
	SubWorkflow *SubWorkflowConfig  `json:"subworkflow,omitempty"`
	Loop        *LoopConfig         `json:"loop,omitempty"`
}

// ConditionConfig is the config block for condition steps.
type ConditionConfig struct {
	If      Condition `json:"if"`
	OnTrue  string    `json:"on_true,omitempty"`
	OnFalse string    `json:"on_false,omitempty"`
}

// ActionConfig is the config block for action steps. Params may contain
// {{path}} template references resolved against the variable context.
type ActionConfig struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DelayConfig suspends the execution for the given duration (e.g. "10m").
type DelayConfig struct {
	Duration string `json:"duration"`
}

// ApprovalConfig suspends the execution until an external approve/reject
// decision is posted.
type ApprovalConfig struct {
	Approvers []string `json:"approvers,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// SubWorkflowConfig starts a child execution and blocks the parent until the
// child reaches a terminal state. The child's output is merged into the
// parent's variables under "subworkflow".
type SubWorkflowConfig struct {
	WorkflowID string         `json:"workflow_id"`
	Params     map[string]any `json:"params,omitempty"`
}

// LoopConfig iterates the body steps once per item produced by the Over
// expression. loop.item and loop.index are available inside the body.
type LoopConfig struct {
	Over    string `json:"over"`
	Body    []Step `json:"body"`
	MaxIter int    `json:"max_iter,omitempty"`
}

// BusinessRule is the lightweight sibling of a workflow: trigger + conditions
// + an unordered action list, executed atomically with no step graph. Rules
// sharing a trigger run in priority order (highest first).
type BusinessRule struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	Name       string       `json:"name"`
	Trigger    Trigger      `json:"trigger"`
	Conditions *Condition   `json:"conditions,omitempty"`
	Actions    []RuleAction `json:"actions"`
	Priority   int          `json:"priority"`
	Enabled    bool         `json:"enabled"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// RuleAction is one action invocation inside a business rule.
type RuleAction struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}
