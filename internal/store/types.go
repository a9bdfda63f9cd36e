package store

import (
	"encoding/json"
	"time"

	"github.com/tallybook/automaton/pkg/schema"
)

// Execution is the persisted record of one workflow run. Created when a
// trigger fires; mutated only by the execution engine; terminal statuses are
// immutable.
type Execution struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	Status          schema.ExecutionStatus `json:"status"`
	TriggerSnapshot json.RawMessage        `json:"trigger_snapshot,omitempty"`
	Variables       map[string]any         `json:"variables,omitempty"`
	CurrentStep     string                 `json:"current_step,omitempty"`
	WaitReason      schema.WaitReason      `json:"wait_reason,omitempty"`
	ResumeAt        *time.Time             `json:"resume_at,omitempty"`
	RetryOf         string                 `json:"retry_of,omitempty"`
	ParentID        string                 `json:"parent_execution_id,omitempty"`
	Error           json.RawMessage        `json:"error,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// LogEntry is an append-only per-step record owned by one execution. Seq is
// assigned on append and strictly increases per execution.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	StepID      string          `json:"step_id"`
	StepType    string          `json:"step_type,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ThresholdSample is the last observed value per (tenant, workflow, metric),
// used to detect crossings rather than re-firing on every poll.
type ThresholdSample struct {
	TenantID   string    `json:"tenant_id"`
	WorkflowID string    `json:"workflow_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Crossed    bool      `json:"crossed"`
	ObservedAt time.Time `json:"observed_at"`
}

// ScheduleMark tracks when a schedule-triggered workflow last fired and when
// it is next due.
type ScheduleMark struct {
	WorkflowID  string     `json:"workflow_id"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing workflow definitions.
// Listing returns the latest version of each definition.
type DefinitionFilter struct {
	TenantID    string                 `json:"tenant_id,omitempty"`
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	TriggerType schema.TriggerType     `json:"trigger_type,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

// RuleFilter specifies criteria for listing business rules.
type RuleFilter struct {
	TenantID  string `json:"tenant_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	TenantID   string                  `json:"tenant_id,omitempty"`
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	ParentID   string                  `json:"parent_execution_id,omitempty"`
	DueBefore  *time.Time              `json:"due_before,omitempty"` // resume_at <= DueBefore
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. When
// ExpectedStatus is set the update only applies while the persisted status
// still matches; a mismatch is a CONFLICT. Status changes race with
// cancellation, so every engine transition sets it.
type ExecutionUpdate struct {
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	ExpectedStatus *schema.ExecutionStatus `json:"expected_status,omitempty"`
	Variables      map[string]any          `json:"variables,omitempty"`
	CurrentStep    *string                 `json:"current_step,omitempty"`
	WaitReason     *schema.WaitReason      `json:"wait_reason,omitempty"`
	ResumeAt       *time.Time              `json:"resume_at,omitempty"`
	ClearWait      bool                    `json:"clear_wait,omitempty"` // reset wait_reason and resume_at
	Error          json.RawMessage         `json:"error,omitempty"`
	RetryCount     *int                    `json:"retry_count,omitempty"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}
