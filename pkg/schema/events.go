package schema

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// WaitReason records why an execution is suspended.
type WaitReason string

const (
	WaitReasonDelay       WaitReason = "delay"
	WaitReasonApproval    WaitReason = "approval"
	WaitReasonSubWorkflow WaitReason = "subworkflow"
)

// Event type constants published to execution monitor subscribers.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted        = "step_started"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventConditionEvaluated = "condition_evaluated"
	EventApprovalRequested  = "approval_requested"
	EventApprovalResolved   = "approval_resolved"

	EventHeartbeat = "heartbeat"
)

// TerminalEventFor maps a terminal execution status to its monitor event type.
func TerminalEventFor(s ExecutionStatus) string {
	switch s {
	case ExecutionStatusCompleted:
		return EventExecutionCompleted
	case ExecutionStatusFailed:
		return EventExecutionFailed
	case ExecutionStatusCancelled:
		return EventExecutionCancelled
	default:
		return ""
	}
}
