package engine

import (
	"github.com/tallybook/automaton/pkg/schema"
)

// validTransitions is the execution state machine. Terminal statuses have no
// outgoing edges; every status change funnels through Engine.transition so
// nothing can mutate a finished execution.
var validTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
		schema.ExecutionStatusWaiting,
	},
	schema.ExecutionStatusWaiting: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
		schema.ExecutionStatusFailed,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func invalidTransition(id string, from, to schema.ExecutionStatus) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"execution %s: cannot transition from %s to %s", id, from, to)
}

// eventForTransition maps a status change to the monitor event it publishes.
func eventForTransition(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusWaiting {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusWaiting:
		return schema.EventExecutionWaiting
	default:
		return schema.TerminalEventFor(to)
	}
}
