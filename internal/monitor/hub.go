package monitor

import (
	"context"
	"time"
)

// ExecutionEvent is one entry in an execution's live event stream.
type ExecutionEvent struct {
	ExecutionID string         `json:"execution_id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Type        string         `json:"type"`
	StepID      string         `json:"step_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Hub is the pub/sub surface for live execution monitoring. Publishing never
// blocks the engine: slow subscribers lose events rather than stalling
// execution. Streams emit heartbeats while an execution is alive but quiet,
// and close shortly after the terminal event.
type Hub interface {
	Publish(ctx context.Context, event ExecutionEvent)
	// Subscribe returns a channel of events for one execution and a cancel
	// function. The channel closes after the terminal event or cancel.
	Subscribe(ctx context.Context, executionID string) (<-chan ExecutionEvent, func())
	Close()
}
