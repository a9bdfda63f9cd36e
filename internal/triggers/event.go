package triggers

import (
	"context"
	"log/slog"
	"time"

	"github.com/tallybook/automaton/internal/conditions"
	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

// Event is a business event emitted by the accounting core, e.g.
// "invoice.created" or "payment.overdue".
type Event struct {
	TenantID   string         `json:"tenant_id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Vars returns the initial variable context for executions started by this
// event.
func (e Event) Vars() map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"type":        string(schema.TriggerTypeEvent),
			"event_type":  e.EventType,
			"entity_type": e.EntityType,
			"entity_id":   e.EntityID,
			"occurred_at": e.OccurredAt,
		},
		"event": e.Payload,
	}
}

func (e Event) envelope() map[string]any {
	return map[string]any{
		"tenant_id":   e.TenantID,
		"event_type":  e.EventType,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
	}
}

// Starter launches a workflow execution from a fired trigger. Implemented by
// the engine; kept as a narrow interface to avoid coupling triggers to it.
type Starter interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, variables map[string]any) (executionID string, err error)
}

// RuleRunner executes the business rules matching an event. Implemented by
// the engine's rule runner.
type RuleRunner interface {
	RunRules(ctx context.Context, event Event)
}

// EventDispatcher fans a business event out to the active workflows and
// business rules whose event triggers match it.
type EventDispatcher struct {
	store      store.Store
	conditions *conditions.Evaluator
	filter     *expressions.CELFilter
	starter    Starter
	rules      RuleRunner
	logger     *slog.Logger
}

func NewEventDispatcher(st store.Store, filter *expressions.CELFilter, starter Starter, rules RuleRunner, logger *slog.Logger) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDispatcher{
		store:      st,
		conditions: conditions.NewEvaluator(),
		filter:     filter,
		starter:    starter,
		rules:      rules,
		logger:     logger,
	}
}

// Dispatch starts an execution for every matching active workflow and runs
// matching business rules. A failure in one workflow never affects the
// others, and dispatch itself never returns downstream errors to the emitter.
func (d *EventDispatcher) Dispatch(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	active := schema.WorkflowStatusActive
	defs, err := d.store.ListDefinitions(ctx, store.DefinitionFilter{
		TenantID:    event.TenantID,
		Status:      &active,
		TriggerType: schema.TriggerTypeEvent,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "event dispatch: list definitions failed",
			"event_type", event.EventType, "error", err)
		return
	}

	started := 0
	for _, def := range defs {
		if !d.matches(ctx, def.Trigger.Event, event) {
			continue
		}
		id, err := d.starter.Start(ctx, def, event.Vars())
		if err != nil {
			d.logger.ErrorContext(ctx, "event dispatch: start execution failed",
				"workflow_id", def.ID, "event_type", event.EventType, "error", err)
			continue
		}
		started++
		d.logger.InfoContext(ctx, "event trigger fired",
			"workflow_id", def.ID, "execution_id", id, "event_type", event.EventType)
	}

	if d.rules != nil {
		d.rules.RunRules(ctx, event)
	}

	d.logger.DebugContext(ctx, "event dispatched",
		"event_type", event.EventType, "tenant_id", event.TenantID, "workflows_started", started)
}

func (d *EventDispatcher) matches(ctx context.Context, trig *schema.EventTrigger, event Event) bool {
	return MatchEvent(ctx, d.conditions, d.filter, trig, event)
}

// MatchEvent reports whether an event trigger matches a business event.
// Shared between the workflow dispatcher and the business rule runner. A
// FilterExpr with no CEL filter configured never matches.
func MatchEvent(ctx context.Context, eval *conditions.Evaluator, filter *expressions.CELFilter, trig *schema.EventTrigger, event Event) bool {
	if trig == nil || trig.EventType != event.EventType {
		return false
	}
	if trig.EntityType != "" && trig.EntityType != event.EntityType {
		return false
	}
	if trig.Filter != nil && !eval.Matches(trig.Filter, event.Payload) {
		return false
	}
	if trig.FilterExpr != "" {
		if filter == nil {
			return false
		}
		if !filter.Matches(ctx, trig.FilterExpr, event.envelope(), event.Payload) {
			return false
		}
	}
	return true
}
