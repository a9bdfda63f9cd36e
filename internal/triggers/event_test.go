package triggers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/internal/conditions"
	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/internal/store"
	"github.com/tallybook/automaton/pkg/schema"
)

// stubStarter records started executions; optionally failing for specific
// workflow IDs.
type stubStarter struct {
	mu      sync.Mutex
	started []string // workflow IDs
	vars    []map[string]any
	failFor map[string]bool
}

func (s *stubStarter) Start(_ context.Context, def *schema.WorkflowDefinition, variables map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[def.ID] {
		return "", schema.NewError(schema.ErrCodeStore, "boom")
	}
	s.started = append(s.started, def.ID)
	s.vars = append(s.vars, variables)
	return "exec-" + def.ID, nil
}

func (s *stubStarter) startedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func eventDef(id, tenantID string, trig *schema.EventTrigger) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:       id,
		TenantID: tenantID,
		Name:     id,
		Status:   schema.WorkflowStatusActive,
		Version:  1,
		Trigger:  schema.Trigger{Type: schema.TriggerTypeEvent, Event: trig},
		Steps:    []schema.Step{{ID: "done", Type: schema.StepTypeAction, Action: &schema.ActionConfig{Action: "notify.send"}}},
		StartStep: "done",
	}
}

func newTestFilter(t *testing.T) *expressions.CELFilter {
	t.Helper()
	f, err := expressions.NewCELFilter()
	require.NoError(t, err)
	return f
}

func TestMatchEvent(t *testing.T) {
	eval := conditions.NewEvaluator()
	filter := newTestFilter(t)
	ctx := context.Background()

	event := Event{
		TenantID:   "t1",
		EventType:  "invoice.created",
		EntityType: "invoice",
		Payload:    map[string]any{"amount": 1500.0},
	}

	assert.True(t, MatchEvent(ctx, eval, filter, &schema.EventTrigger{EventType: "invoice.created"}, event))
	assert.False(t, MatchEvent(ctx, eval, filter, &schema.EventTrigger{EventType: "invoice.paid"}, event))
	assert.False(t, MatchEvent(ctx, eval, filter, nil, event))

	// Entity type narrows the match.
	assert.True(t, MatchEvent(ctx, eval, filter,
		&schema.EventTrigger{EventType: "invoice.created", EntityType: "invoice"}, event))
	assert.False(t, MatchEvent(ctx, eval, filter,
		&schema.EventTrigger{EventType: "invoice.created", EntityType: "payment"}, event))

	// Condition tree filter runs over the payload.
	assert.True(t, MatchEvent(ctx, eval, filter, &schema.EventTrigger{
		EventType: "invoice.created",
		Filter:    &schema.Condition{Field: "amount", Operator: schema.OpGT, Value: 1000},
	}, event))
	assert.False(t, MatchEvent(ctx, eval, filter, &schema.EventTrigger{
		EventType: "invoice.created",
		Filter:    &schema.Condition{Field: "amount", Operator: schema.OpGT, Value: 2000},
	}, event))

	// CEL filter expression.
	assert.True(t, MatchEvent(ctx, eval, filter, &schema.EventTrigger{
		EventType:  "invoice.created",
		FilterExpr: "payload.amount > 1000.0",
	}, event))
	assert.False(t, MatchEvent(ctx, eval, filter, &schema.EventTrigger{
		EventType:  "invoice.created",
		FilterExpr: "payload.amount > 2000.0",
	}, event))

	// A filter expression with no CEL environment never matches.
	assert.False(t, MatchEvent(ctx, eval, nil, &schema.EventTrigger{
		EventType:  "invoice.created",
		FilterExpr: "true",
	}, event))
}

func TestDispatchStartsMatchingWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventDef("wf-match", "t1", &schema.EventTrigger{EventType: "invoice.created"})))
	require.NoError(t, st.CreateDefinition(ctx, eventDef("wf-other", "t1", &schema.EventTrigger{EventType: "invoice.paid"})))

	// Paused workflows are skipped.
	paused := eventDef("wf-paused", "t1", &schema.EventTrigger{EventType: "invoice.created"})
	paused.Status = schema.WorkflowStatusPaused
	require.NoError(t, st.CreateDefinition(ctx, paused))

	// Other tenants are invisible.
	require.NoError(t, st.CreateDefinition(ctx, eventDef("wf-t2", "t2", &schema.EventTrigger{EventType: "invoice.created"})))

	starter := &stubStarter{}
	d := NewEventDispatcher(st, newTestFilter(t), starter, nil, nil)

	d.Dispatch(ctx, Event{
		TenantID:  "t1",
		EventType: "invoice.created",
		Payload:   map[string]any{"amount": 99.0},
	})

	assert.Equal(t, []string{"wf-match"}, starter.startedIDs())

	// Trigger metadata and payload reach the initial variables.
	require.Len(t, starter.vars, 1)
	trig := starter.vars[0]["trigger"].(map[string]any)
	assert.Equal(t, "event", trig["type"])
	assert.Equal(t, "invoice.created", trig["event_type"])
	assert.Equal(t, map[string]any{"amount": 99.0}, starter.vars[0]["event"])
}

func TestDispatchIsolatesFailures(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventDef("wf-a", "t1", &schema.EventTrigger{EventType: "payment.overdue"})))
	require.NoError(t, st.CreateDefinition(ctx, eventDef("wf-b", "t1", &schema.EventTrigger{EventType: "payment.overdue"})))

	starter := &stubStarter{failFor: map[string]bool{"wf-a": true}}
	d := NewEventDispatcher(st, newTestFilter(t), starter, nil, nil)

	// Must not panic or stop at the failing workflow.
	d.Dispatch(ctx, Event{TenantID: "t1", EventType: "payment.overdue"})
	assert.Equal(t, []string{"wf-b"}, starter.startedIDs())
}

func TestDispatchStampsOccurredAt(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &stubStarter{}
	d := NewEventDispatcher(st, newTestFilter(t), starter, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.CreateDefinition(ctx, eventDef("wf", "t1", &schema.EventTrigger{EventType: "e"})))
	d.Dispatch(ctx, Event{TenantID: "t1", EventType: "e"})

	require.Len(t, starter.vars, 1)
	trig := starter.vars[0]["trigger"].(map[string]any)
	occurred, ok := trig["occurred_at"].(time.Time)
	require.True(t, ok)
	assert.False(t, occurred.IsZero())
}
