package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/tallybook/automaton/pkg/schema"
)

// CELFilter evaluates advanced event-trigger filter expressions using
// Google's Common Expression Language, for filters the condition-tree
// operators cannot express.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELFilter struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELFilter creates a CEL environment exposing two top-level variables:
//   - event:   map(string, dyn) — event metadata (type, entity_type, tenant_id)
//   - payload: map(string, dyn) — the event payload
func NewCELFilter() (*CELFilter, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("event", mapType),
		cel.Variable("payload", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELFilter{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Matches evaluates a filter expression against event metadata and payload.
// Fails closed: compile and runtime errors, and non-boolean results, all
// yield false — a malformed user-authored filter must never abort event
// dispatch.
func (f *CELFilter) Matches(ctx context.Context, expression string, event, payload map[string]any) bool {
	if expression == "" {
		return true
	}
	out, err := f.Evaluate(ctx, expression, event, payload)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// Evaluate compiles (or retrieves from cache) a filter expression and
// evaluates it, returning the raw result.
func (f *CELFilter) Evaluate(ctx context.Context, expression string, event, payload map[string]any) (any, error) {
	prg, err := f.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if event == nil {
		event = map[string]any{}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// Validate compiles the expression without evaluating it, for definition-time
// checks.
func (f *CELFilter) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := f.getOrCompile(expression)
	return err
}

func (f *CELFilter) getOrCompile(expression string) (cel.Program, error) {
	f.mu.RLock()
	if prg, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return prg, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := f.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := f.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	f.cache[expression] = prg
	return prg, nil
}
