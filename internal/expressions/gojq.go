package expressions

import (
	"context"
	"errors"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/tallybook/automaton/pkg/schema"
)

// Extractor evaluates jq expressions against inbound webhook payloads to
// derive named initial variables.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExtractor creates a new jq payload extractor.
func NewExtractor() *Extractor {
	return &Extractor{
		cache: make(map[string]*gojq.Code),
	}
}

// Extract evaluates each named jq expression against the payload and returns
// the results. An expression producing no output yields nil for its name; an
// expression that fails at runtime is skipped (the payload shape is caller
// data, not a definition error).
func (e *Extractor) Extract(ctx context.Context, exprs map[string]string, payload map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(exprs))
	for name, expression := range exprs {
		val, err := e.Evaluate(ctx, expression, payload)
		if err != nil {
			var aerr *schema.AutomationError
			if errors.As(err, &aerr) && aerr.Code == schema.ErrCodeExpression {
				continue
			}
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

// Evaluate compiles (or retrieves from cache) a jq expression and evaluates
// it against the payload. Multiple outputs are collected into a slice; a
// single output is returned directly.
func (e *Extractor) Evaluate(ctx context.Context, expression string, payload map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(payload))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", expression, runErr.Error()).
				WithCause(runErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Validate compiles the expression without evaluating it, for definition-time
// checks.
func (e *Extractor) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *Extractor) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTriggerValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTriggerValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go native integer types to float64, matching jq's
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
