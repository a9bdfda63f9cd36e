package expressions

import (
	"encoding/json"
	"strings"

	"github.com/tallybook/automaton/pkg/schema"
)

// Interpolate resolves {{path}} references in a template against the
// variable context. Absent paths resolve to the empty string; text outside
// references is passed through byte-identical.
func Interpolate(template string, variables map[string]any) string {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unclosed marker: emit the rest verbatim.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if val, ok := Lookup(variables, path); ok {
			result.WriteString(marshalInline(val))
		}

		i = end + 2
	}

	return result.String()
}

// InterpolateParams resolves {{path}} references inside raw JSON action
// params and returns the interpolated JSON. Params without references are
// returned unchanged.
func InterpolateParams(raw json.RawMessage, variables map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"params are not valid JSON: %s", err.Error()).WithCause(err)
	}

	resolved := interpolateValue(decoded, variables)

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"marshal interpolated params: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// interpolateValue walks the decoded JSON tree, resolving references inside
// strings. A string that is exactly one {{path}} reference is replaced by the
// resolved value preserving its type; untouched values pass through as-is.
func interpolateValue(v any, variables map[string]any) any {
	switch val := v.(type) {
	case string:
		if path, ok := wholeReference(val); ok {
			resolved, found := Lookup(variables, path)
			if !found {
				return nil
			}
			return resolved
		}
		if strings.Contains(val, "{{") {
			return Interpolate(val, variables)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = interpolateValue(item, variables)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, variables)
		}
		return out
	default:
		return v
	}
}

// wholeReference reports whether s is exactly "{{path}}" and returns the path.
func wholeReference(s string) (string, bool) {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(s[2 : len(s)-2])
	if inner == "" || strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return inner, true
}

// HasInterpolation checks if a JSON blob contains any {{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "{{")
}

// marshalInline converts a resolved value into its inline text representation.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ToString(v)
		}
		return string(b)
	}
}
