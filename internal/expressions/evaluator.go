package expressions

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tallybook/automaton/pkg/schema"
)

// Evaluator evaluates scalar and boolean expressions against a variable
// context using expr-lang, extended with the engine's built-in function
// library (string, date, math, aggregate, conditional).
//
// Missing variables resolve to nil rather than erroring, so templates degrade
// gracefully. Numeric built-ins tolerate string-encoded numbers and return a
// defined zero/identity on non-numeric input instead of failing; condition
// evaluation depends on this permissive contract, do not tighten it.
//
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
	opts  []expr.Option
	now   func() time.Time
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		cache: make(map[string]*vm.Program),
		now:   func() time.Time { return time.Now().UTC() },
	}
	e.opts = e.compileOptions()
	return e
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it
// against the provided variables. All variable keys are available as
// top-level identifiers; nested values resolve via dotted access.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, variables map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := variables
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// EvaluateBool evaluates the expression and coerces the result to a boolean.
// Nil and evaluation errors yield false.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, variables map[string]any) bool {
	out, err := e.Evaluate(ctx, expression, variables)
	if err != nil {
		return false
	}
	return Truthy(out)
}

func (e *Evaluator) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, e.opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// compileOptions builds the shared option set: an open environment plus the
// built-in function library.
func (e *Evaluator) compileOptions() []expr.Option {
	fns := map[string]func(params ...any) (any, error){
		// string
		"UPPER": func(params ...any) (any, error) {
			return strings.ToUpper(ToString(arg(params, 0))), nil
		},
		"LOWER": func(params ...any) (any, error) {
			return strings.ToLower(ToString(arg(params, 0))), nil
		},
		"TRIM": func(params ...any) (any, error) {
			return strings.TrimSpace(ToString(arg(params, 0))), nil
		},
		"CONCAT": func(params ...any) (any, error) {
			var b strings.Builder
			for _, p := range params {
				b.WriteString(ToString(p))
			}
			return b.String(), nil
		},
		"LEN": func(params ...any) (any, error) {
			switch v := arg(params, 0).(type) {
			case nil:
				return 0, nil
			case string:
				return len(v), nil
			case []any:
				return len(v), nil
			case map[string]any:
				return len(v), nil
			default:
				return len(ToString(v)), nil
			}
		},

		// date
		"NOW": func(params ...any) (any, error) {
			return e.now(), nil
		},
		"TODAY": func(params ...any) (any, error) {
			return e.now().Truncate(24 * time.Hour), nil
		},
		"DATE_ADD": func(params ...any) (any, error) {
			t, ok := ToTime(arg(params, 0))
			if !ok {
				return nil, nil
			}
			n := int(ToFloat(arg(params, 1)))
			unit := ToString(arg(params, 2))
			switch unit {
			case "hours", "hour":
				return t.Add(time.Duration(n) * time.Hour), nil
			case "months", "month":
				return t.AddDate(0, n, 0), nil
			case "years", "year":
				return t.AddDate(n, 0, 0), nil
			default: // days
				return t.AddDate(0, 0, n), nil
			}
		},
		"DATE_FORMAT": func(params ...any) (any, error) {
			t, ok := ToTime(arg(params, 0))
			if !ok {
				return "", nil
			}
			layout := ToString(arg(params, 1))
			if layout == "" {
				layout = "2006-01-02"
			}
			return t.Format(layout), nil
		},

		// math
		"ROUND": func(params ...any) (any, error) {
			v := ToFloat(arg(params, 0))
			digits := int(ToFloat(arg(params, 1)))
			pow := math.Pow(10, float64(digits))
			return math.Round(v*pow) / pow, nil
		},
		"FLOOR": func(params ...any) (any, error) {
			return math.Floor(ToFloat(arg(params, 0))), nil
		},
		"CEIL": func(params ...any) (any, error) {
			return math.Ceil(ToFloat(arg(params, 0))), nil
		},
		"ABS": func(params ...any) (any, error) {
			return math.Abs(ToFloat(arg(params, 0))), nil
		},
		"MIN": func(params ...any) (any, error) {
			return foldFloats(params, math.Inf(1), math.Min), nil
		},
		"MAX": func(params ...any) (any, error) {
			return foldFloats(params, math.Inf(-1), math.Max), nil
		},
		"CURRENCY": func(params ...any) (any, error) {
			amount := ToFloat(arg(params, 0))
			code := ToString(arg(params, 1))
			s := formatThousands(amount)
			if code == "" {
				return s, nil
			}
			return s + " " + code, nil
		},

		// aggregate
		"SUM": func(params ...any) (any, error) {
			total := 0.0
			for _, v := range toList(arg(params, 0)) {
				total += ToFloat(v)
			}
			return total, nil
		},
		"AVG": func(params ...any) (any, error) {
			items := toList(arg(params, 0))
			if len(items) == 0 {
				return 0.0, nil
			}
			total := 0.0
			for _, v := range items {
				total += ToFloat(v)
			}
			return total / float64(len(items)), nil
		},
		"COUNT": func(params ...any) (any, error) {
			return len(toList(arg(params, 0))), nil
		},

		// conditional
		"IF": func(params ...any) (any, error) {
			if Truthy(arg(params, 0)) {
				return arg(params, 1), nil
			}
			return arg(params, 2), nil
		},
		"COALESCE": func(params ...any) (any, error) {
			for _, p := range params {
				if p != nil {
					return p, nil
				}
			}
			return nil, nil
		},
		"IN": func(params ...any) (any, error) {
			needle := arg(params, 0)
			for _, v := range toList(arg(params, 1)) {
				if looseEqual(needle, v) {
					return true, nil
				}
			}
			return false, nil
		},
	}

	opts := []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	}
	for name, fn := range fns {
		opts = append(opts, expr.Function(name, fn))
	}
	return opts
}

// --- permissive coercion helpers ---

func arg(params []any, i int) any {
	if i >= len(params) {
		return nil
	}
	return params[i]
}

// ToFloat coerces v to a float64. String-encoded numbers parse; anything
// non-numeric yields 0.
func ToFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case uint:
		return float64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// ToString coerces v to its string form; nil yields "".
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// ToTime coerces v to a time.Time. Accepts time.Time, RFC3339 strings and
// date-only strings.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Truthy reports whether a value counts as true: non-nil, non-false,
// non-zero, non-empty.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toList(v any) []any {
	switch l := v.(type) {
	case nil:
		return nil
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out
	default:
		return []any{v}
	}
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if _, aNum := asNumber(a); aNum {
		if _, bNum := asNumber(b); bNum {
			return ToFloat(a) == ToFloat(b)
		}
	}
	return ToString(a) == ToString(b)
}

func asNumber(v any) (float64, bool) {
	switch v.(type) {
	case float64, float32, int, int64, int32, uint:
		return ToFloat(v), true
	}
	return 0, false
}

func foldFloats(params []any, identity float64, fn func(a, b float64) float64) float64 {
	acc := identity
	seen := false
	for _, p := range params {
		for _, v := range toList(p) {
			acc = fn(acc, ToFloat(v))
			seen = true
		}
	}
	if !seen {
		return 0
	}
	return acc
}

func formatThousands(amount float64) string {
	neg := amount < 0
	s := strconv.FormatFloat(math.Abs(amount), 'f', 2, 64)
	dot := strings.IndexByte(s, '.')
	intPart, fracPart := s[:dot], s[dot:]

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	b.WriteString(fracPart)
	return b.String()
}

// Lookup resolves a dotted path ("invoice.customer.email") against nested
// maps. Missing segments return (nil, false) — the explicit absent value.
func Lookup(variables map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	// Direct key lookup first (supports keys containing dots).
	if v, ok := variables[path]; ok {
		return v, true
	}

	var current any = variables
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
