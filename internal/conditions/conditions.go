package conditions

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tallybook/automaton/internal/expressions"
	"github.com/tallybook/automaton/pkg/schema"
)

// Evaluator decides whether a condition tree matches a variable context.
//
// Every operator fails closed: applying it to a value outside its declared
// type, an unknown operator, or a malformed tree all evaluate to false rather
// than raising. The scheduler loop depends on this — a malformed
// user-authored rule must never crash a polling tick.
type Evaluator struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
	now      func() time.Time
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		patterns: make(map[string]*regexp.Regexp),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Matches evaluates the condition tree against the variables. A nil tree
// matches everything.
func (e *Evaluator) Matches(cond *schema.Condition, variables map[string]any) bool {
	if cond == nil {
		return true
	}
	if cond.IsGroup() {
		return e.matchGroup(cond, variables)
	}
	return e.matchLeaf(cond, variables)
}

// matchGroup evaluates AND/OR/NOT groups with short-circuiting.
func (e *Evaluator) matchGroup(cond *schema.Condition, variables map[string]any) bool {
	switch cond.Op {
	case schema.GroupAnd:
		for _, child := range cond.Children {
			if !e.Matches(child, variables) {
				return false
			}
		}
		return true
	case schema.GroupOr:
		for _, child := range cond.Children {
			if e.Matches(child, variables) {
				return true
			}
		}
		return false
	case schema.GroupNot:
		if len(cond.Children) != 1 {
			return false
		}
		return !e.Matches(cond.Children[0], variables)
	default:
		return false
	}
}

func (e *Evaluator) matchLeaf(cond *schema.Condition, variables map[string]any) bool {
	actual, present := expressions.Lookup(variables, cond.Field)

	switch cond.Operator {
	// string
	case schema.OpEquals:
		return equals(actual, present, cond.Value)
	case schema.OpContains:
		s, ok := asString(actual)
		want, ok2 := asString(cond.Value)
		return ok && ok2 && strings.Contains(s, want)
	case schema.OpStartsWith:
		s, ok := asString(actual)
		want, ok2 := asString(cond.Value)
		return ok && ok2 && strings.HasPrefix(s, want)
	case schema.OpEndsWith:
		s, ok := asString(actual)
		want, ok2 := asString(cond.Value)
		return ok && ok2 && strings.HasSuffix(s, want)
	case schema.OpMatches:
		s, ok := asString(actual)
		pattern, ok2 := asString(cond.Value)
		if !ok || !ok2 {
			return false
		}
		re := e.compile(pattern)
		return re != nil && re.MatchString(s)

	// number
	case schema.OpGT:
		a, b, ok := numberPair(actual, cond.Value)
		return ok && a > b
	case schema.OpLT:
		a, b, ok := numberPair(actual, cond.Value)
		return ok && a < b
	case schema.OpGTE:
		a, b, ok := numberPair(actual, cond.Value)
		return ok && a >= b
	case schema.OpLTE:
		a, b, ok := numberPair(actual, cond.Value)
		return ok && a <= b
	case schema.OpBetween:
		a, ok := asNumber(actual)
		if !ok {
			return false
		}
		bounds, ok := asList(cond.Value)
		if !ok || len(bounds) != 2 {
			return false
		}
		low, ok1 := asNumber(bounds[0])
		high, ok2 := asNumber(bounds[1])
		return ok1 && ok2 && a >= low && a <= high

	// boolean
	case schema.OpIsTrue:
		b, ok := actual.(bool)
		return ok && b
	case schema.OpIsFalse:
		b, ok := actual.(bool)
		return ok && !b

	// date
	case schema.OpBefore:
		a, ok := expressions.ToTime(actual)
		b, ok2 := expressions.ToTime(cond.Value)
		return ok && ok2 && a.Before(b)
	case schema.OpAfter:
		a, ok := expressions.ToTime(actual)
		b, ok2 := expressions.ToTime(cond.Value)
		return ok && ok2 && a.After(b)
	case schema.OpWithinDays:
		a, ok := expressions.ToTime(actual)
		days, ok2 := asNumber(cond.Value)
		if !ok || !ok2 {
			return false
		}
		diff := e.now().Sub(a)
		if diff < 0 {
			diff = -diff
		}
		return diff <= time.Duration(days)*24*time.Hour

	// array
	case schema.OpArrayContains:
		items, ok := asList(actual)
		if !ok {
			return false
		}
		for _, item := range items {
			if equals(item, true, cond.Value) {
				return true
			}
		}
		return false
	case schema.OpLengthGT:
		items, ok := asList(actual)
		n, ok2 := asNumber(cond.Value)
		return ok && ok2 && float64(len(items)) > n

	default:
		return false
	}
}

// compile caches compiled patterns; invalid patterns evaluate to no-match.
func (e *Evaluator) compile(pattern string) *regexp.Regexp {
	e.mu.RLock()
	re, cached := e.patterns[pattern]
	e.mu.RUnlock()
	if cached {
		return re
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	e.mu.Lock()
	e.patterns[pattern] = re
	e.mu.Unlock()
	return re
}

// equals compares with absent semantics: an absent value is not equal to
// anything except another absent (nil) value. Numbers compare numerically.
func equals(actual any, present bool, expected any) bool {
	if !present || actual == nil {
		return expected == nil
	}
	if expected == nil {
		return false
	}
	if a, ok := asNumber(actual); ok {
		if b, ok2 := asNumber(expected); ok2 {
			return a == b
		}
		return false
	}
	as, ok1 := asString(actual)
	bs, ok2 := asString(expected)
	if ok1 && ok2 {
		return as == bs
	}
	ab, ok1 := actual.(bool)
	bb, ok2 := expected.(bool)
	return ok1 && ok2 && ab == bb
}

func numberPair(actual, expected any) (float64, float64, bool) {
	a, ok1 := asNumber(actual)
	b, ok2 := asNumber(expected)
	return a, b, ok1 && ok2
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// asNumber accepts native numbers only; a string is not a number here.
// Condition operators are typed, unlike the permissive expression built-ins.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
