package conditions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tallybook/automaton/pkg/schema"
)

func leaf(field string, op string, value any) *schema.Condition {
	return &schema.Condition{Field: field, Operator: op, Value: value}
}

func TestMatchesNilTree(t *testing.T) {
	e := NewEvaluator()
	assert.True(t, e.Matches(nil, nil))
	assert.True(t, e.Matches(nil, map[string]any{"x": 1}))
}

func TestStringOperators(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{
		"invoice": map[string]any{"status": "overdue", "ref": "INV-2024-001"},
	}

	assert.True(t, e.Matches(leaf("invoice.status", schema.OpEquals, "overdue"), vars))
	assert.False(t, e.Matches(leaf("invoice.status", schema.OpEquals, "paid"), vars))
	assert.True(t, e.Matches(leaf("invoice.ref", schema.OpContains, "2024"), vars))
	assert.True(t, e.Matches(leaf("invoice.ref", schema.OpStartsWith, "INV-"), vars))
	assert.True(t, e.Matches(leaf("invoice.ref", schema.OpEndsWith, "001"), vars))
	assert.True(t, e.Matches(leaf("invoice.ref", schema.OpMatches, `^INV-\d{4}-\d{3}$`), vars))
	assert.False(t, e.Matches(leaf("invoice.ref", schema.OpMatches, `^BILL-`), vars))
}

func TestInvalidRegexNeverMatches(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"s": "anything"}

	cond := leaf("s", schema.OpMatches, "([unclosed")
	assert.False(t, e.Matches(cond, vars))
	// Second evaluation hits the cached nil entry.
	assert.False(t, e.Matches(cond, vars))
}

func TestNumericOperatorsFailClosed(t *testing.T) {
	e := NewEvaluator()

	// A string-encoded number is not a number for condition operators.
	vars := map[string]any{"amount": "1500"}
	assert.False(t, e.Matches(leaf("amount", schema.OpGT, 1000), vars))

	vars = map[string]any{"amount": 1500.0}
	assert.True(t, e.Matches(leaf("amount", schema.OpGT, 1000), vars))
	assert.False(t, e.Matches(leaf("amount", schema.OpLT, 1000), vars))
	assert.True(t, e.Matches(leaf("amount", schema.OpGTE, 1500), vars))
	assert.True(t, e.Matches(leaf("amount", schema.OpLTE, 1500), vars))

	// Absent field fails closed too.
	assert.False(t, e.Matches(leaf("missing", schema.OpGT, 0), vars))
}

func TestBetween(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"amount": 500.0}

	assert.True(t, e.Matches(leaf("amount", schema.OpBetween, []any{100, 1000}), vars))
	assert.True(t, e.Matches(leaf("amount", schema.OpBetween, []any{500, 500}), vars))
	assert.False(t, e.Matches(leaf("amount", schema.OpBetween, []any{501, 1000}), vars))
	// Malformed bounds evaluate to false, never panic.
	assert.False(t, e.Matches(leaf("amount", schema.OpBetween, []any{100}), vars))
	assert.False(t, e.Matches(leaf("amount", schema.OpBetween, "100-1000"), vars))
}

func TestBooleanOperators(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"approved": true, "flag": "true"}

	assert.True(t, e.Matches(leaf("approved", schema.OpIsTrue, nil), vars))
	assert.False(t, e.Matches(leaf("approved", schema.OpIsFalse, nil), vars))
	// Strings are not booleans.
	assert.False(t, e.Matches(leaf("flag", schema.OpIsTrue, nil), vars))
	assert.False(t, e.Matches(leaf("flag", schema.OpIsFalse, nil), vars))
}

func TestDateOperators(t *testing.T) {
	e := NewEvaluator()
	e.now = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }

	vars := map[string]any{
		"due_date":  "2024-06-10",
		"issued_at": "2024-06-14T09:00:00Z",
	}

	assert.True(t, e.Matches(leaf("due_date", schema.OpBefore, "2024-06-15"), vars))
	assert.False(t, e.Matches(leaf("due_date", schema.OpAfter, "2024-06-15"), vars))
	assert.True(t, e.Matches(leaf("issued_at", schema.OpWithinDays, 2), vars))
	assert.False(t, e.Matches(leaf("due_date", schema.OpWithinDays, 2), vars))
	// Garbage dates fail closed.
	assert.False(t, e.Matches(leaf("due_date", schema.OpBefore, "not a date"), vars))
}

func TestArrayOperators(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{
		"tags":  []any{"finance", "urgent"},
		"codes": []any{401.0, 403.0},
	}

	assert.True(t, e.Matches(leaf("tags", schema.OpArrayContains, "urgent"), vars))
	assert.False(t, e.Matches(leaf("tags", schema.OpArrayContains, "archived"), vars))
	// Numeric membership compares numerically across int/float encodings.
	assert.True(t, e.Matches(leaf("codes", schema.OpArrayContains, 403), vars))
	assert.True(t, e.Matches(leaf("tags", schema.OpLengthGT, 1), vars))
	assert.False(t, e.Matches(leaf("tags", schema.OpLengthGT, 2), vars))
	// Non-array value fails closed.
	assert.False(t, e.Matches(leaf("tags.0", schema.OpLengthGT, 0), vars))
}

func TestEqualsAbsentSemantics(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"present": "x", "null": nil}

	// Absent equals only nil.
	assert.True(t, e.Matches(leaf("missing", schema.OpEquals, nil), vars))
	assert.False(t, e.Matches(leaf("missing", schema.OpEquals, ""), vars))
	assert.True(t, e.Matches(leaf("null", schema.OpEquals, nil), vars))
	assert.False(t, e.Matches(leaf("present", schema.OpEquals, nil), vars))
}

func TestEqualsNumericCoercion(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"n": 42.0, "s": "42"}

	assert.True(t, e.Matches(leaf("n", schema.OpEquals, 42), vars))
	// A number never equals its string spelling.
	assert.False(t, e.Matches(leaf("n", schema.OpEquals, "42"), vars))
	assert.False(t, e.Matches(leaf("s", schema.OpEquals, 42), vars))
}

func TestGroupShortCircuit(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"amount": 1500.0, "status": "overdue"}

	and := &schema.Condition{
		Op: schema.GroupAnd,
		Children: []*schema.Condition{
			leaf("amount", schema.OpGT, 1000),
			leaf("status", schema.OpEquals, "overdue"),
		},
	}
	assert.True(t, e.Matches(and, vars))

	and.Children[0] = leaf("amount", schema.OpGT, 2000)
	assert.False(t, e.Matches(and, vars))

	or := &schema.Condition{
		Op: schema.GroupOr,
		Children: []*schema.Condition{
			leaf("amount", schema.OpGT, 2000),
			leaf("status", schema.OpEquals, "overdue"),
		},
	}
	assert.True(t, e.Matches(or, vars))
}

func TestEmptyGroups(t *testing.T) {
	e := NewEvaluator()
	// Vacuous AND matches, vacuous OR does not.
	assert.True(t, e.Matches(&schema.Condition{Op: schema.GroupAnd}, nil))
	assert.False(t, e.Matches(&schema.Condition{Op: schema.GroupOr}, nil))
}

func TestNotRequiresExactlyOneChild(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"status": "paid"}

	not := &schema.Condition{
		Op:       schema.GroupNot,
		Children: []*schema.Condition{leaf("status", schema.OpEquals, "overdue")},
	}
	assert.True(t, e.Matches(not, vars))

	not.Children = append(not.Children, leaf("status", schema.OpEquals, "paid"))
	assert.False(t, e.Matches(not, vars))

	not.Children = nil
	assert.False(t, e.Matches(not, vars))
}

func TestUnknownOperatorFailsClosed(t *testing.T) {
	e := NewEvaluator()
	vars := map[string]any{"x": 1.0}
	assert.False(t, e.Matches(leaf("x", "frobnicate", 1), vars))
	assert.False(t, e.Matches(&schema.Condition{Op: "xor"}, vars))
}
