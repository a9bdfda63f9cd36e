package schema

// GroupOp combines child conditions.
type GroupOp string

const (
	GroupAnd GroupOp = "and"
	GroupOr  GroupOp = "or"
	GroupNot GroupOp = "not"
)

// Leaf condition operators, partitioned by the value type they apply to.
// Applying an operator to a value outside its declared type evaluates to
// false rather than raising.
const (
	// string
	OpEquals     = "equals"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpMatches    = "matches"
	// number
	OpGT      = "gt"
	OpLT      = "lt"
	OpGTE     = "gte"
	OpLTE     = "lte"
	OpBetween = "between"
	// boolean
	OpIsTrue  = "is_true"
	OpIsFalse = "is_false"
	// date
	OpBefore     = "before"
	OpAfter      = "after"
	OpWithinDays = "within_days"
	// array
	OpArrayContains = "array_contains"
	OpLengthGT      = "length_gt"
)

// Condition is a leaf {Field, Operator, Value} or a group {Op, Children}.
type Condition struct {
	Op       GroupOp      `json:"op,omitempty"`
	Children []*Condition `json:"children,omitempty"`

	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// IsGroup reports whether the condition is an AND/OR/NOT group.
func (c *Condition) IsGroup() bool {
	return c.Op != ""
}
