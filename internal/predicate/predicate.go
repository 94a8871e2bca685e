// Package predicate implements the boolean expression trees checkers are
// built from. A tree is constructed once at pipeline configuration time and
// is immutable afterwards. The same tree has two interpreters that must stay
// result-consistent: Evaluate runs it directly over an in-memory transaction,
// Compile turns it into a parameterized SQL filter for push-down execution.
//
// The variant set is closed: Field, And, Or, Not, and Aggregate. Both
// interpreters switch exhaustively over it, so adding a variant forces both
// to be extended.
package predicate

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Field names a transaction column a predicate can test.
type Field string

// Known fields. Unknown field names are rejected at construction.
const (
	FieldUserID       Field = "user_id"
	FieldTimestamp    Field = "timestamp"
	FieldMerchantName Field = "merchant_name"
	FieldAmount       Field = "amount"
)

func (f Field) valid() bool {
	switch f {
	case FieldUserID, FieldTimestamp, FieldMerchantName, FieldAmount:
		return true
	}
	return false
}

// Column returns the store column name for the field.
func (f Field) Column() string { return string(f) }

// Op is a comparison operator.
type Op string

// Supported operators. OpContains is a case-sensitive substring test on the
// text form of the field.
const (
	OpGT       Op = ">"
	OpLT       Op = "<"
	OpGTE      Op = ">="
	OpLTE      Op = "<="
	OpEQ       Op = "=="
	OpNEQ      Op = "!="
	OpContains Op = "contains"
)

func (o Op) valid() bool {
	switch o {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ, OpContains:
		return true
	}
	return false
}

// Predicate is one node of an expression tree. The set of implementations is
// closed; external packages compose trees through the constructors.
type Predicate interface {
	node()
}

// FieldPredicate is a leaf comparing one transaction field against a value.
type FieldPredicate struct {
	Field Field
	Op    Op
	Value any
}

// AndPredicate is true iff every child is true; vacuously true with no
// children.
type AndPredicate struct {
	Children []Predicate
}

// OrPredicate is true iff any child is true; vacuously false with no
// children.
type OrPredicate struct {
	Children []Predicate
}

// NotPredicate negates its child.
type NotPredicate struct {
	Child Predicate
}

// AggFunc names a group-level aggregate.
type AggFunc string

// Supported aggregate functions.
const (
	AggCount         AggFunc = "count"
	AggSum           AggFunc = "sum"
	AggDistinctCount AggFunc = "distinct_count"
)

// AggregatePredicate is a group-level (HAVING) condition. It has no per-row
// evaluation semantics: Evaluate fails on it, and it only compiles through
// CompileAggregate alongside an explicit grouping query.
type AggregatePredicate struct {
	GroupBy   []Field
	Func      AggFunc
	Over      Field // aggregated field; unused for AggCount
	Op        Op
	Threshold float64
}

func (*FieldPredicate) node()     {}
func (*AndPredicate) node()       {}
func (*OrPredicate) node()        {}
func (*NotPredicate) node()       {}
func (*AggregatePredicate) node() {}

// NewField builds a leaf predicate, rejecting unknown fields, unknown
// operators, and values whose type does not fit the field.
func NewField(field Field, op Op, value any) (*FieldPredicate, error) {
	if !field.valid() {
		return nil, fmt.Errorf("unknown predicate field %q", field)
	}
	if !op.valid() {
		return nil, fmt.Errorf("unknown predicate operator %q", op)
	}

	if op == OpContains {
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("contains requires a string value, got %T", value)
		}
		if field == FieldAmount {
			return nil, fmt.Errorf("contains is not defined for field %q", field)
		}
		return &FieldPredicate{Field: field, Op: op, Value: value}, nil
	}

	switch field {
	case FieldAmount:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("field %q requires a numeric value, got %T", field, value)
		}
		value = f
	case FieldTimestamp:
		switch v := value.(type) {
		case time.Time:
			value = v.UTC()
		case string:
			t, err := domain.ParseTimestamp(v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field, err)
			}
			value = t
		default:
			return nil, fmt.Errorf("field %q requires a time value, got %T", field, value)
		}
	default:
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("field %q requires a string value, got %T", field, value)
		}
	}

	return &FieldPredicate{Field: field, Op: op, Value: value}, nil
}

// MustField is NewField that panics on error, for statically known trees.
func MustField(field Field, op Op, value any) *FieldPredicate {
	p, err := NewField(field, op, value)
	if err != nil {
		panic(err)
	}
	return p
}

// And combines predicates conjunctively.
func And(children ...Predicate) *AndPredicate {
	return &AndPredicate{Children: children}
}

// Or combines predicates disjunctively.
func Or(children ...Predicate) *OrPredicate {
	return &OrPredicate{Children: children}
}

// Not negates a predicate.
func Not(child Predicate) *NotPredicate {
	return &NotPredicate{Child: child}
}

// NewAggregate builds a group-level predicate. The group-by set must be
// non-empty; sum and distinct-count require an aggregated field.
func NewAggregate(groupBy []Field, fn AggFunc, over Field, op Op, threshold float64) (*AggregatePredicate, error) {
	if len(groupBy) == 0 {
		return nil, fmt.Errorf("aggregate predicate requires a non-empty group-by set")
	}
	for _, f := range groupBy {
		if !f.valid() {
			return nil, fmt.Errorf("unknown group-by field %q", f)
		}
	}
	if !op.valid() || op == OpContains {
		return nil, fmt.Errorf("operator %q is not valid for aggregate predicates", op)
	}
	switch fn {
	case AggCount:
		// no aggregated field
	case AggSum, AggDistinctCount:
		if !over.valid() {
			return nil, fmt.Errorf("aggregate %q requires a valid field, got %q", fn, over)
		}
	default:
		return nil, fmt.Errorf("unknown aggregate function %q", fn)
	}
	return &AggregatePredicate{GroupBy: groupBy, Func: fn, Over: over, Op: op, Threshold: threshold}, nil
}

// GroupByColumns returns the group-by column names in declaration order.
func (a *AggregatePredicate) GroupByColumns() []string {
	cols := make([]string, len(a.GroupBy))
	for i, f := range a.GroupBy {
		cols[i] = f.Column()
	}
	return cols
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
