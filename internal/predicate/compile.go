package predicate

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Filter is a compiled SQL fragment with its bound arguments. Every value is
// passed as a parameter; only column names and operators, both closed enums,
// are interpolated into the clause text.
type Filter struct {
	Clause string
	Args   []any
}

// Compile turns a tree into a row filter usable in a WHERE clause. Aggregate
// nodes are rejected: they carry group-level semantics and compile only
// through CompileAggregate alongside an explicit grouping query.
func Compile(p Predicate) (Filter, error) {
	switch n := p.(type) {
	case *FieldPredicate:
		return compileField(n), nil

	case *AndPredicate:
		return compileJunction(n.Children, "AND", "(1 = 1)")

	case *OrPredicate:
		return compileJunction(n.Children, "OR", "(1 = 0)")

	case *NotPredicate:
		child, err := Compile(n.Child)
		if err != nil {
			return Filter{}, err
		}
		return Filter{Clause: "NOT (" + child.Clause + ")", Args: child.Args}, nil

	case *AggregatePredicate:
		return Filter{}, fmt.Errorf("%w: aggregate predicates cannot appear in a row filter", domain.ErrUnsupportedOperation)

	default:
		return Filter{}, fmt.Errorf("unknown predicate node %T", p)
	}
}

// CompileAggregate turns an aggregate predicate into a HAVING fragment. The
// caller supplies the surrounding GROUP BY query using GroupByColumns.
func CompileAggregate(a *AggregatePredicate) (Filter, error) {
	var expr string
	switch a.Func {
	case AggCount:
		expr = "COUNT(*)"
	case AggSum:
		expr = "SUM(" + a.Over.Column() + ")"
	case AggDistinctCount:
		expr = "COUNT(DISTINCT " + a.Over.Column() + ")"
	default:
		return Filter{}, fmt.Errorf("unknown aggregate function %q", a.Func)
	}
	return Filter{
		Clause: expr + " " + sqlOp(a.Op) + " ?",
		Args:   []any{a.Threshold},
	}, nil
}

func compileJunction(children []Predicate, joiner, vacuous string) (Filter, error) {
	if len(children) == 0 {
		return Filter{Clause: vacuous}, nil
	}
	clauses := make([]string, 0, len(children))
	var args []any
	for _, child := range children {
		f, err := Compile(child)
		if err != nil {
			return Filter{}, err
		}
		clauses = append(clauses, f.Clause)
		args = append(args, f.Args...)
	}
	return Filter{Clause: "(" + strings.Join(clauses, " "+joiner+" ") + ")", Args: args}, nil
}

func compileField(n *FieldPredicate) Filter {
	col := n.Field.Column()

	if n.Op == OpContains {
		pattern := "%" + escapeLike(n.Value.(string)) + "%"
		return Filter{
			Clause: col + ` LIKE ? ESCAPE '\'`,
			Args:   []any{pattern},
		}
	}

	return Filter{
		Clause: col + " " + sqlOp(n.Op) + " ?",
		Args:   []any{bindValue(n.Value)},
	}
}

func sqlOp(op Op) string {
	switch op {
	case OpEQ:
		return "="
	case OpNEQ:
		return "<>"
	default:
		return string(op)
	}
}

// bindValue normalizes a predicate value for parameter binding. Timestamps
// bind as canonical text so comparisons against the stored column agree with
// direct evaluation.
func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(domain.TimeLayout)
	}
	return v
}

// escapeLike escapes the LIKE metacharacters in a bound substring pattern.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
