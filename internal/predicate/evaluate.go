package predicate

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluate interprets the tree directly over one in-memory transaction. It is
// pure and performs no I/O. An aggregate node anywhere in the tree reports
// domain.ErrUnsupportedOperation: group-level conditions have no per-row
// semantics and must go through the push-down path.
func Evaluate(p Predicate, tx domain.Transaction) (bool, error) {
	switch n := p.(type) {
	case *FieldPredicate:
		return evaluateField(n, tx)

	case *AndPredicate:
		for _, child := range n.Children {
			ok, err := Evaluate(child, tx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case *OrPredicate:
		for _, child := range n.Children {
			ok, err := Evaluate(child, tx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case *NotPredicate:
		ok, err := Evaluate(n.Child, tx)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case *AggregatePredicate:
		return false, fmt.Errorf("%w: aggregate predicates require group evaluation", domain.ErrUnsupportedOperation)

	default:
		return false, fmt.Errorf("unknown predicate node %T", p)
	}
}

func evaluateField(n *FieldPredicate, tx domain.Transaction) (bool, error) {
	if n.Op == OpContains {
		needle := n.Value.(string)
		return strings.Contains(fieldText(n.Field, tx), needle), nil
	}

	switch n.Field {
	case FieldAmount:
		return compareFloats(tx.Amount, n.Op, n.Value.(float64)), nil
	case FieldTimestamp:
		return compareTimes(tx.Timestamp, n.Op, n.Value.(time.Time)), nil
	case FieldUserID:
		return compareStrings(tx.UserID, n.Op, n.Value.(string)), nil
	case FieldMerchantName:
		return compareStrings(tx.MerchantName, n.Op, n.Value.(string)), nil
	default:
		return false, fmt.Errorf("unknown predicate field %q", n.Field)
	}
}

// fieldText is the text form substring tests run against. It matches the form
// the field has in the store, so direct evaluation and compiled LIKE filters
// agree.
func fieldText(f Field, tx domain.Transaction) string {
	switch f {
	case FieldUserID:
		return tx.UserID
	case FieldMerchantName:
		return tx.MerchantName
	case FieldTimestamp:
		return tx.TimestampString()
	default:
		return ""
	}
}

func compareFloats(a float64, op Op, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpLT:
		return a < b
	case OpGTE:
		return a >= b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	}
	return false
}

func compareStrings(a string, op Op, b string) bool {
	switch op {
	case OpGT:
		return a > b
	case OpLT:
		return a < b
	case OpGTE:
		return a >= b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	}
	return false
}

func compareTimes(a time.Time, op Op, b time.Time) bool {
	switch op {
	case OpGT:
		return a.After(b)
	case OpLT:
		return a.Before(b)
	case OpGTE:
		return !a.Before(b)
	case OpLTE:
		return !a.After(b)
	case OpEQ:
		return a.Equal(b)
	case OpNEQ:
		return !a.Equal(b)
	}
	return false
}
