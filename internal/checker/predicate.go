package checker

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/predicate"
)

// PredicateChecker wraps one predicate tree, a reason, and a confidence. It
// runs in batch mode: all matching transactions from a batch are collected
// into a single flag.
type PredicateChecker struct {
	name       string
	pred       predicate.Predicate
	filter     predicate.Filter
	reason     string
	confidence float64
}

// NewPredicateChecker builds a checker around a predicate tree. The tree is
// compiled immediately so a tree that cannot serve as a row filter (for
// example an aggregate node) is rejected at configuration time.
func NewPredicateChecker(name string, p predicate.Predicate, reason string, confidence float64) (*PredicateChecker, error) {
	filter, err := predicate.Compile(p)
	if err != nil {
		return nil, err
	}
	return &PredicateChecker{
		name:       name,
		pred:       p,
		filter:     filter,
		reason:     reason,
		confidence: confidence,
	}, nil
}

// Name implements Checker.
func (c *PredicateChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *PredicateChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("confidence"); err != nil {
		return err
	}
	return opts.floatVal("confidence", &c.confidence)
}

// Check evaluates the predicate tree against the batch. Zero matches yield no
// flags; one or more matches yield exactly one flag referencing every match.
func (c *PredicateChecker) Check(ctx context.Context, txns []domain.Transaction) ([]domain.FraudFlag, error) {
	var matched []domain.Transaction
	for _, tx := range txns {
		ok, err := predicate.Evaluate(c.pred, tx)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, tx)
		}
	}

	if len(matched) == 0 {
		return nil, nil
	}

	flag, err := domain.NewFlag(matched, c.name, c.reason, c.confidence)
	if err != nil {
		return nil, err
	}
	return []domain.FraudFlag{flag}, nil
}

// Filter returns the compiled row filter for reuse in push-down queries.
func (c *PredicateChecker) Filter() predicate.Filter {
	return c.filter
}
