package checker

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExpressionChecker evaluates a CEL expression against each transaction in
// the batch. The expression sees user_id, merchant_name and amount plus the
// derived hour of day, and must produce a bool.
type ExpressionChecker struct {
	name       string
	expression string
	program    cel.Program
	reason     string
	confidence float64
}

// NewExpressionChecker compiles the expression immediately so a malformed
// rule fails at construction, not mid-scan.
func NewExpressionChecker(name, expression, reason string, confidence float64) (*ExpressionChecker, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: expression checker requires a name", domain.ErrConfiguration)
	}

	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("merchant_name", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CEL environment: %v", domain.ErrConfiguration, err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile expression for %s: %v", domain.ErrConfiguration, name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: expression for %s must return bool, got %s", domain.ErrConfiguration, name, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program for %s: %v", domain.ErrConfiguration, name, err)
	}

	return &ExpressionChecker{
		name:       name,
		expression: expression,
		program:    program,
		reason:     reason,
		confidence: confidence,
	}, nil
}

// Name implements Checker.
func (c *ExpressionChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *ExpressionChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	if err := opts.validate("confidence"); err != nil {
		return err
	}
	return opts.floatVal("confidence", &c.confidence)
}

// Check implements BatchChecker. All matching transactions land in a single
// flag.
func (c *ExpressionChecker) Check(ctx context.Context, txns []domain.Transaction) ([]domain.FraudFlag, error) {
	var matched []domain.Transaction
	for _, tx := range txns {
		out, _, err := c.program.Eval(map[string]any{
			"user_id":       tx.UserID,
			"merchant_name": tx.MerchantName,
			"amount":        tx.Amount,
			"hour":          tx.Timestamp.Hour(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: expression %s: %v", domain.ErrQueryExecution, c.name, err)
		}
		b, ok := out.(types.Bool)
		if !ok {
			return nil, fmt.Errorf("%w: expression %s produced %T, want bool", domain.ErrQueryExecution, c.name, out)
		}
		if bool(b) {
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
