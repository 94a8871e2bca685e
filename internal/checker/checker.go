// Package checker provides the pluggable fraud detection rules run by the
// execution engine. Checkers come in two capabilities: batch checkers are
// pure functions of the in-memory transaction batch, push-down checkers run
// their grouping, windowing, or statistics inside the backing store. Every
// checker is configured once and holds no per-run state.
package checker

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Checker is the lifecycle contract shared by every detection rule.
type Checker interface {
	// Name identifies the checker in flags and logs.
	Name() string

	// Initialize merges recognized configuration keys over the checker's
	// defaults. It is idempotent and callable with a nil Options. Unknown
	// keys report domain.ErrConfiguration.
	Initialize(opts Options) error
}

// BatchChecker evaluates the given in-memory batch directly.
type BatchChecker interface {
	Checker
	Check(ctx context.Context, txns []domain.Transaction) ([]domain.FraudFlag, error)
}

// PushdownChecker evaluates against the entire backing relation. The engine
// routes these through the store automatically.
type PushdownChecker interface {
	Checker
	CheckWithStore(ctx context.Context, store domain.Store, relation string) ([]domain.FraudFlag, error)
}

// DataFetcher is an optional hook for batch checkers that pull extra context
// rows from the store before evaluation. When a configured store is
// available, the engine invokes the hook before Check and appends the
// returned transactions to the batch the checker sees. Most checkers do not
// implement it.
type DataFetcher interface {
	FetchRelevantData(ctx context.Context, store domain.Store, filters map[string]any) ([]domain.Transaction, error)
}

// Options carries configuration for Initialize, typically decoded from JSON.
type Options map[string]any

// validate rejects keys outside the allowed set.
func (o Options) validate(allowed ...string) error {
	for key := range o {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: unknown key %q", domain.ErrConfiguration, key)
		}
	}
	return nil
}

// intVal merges an integer option into dst if present. JSON decoding yields
// float64 for numbers, so whole floats are accepted.
func (o Options) intVal(key string, dst *int) error {
	v, ok := o[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case int:
		*dst = n
	case int64:
		*dst = int(n)
	case float64:
		if n != math.Trunc(n) {
			return fmt.Errorf("%w: key %q must be an integer, got %v", domain.ErrConfiguration, key, n)
		}
		*dst = int(n)
	default:
		return fmt.Errorf("%w: key %q must be an integer, got %T", domain.ErrConfiguration, key, v)
	}
	return nil
}

// floatVal merges a float option into dst if present.
func (o Options) floatVal(key string, dst *float64) error {
	v, ok := o[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		*dst = n
	case int:
		*dst = float64(n)
	case int64:
		*dst = float64(n)
	default:
		return fmt.Errorf("%w: key %q must be a number, got %T", domain.ErrConfiguration, key, v)
	}
	return nil
}

// rowsToTransactions converts store rows back into transactions, preserving
// row order.
func rowsToTransactions(rows []map[string]any) ([]domain.Transaction, error) {
	txns := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := domain.TransactionFromRow(row)
		if err != nil {
			return nil, err
		}
		txns = append(txns, tx)
	}
	return txns, nil
}

// rowFloat reads a numeric column a checker's query added beyond the
// transaction fields.
func rowFloat(row map[string]any, col string) (float64, error) {
	v, ok := row[col]
	if !ok {
		return 0, fmt.Errorf("%w: missing column %q", domain.ErrDataIntegrity, col)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: column %q has type %T, want numeric", domain.ErrDataIntegrity, col, v)
	}
}
