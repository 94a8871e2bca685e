package checker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/predicate"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestStore(t *testing.T) domain.Store {
	t.Helper()
	store, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := domain.ParseTimestamp(value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func tx(t *testing.T, userID, ts, merchant string, amount float64) domain.Transaction {
	t.Helper()
	return domain.Transaction{
		UserID:       userID,
		Timestamp:    mustTime(t, ts),
		MerchantName: merchant,
		Amount:       amount,
	}
}

func seedStore(t *testing.T, store domain.Store, txns []domain.Transaction) {
	t.Helper()
	if err := store.InsertTransactions(context.Background(), "transactions", txns); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func TestOptionsRejectUnknownKeys(t *testing.T) {
	c := NewVelocityChecker()
	err := c.Initialize(Options{"window_minutes": 5})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown key, got %v", err)
	}
}

func TestOptionsAcceptWholeFloats(t *testing.T) {
	c := NewVelocityChecker()
	if err := c.Initialize(Options{"threshold": float64(5)}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if c.threshold != 5 {
		t.Errorf("threshold not merged, got %d", c.threshold)
	}

	err := c.Initialize(Options{"threshold": 2.5})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for fractional int option, got %v", err)
	}
}

func TestPredicateCheckerSingleFlag(t *testing.T) {
	pred := predicate.MustField(predicate.FieldAmount, predicate.OpGT, 100.0)
	c, err := NewPredicateChecker("HighAmount", pred, "Amount over $100", 0.8)
	if err != nil {
		t.Fatalf("NewPredicateChecker: %v", err)
	}

	batch := []domain.Transaction{
		tx(t, "user_001", "2025-01-15 10:00:00", "Grocer", 50.00),
		tx(t, "user_001", "2025-01-15 11:00:00", "Jeweler", 950.00),
		tx(t, "user_002", "2025-01-15 12:00:00", "Dealer", 2500.00),
	}

	flags, err := c.Check(context.Background(), batch)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected exactly one flag, got %d", len(flags))
	}
	if flags[0].TransactionCount() != 2 {
		t.Errorf("expected 2 matched transactions, got %d", flags[0].TransactionCount())
	}
	if flags[0].CheckerName != "HighAmount" {
		t.Errorf("unexpected checker name %q", flags[0].CheckerName)
	}
	if flags[0].Confidence != 0.8 {
		t.Errorf("unexpected confidence %v", flags[0].Confidence)
	}
}

func TestPredicateCheckerNoMatches(t *testing.T) {
	pred := predicate.MustField(predicate.FieldAmount, predicate.OpGT, 10000.0)
	c, err := NewPredicateChecker("HighAmount", pred, "never", 0.8)
	if err != nil {
		t.Fatalf("NewPredicateChecker: %v", err)
	}

	flags, err := c.Check(context.Background(), []domain.Transaction{
		tx(t, "user_001", "2025-01-15 10:00:00", "Grocer", 50.00),
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(flags) != 0 {
		t.Fatalf("expected no flags, got %d", len(flags))
	}
}

func TestPredicateCheckerRejectsAggregateTree(t *testing.T) {
	agg, err := predicate.NewAggregate([]predicate.Field{predicate.FieldUserID}, predicate.AggCount, "", predicate.OpGT, 3)
	if err != nil {
		t.Fatalf("NewAggregate: %v", err)
	}
	_, err = NewPredicateChecker("Agg", agg, "reason", 0.8)
	if !errors.Is(err, domain.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation at construction, got %v", err)
	}
}

// Direct evaluation and SQL compilation of the same tree must agree row by
// row.
func TestPredicateConsistencyAgainstStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := []domain.Transaction{
		tx(t, "user_001", "2025-01-15 02:30:00", "QuickCash ATM", 1500.00),
		tx(t, "user_001", "2025-01-15 10:00:00", "Grocer", 45.00),
		tx(t, "user_002", "2025-01-15 03:15:00", "Casino Lounge", 800.00),
		tx(t, "user_003", "2025-01-15 14:00:00", "BookShop", 19.99),
	}
	seedStore(t, store, batch)

	trees := []predicate.Predicate{
		predicate.MustField(predicate.FieldAmount, predicate.OpGT, 500.0),
		predicate.MustField(predicate.FieldMerchantName, predicate.OpContains, "ATM"),
		predicate.And(
			predicate.MustField(predicate.FieldAmount, predicate.OpGTE, 800.0),
			predicate.MustField(predicate.FieldTimestamp, predicate.OpLT, "2025-01-15 04:00:00"),
		),
		predicate.Or(
			predicate.MustField(predicate.FieldUserID, predicate.OpEQ, "user_003"),
			predicate.Not(predicate.MustField(predicate.FieldAmount, predicate.OpLT, 1000.0)),
		),
	}

	for i, tree := range trees {
		filter, err := predicate.Compile(tree)
		if err != nil {
			t.Fatalf("tree %d: Compile: %v", i, err)
		}

		rows, err := store.FetchItems(ctx,
			"SELECT user_id, timestamp, merchant_name, amount FROM transactions WHERE "+filter.Clause+" ORDER BY user_id, timestamp",
			filter.Args...)
		if err != nil {
			t.Fatalf("tree %d: FetchItems: %v", i, err)
		}

		sqlMatched := make(map[string]bool)
		for _, row := range rows {
			txn, err := domain.TransactionFromRow(row)
			if err != nil {
				t.Fatalf("tree %d: TransactionFromRow: %v", i, err)
			}
			sqlMatched[txn.UserID+"|"+txn.TimestampString()] = true
		}

		for _, txn := range batch {
			direct, err := predicate.Evaluate(tree, txn)
			if err != nil {
				t.Fatalf("tree %d: Evaluate: %v", i, err)
			}
			key := txn.UserID + "|" + txn.TimestampString()
			if direct != sqlMatched[key] {
				t.Errorf("tree %d: interpreters disagree on %s: direct=%v sql=%v", i, key, direct, sqlMatched[key])
			}
		}
	}
}
