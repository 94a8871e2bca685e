package predicate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := domain.ParseTimestamp(value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func sampleTx(t *testing.T) domain.Transaction {
	t.Helper()
	return domain.Transaction{
		UserID:       "user_001",
		Timestamp:    mustTime(t, "2025-01-15 03:30:00"),
		MerchantName: "QuickCash ATM",
		Amount:       1250.00,
	}
}

func TestNewFieldRejectsUnknownField(t *testing.T) {
	if _, err := NewField("account_id", OpEQ, "x"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestNewFieldRejectsUnknownOperator(t *testing.T) {
	if _, err := NewField(FieldAmount, "~=", 10.0); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestNewFieldRejectsMistypedValues(t *testing.T) {
	if _, err := NewField(FieldAmount, OpGT, "a lot"); err == nil {
		t.Fatal("expected error for string amount")
	}
	if _, err := NewField(FieldUserID, OpEQ, 42); err == nil {
		t.Fatal("expected error for numeric user_id")
	}
	if _, err := NewField(FieldTimestamp, OpGT, 42); err == nil {
		t.Fatal("expected error for numeric timestamp")
	}
	if _, err := NewField(FieldAmount, OpContains, "12"); err == nil {
		t.Fatal("expected error for contains on amount")
	}
	if _, err := NewField(FieldMerchantName, OpContains, 7); err == nil {
		t.Fatal("expected error for non-string contains value")
	}
}

func TestNewFieldNormalizesValues(t *testing.T) {
	p, err := NewField(FieldAmount, OpGT, 100)
	if err != nil {
		t.Fatalf("NewField: %v", err)
	}
	if _, ok := p.Value.(float64); !ok {
		t.Errorf("expected float64 amount, got %T", p.Value)
	}

	p, err = NewField(FieldTimestamp, OpGTE, "2025-01-15 00:00:00")
	if err != nil {
		t.Fatalf("NewField: %v", err)
	}
	if _, ok := p.Value.(time.Time); !ok {
		t.Errorf("expected time.Time timestamp, got %T", p.Value)
	}
}

func TestEvaluateFieldComparisons(t *testing.T) {
	tx := sampleTx(t)

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"amount gt true", MustField(FieldAmount, OpGT, 1000.0), true},
		{"amount gt false", MustField(FieldAmount, OpGT, 2000.0), false},
		{"amount lte boundary", MustField(FieldAmount, OpLTE, 1250.0), true},
		{"amount neq", MustField(FieldAmount, OpNEQ, 1250.0), false},
		{"user eq", MustField(FieldUserID, OpEQ, "user_001"), true},
		{"user ordering", MustField(FieldUserID, OpLT, "user_002"), true},
		{"merchant contains", MustField(FieldMerchantName, OpContains, "ATM"), true},
		{"merchant contains case sensitive", MustField(FieldMerchantName, OpContains, "atm"), false},
		{"timestamp before", MustField(FieldTimestamp, OpLT, "2025-01-16 00:00:00"), true},
		{"timestamp eq", MustField(FieldTimestamp, OpEQ, "2025-01-15 03:30:00"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.pred, tx)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateJunctions(t *testing.T) {
	tx := sampleTx(t)

	highAmount := MustField(FieldAmount, OpGT, 1000.0)
	wrongUser := MustField(FieldUserID, OpEQ, "user_999")

	got, err := Evaluate(And(highAmount, wrongUser), tx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got {
		t.Error("AND with one false child should be false")
	}

	got, err = Evaluate(Or(highAmount, wrongUser), tx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got {
		t.Error("OR with one true child should be true")
	}

	got, err = Evaluate(Not(wrongUser), tx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got {
		t.Error("NOT of a false child should be true")
	}
}

func TestEvaluateVacuousJunctions(t *testing.T) {
	tx := sampleTx(t)

	got, err := Evaluate(And(), tx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got {
		t.Error("empty AND must be vacuously true")
	}

	got, err = Evaluate(Or(), tx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got {
		t.Error("empty OR must be vacuously false")
	}
}

func TestEvaluateRejectsAggregate(t *testing.T) {
	agg, err := NewAggregate([]Field{FieldUserID}, AggCount, "", OpGT, 3)
	if err != nil {
		t.Fatalf("NewAggregate: %v", err)
	}
	_, err = Evaluate(agg, sampleTx(t))
	if !errors.Is(err, domain.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestCompileParameterizesValues(t *testing.T) {
	f, err := Compile(MustField(FieldAmount, OpGT, 1000.0))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f.Clause != "amount > ?" {
		t.Errorf("unexpected clause %q", f.Clause)
	}
	if len(f.Args) != 1 || f.Args[0] != 1000.0 {
		t.Errorf("unexpected args %v", f.Args)
	}

	// No value text may appear in the clause itself.
	f, err = Compile(MustField(FieldUserID, OpEQ, "user'; DROP TABLE transactions; --"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if strings.Contains(f.Clause, "DROP") {
		t.Errorf("value leaked into clause: %q", f.Clause)
	}
	if f.Clause != "user_id = ?" {
		t.Errorf("unexpected clause %q", f.Clause)
	}
}

func TestCompileOperators(t *testing.T) {
	f, err := Compile(MustField(FieldAmount, OpNEQ, 10.0))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f.Clause != "amount <> ?" {
		t.Errorf("unexpected clause %q", f.Clause)
	}

	f, err = Compile(MustField(FieldMerchantName, OpContains, "50%_off"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f.Clause != `merchant_name LIKE ? ESCAPE '\'` {
		t.Errorf("unexpected clause %q", f.Clause)
	}
	if f.Args[0] != `%50\%\_off%` {
		t.Errorf("LIKE metacharacters not escaped: %v", f.Args[0])
	}
}

func TestCompileJunctions(t *testing.T) {
	f, err := Compile(And(
		MustField(FieldAmount, OpGT, 100.0),
		Or(
			MustField(FieldUserID, OpEQ, "user_001"),
			MustField(FieldUserID, OpEQ, "user_002"),
		),
	))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := "(amount > ? AND (user_id = ? OR user_id = ?))"
	if f.Clause != want {
		t.Errorf("got %q, want %q", f.Clause, want)
	}
	if len(f.Args) != 3 {
		t.Errorf("expected 3 args, got %v", f.Args)
	}

	f, err = Compile(And())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f.Clause != "(1 = 1)" {
		t.Errorf("empty AND should compile to tautology, got %q", f.Clause)
	}

	f, err = Compile(Or())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f.Clause != "(1 = 0)" {
		t.Errorf("empty OR should compile to contradiction, got %q", f.Clause)
	}
}

func TestCompileTimestampBindsCanonicalText(t *testing.T) {
	f, err := Compile(MustField(FieldTimestamp, OpGTE, "2025-01-15 03:30:00"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f.Args[0] != "2025-01-15 03:30:00" {
		t.Errorf("timestamp should bind as canonical text, got %v", f.Args[0])
	}
}

func TestCompileRejectsAggregate(t *testing.T) {
	agg, err := NewAggregate([]Field{FieldUserID}, AggCount, "", OpGT, 3)
	if err != nil {
		t.Fatalf("NewAggregate: %v", err)
	}
	_, err = Compile(agg)
	if !errors.Is(err, domain.ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestCompileAggregate(t *testing.T) {
	agg, err := NewAggregate([]Field{FieldUserID, FieldMerchantName}, AggSum, FieldAmount, OpGT, 5000)
	if err != nil {
		t.Fatalf("NewAggregate: %v", err)
	}
	f, err := CompileAggregate(agg)
	if err != nil {
		t.Fatalf("CompileAggregate: %v", err)
	}
	if f.Clause != "SUM(amount) > ?" {
		t.Errorf("unexpected clause %q", f.Clause)
	}
	if f.Args[0] != 5000.0 {
		t.Errorf("unexpected args %v", f.Args)
	}

	cols := agg.GroupByColumns()
	if len(cols) != 2 || cols[0] != "user_id" || cols[1] != "merchant_name" {
		t.Errorf("unexpected group-by columns %v", cols)
	}
}

func TestNewAggregateValidation(t *testing.T) {
	if _, err := NewAggregate(nil, AggCount, "", OpGT, 1); err == nil {
		t.Error("expected error for empty group-by")
	}
	if _, err := NewAggregate([]Field{FieldUserID}, AggSum, "nope", OpGT, 1); err == nil {
		t.Error("expected error for invalid aggregated field")
	}
	if _, err := NewAggregate([]Field{FieldUserID}, AggCount, "", OpContains, 1); err == nil {
		t.Error("expected error for contains on aggregate")
	}
	if _, err := NewAggregate([]Field{FieldUserID}, "avg", "", OpGT, 1); err == nil {
		t.Error("expected error for unknown aggregate function")
	}
}
