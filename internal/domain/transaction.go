// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the canonical timestamp format used everywhere a transaction
// timestamp crosses a text boundary (store columns, CSV files, reports).
// Timestamps are always UTC.
const TimeLayout = "2006-01-02 15:04:05"

// Transaction is one card/account event under analysis. Transactions are
// constructed once at ingestion and are read-only for the rest of the
// pipeline; equality is by value, there is no transaction ID.
type Transaction struct {
	UserID       string    `json:"userId"`
	Timestamp    time.Time `json:"timestamp"`
	MerchantName string    `json:"merchantName"`
	Amount       float64   `json:"amount"`
}

// TimestampString returns the timestamp in the canonical text form.
func (t Transaction) TimestampString() string {
	return t.Timestamp.UTC().Format(TimeLayout)
}

// TransactionFromRow converts a store result row into a Transaction.
// A missing or mistyped column is a schema mismatch the pipeline cannot
// recover from and reports ErrDataIntegrity.
func TransactionFromRow(row map[string]any) (Transaction, error) {
	userID, err := stringColumn(row, "user_id")
	if err != nil {
		return Transaction{}, err
	}
	merchant, err := stringColumn(row, "merchant_name")
	if err != nil {
		return Transaction{}, err
	}
	ts, err := timeColumn(row, "timestamp")
	if err != nil {
		return Transaction{}, err
	}
	amount, err := floatColumn(row, "amount")
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		UserID:       userID,
		Timestamp:    ts,
		MerchantName: merchant,
		Amount:       amount,
	}, nil
}

func stringColumn(row map[string]any, col string) (string, error) {
	v, ok := row[col]
	if !ok {
		return "", fmt.Errorf("%w: missing column %q", ErrDataIntegrity, col)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("%w: column %q has type %T, want string", ErrDataIntegrity, col, v)
	}
}

func timeColumn(row map[string]any, col string) (time.Time, error) {
	v, ok := row[col]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing column %q", ErrDataIntegrity, col)
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := ParseTimestamp(t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: column %q: %v", ErrDataIntegrity, col, err)
		}
		return parsed, nil
	case []byte:
		parsed, err := ParseTimestamp(string(t))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: column %q: %v", ErrDataIntegrity, col, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("%w: column %q has type %T, want timestamp", ErrDataIntegrity, col, v)
	}
}

func floatColumn(row map[string]any, col string) (float64, error) {
	v, ok := row[col]
	if !ok {
		return 0, fmt.Errorf("%w: missing column %q", ErrDataIntegrity, col)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: column %q has type %T, want numeric", ErrDataIntegrity, col, v)
	}
}

// ParseTimestamp parses a timestamp in the canonical layout, falling back to
// RFC 3339 variants for CSV files produced by other tools. The result is UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FraudFlag is one detected suspicious pattern: the transactions that
// triggered it, the checker that raised it, a human-readable reason, and a
// confidence score in [0, 1]. Flags are immutable once created.
type FraudFlag struct {
	ID           string        `json:"id"`
	Transactions []Transaction `json:"transactions"`
	CheckerName  string        `json:"checkerName"`
	Reason       string        `json:"reason"`
	Confidence   float64       `json:"confidence"`
}

// NewFlag creates a FraudFlag. A flag always references at least one
// transaction, and confidence is clamped to [0, 1].
func NewFlag(txns []Transaction, checkerName, reason string, confidence float64) (FraudFlag, error) {
	if len(txns) == 0 {
		return FraudFlag{}, fmt.Errorf("fraud flag requires at least one transaction")
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return FraudFlag{
		ID:           uuid.New().String(),
		Transactions: txns,
		CheckerName:  checkerName,
		Reason:       reason,
		Confidence:   confidence,
	}, nil
}

// TransactionCount returns the number of transactions the flag references.
func (f FraudFlag) TransactionCount() int {
	return len(f.Transactions)
}
