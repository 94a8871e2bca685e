package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func sampleFlags(t *testing.T) []domain.FraudFlag {
	t.Helper()
	ts, err := domain.ParseTimestamp("2025-01-15 03:30:00")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	txns := []domain.Transaction{
		{UserID: "user_001", Timestamp: ts, MerchantName: "QuickCash ATM", Amount: 1500.00},
	}

	f1, err := domain.NewFlag(txns, "NighttimeChecker", "High-value transaction at 03:30", 0.88)
	if err != nil {
		t.Fatalf("NewFlag: %v", err)
	}
	f2, err := domain.NewFlag(txns, "VelocityChecker", "Velocity spike", 0.85)
	if err != nil {
		t.Fatalf("NewFlag: %v", err)
	}
	return []domain.FraudFlag{f1, f2}
}

func TestWriteEmpty(t *testing.T) {
	var sb strings.Builder
	if err := Write(&sb, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := sb.String()

	want := "Fraud Detection Results\n" + strings.Repeat("=", 80) + "\n\n" +
		"No suspicious transactions found.\n"
	if out != want {
		t.Errorf("unexpected empty report:\n%s", out)
	}
}

func TestWriteFlags(t *testing.T) {
	var sb strings.Builder
	if err := Write(&sb, sampleFlags(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"Total fraud patterns detected: 2\n\n",
		"Pattern #1",
		"Pattern #2",
		"  Checker: NighttimeChecker",
		"  Reason: High-value transaction at 03:30",
		"  Confidence: 0.88",
		"  Transactions (1):",
		"- user_001 | 2025-01-15 03:30:00 | QuickCash ATM | $1500.00",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	// Each pattern block ends with a blank line.
	if !strings.Contains(out, "$1500.00\n\nPattern #2") {
		t.Errorf("missing blank line between pattern blocks:\n%s", out)
	}
	if !strings.HasSuffix(out, "$1500.00\n\n") {
		t.Errorf("missing trailing blank line after the last pattern:\n%s", out)
	}
}

func TestWriteFlagOrderPreserved(t *testing.T) {
	var sb strings.Builder
	if err := Write(&sb, sampleFlags(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := sb.String()

	night := strings.Index(out, "NighttimeChecker")
	velocity := strings.Index(out, "VelocityChecker")
	if night < 0 || velocity < 0 || night > velocity {
		t.Errorf("flags rendered out of order:\n%s", out)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.txt")
	if err := WriteFile(path, sampleFlags(t)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "Total fraud patterns detected: 2") {
		t.Errorf("file content incomplete:\n%s", data)
	}
}
