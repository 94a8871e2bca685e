// Package report renders scan results as plain text.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Write renders the flags to w in a fixed human-readable layout: a ruled
// header, the pattern count, then one block per flag separated by blank
// lines.
func Write(w io.Writer, flags []domain.FraudFlag) error {
	if _, err := fmt.Fprintln(w, "Fraud Detection Results"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s\n\n", strings.Repeat("=", 80)); err != nil {
		return err
	}

	if len(flags) == 0 {
		_, err := fmt.Fprintln(w, "No suspicious transactions found.")
		return err
	}

	if _, err := fmt.Fprintf(w, "Total fraud patterns detected: %d\n\n", len(flags)); err != nil {
		return err
	}

	for i, flag := range flags {
		if _, err := fmt.Fprintf(w, "Pattern #%d\n", i+1); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  Checker: %s\n", flag.CheckerName); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  Reason: %s\n", flag.Reason); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  Confidence: %.2f\n", flag.Confidence); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  Transactions (%d):\n", flag.TransactionCount()); err != nil {
			return err
		}
		for _, tx := range flag.Transactions {
			if _, err := fmt.Fprintf(w, "    - %s | %s | %s | $%.2f\n",
				tx.UserID, tx.TimestampString(), tx.MerchantName, tx.Amount); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	return nil
}

// WriteFile renders the flags to the named file, creating or truncating it.
func WriteFile(path string, flags []domain.FraudFlag) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, flags); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
