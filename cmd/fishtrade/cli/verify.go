package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fishtrade/fishtrade/internal/billing"
)

// IntegrityVerifier re-checks stored bills.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context) (billing.IntegrityReport, error)
}

// VerifyOptions defines available flags for the verify command.
type VerifyOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary describes the JSON response for verify.
type VerifySummary struct {
	OK                   bool              `json:"ok"`
	PurchaseBillsChecked int               `json:"purchase_bills_checked"`
	SalesBillsChecked    int               `json:"sales_bills_checked"`
	Violations           []VerifyViolation `json:"violations"`
}

// VerifyViolation names one failing bill.
type VerifyViolation struct {
	Kind   string `json:"kind"`
	BillID int64  `json:"bill_id"`
	Reason string `json:"reason"`
}

// VerifyCommand runs the integrity pass and prints the outcome. It exits 10
// when any bill fails.
func VerifyCommand(ctx context.Context, verifier IntegrityVerifier, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if verifier == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "verify: billing service not configured")
		return 1
	}
	report, err := verifier.VerifyIntegrity(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
		return 1
	}
	summary := buildVerifySummary(report)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func buildVerifySummary(report billing.IntegrityReport) VerifySummary {
	violations := make([]VerifyViolation, 0, len(report.Violations))
	for _, v := range report.Violations {
		violations = append(violations, VerifyViolation{Kind: billKind(v.Kind), BillID: v.BillID, Reason: v.Reason})
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Kind == violations[j].Kind {
			return violations[i].BillID < violations[j].BillID
		}
		return violations[i].Kind < violations[j].Kind
	})
	return VerifySummary{
		OK:                   len(violations) == 0,
		PurchaseBillsChecked: report.PurchaseBillsChecked,
		SalesBillsChecked:    report.SalesBillsChecked,
		Violations:           violations,
	}
}

func billKind(kind billing.PartyType) string {
	if kind == billing.PartyFarmer {
		return "purchase"
	}
	return "sales"
}

func renderVerifyHuman(out io.Writer, summary VerifySummary) {
	_, _ = fmt.Fprintf(out, "Checked %d purchase bill(s) and %d sales bill(s)\n", summary.PurchaseBillsChecked, summary.SalesBillsChecked)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All bills reconcile.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d violation(s) detected:\n", len(summary.Violations))
	for _, v := range summary.Violations {
		_, _ = fmt.Fprintf(out, " - %s bill %d: %s\n", v.Kind, v.BillID, v.Reason)
	}
}
