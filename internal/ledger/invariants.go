package ledger

import (
	"fmt"
	"math"
)

// InvariantTolerance is the float slack allowed when re-checking stored bills.
const InvariantTolerance = 1e-6

// InvariantError names a stored bill whose figures no longer add up.
type InvariantError struct {
	BillID int64
	Rule   string
	Want   float64
	Got    float64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger: bill %d violates %s: want %v, got %v", e.BillID, e.Rule, e.Want, e.Got)
}

func check(billID int64, rule string, want, got float64) error {
	if math.Abs(want-got) > InvariantTolerance {
		return &InvariantError{BillID: billID, Rule: rule, Want: want, Got: got}
	}
	return nil
}

// VerifyPurchaseBill re-checks the arithmetic relations of a stored bill.
func VerifyPurchaseBill(b PurchaseBill) error {
	if err := check(b.ID, "total = subtotal + commission - other deductions", b.Subtotal+b.CommissionAmount-b.OtherDeductionsTotal, b.Total); err != nil {
		return err
	}
	if err := check(b.ID, "other deductions total", sumDeductions(b.OtherDeductions), b.OtherDeductionsTotal); err != nil {
		return err
	}
	if err := check(b.ID, "balance = total - paid", b.Total-b.AmountPaid, b.BalanceDue); err != nil {
		return err
	}
	if want := DerivePaymentStatus(b.AmountPaid, b.Total); want != b.PaymentStatus {
		return fmt.Errorf("ledger: bill %d status %q, expected %q", b.ID, b.PaymentStatus, want)
	}
	return nil
}

// VerifySalesBill re-checks the arithmetic relations of a stored sales bill.
func VerifySalesBill(b SalesBill) error {
	var payments float64
	for _, p := range b.PaymentsSincePrevious {
		payments += p.Amount
	}
	if err := check(b.ID, "subtotal = items + charges", b.ItemsTotal+b.ChargesTotal, b.Subtotal); err != nil {
		return err
	}
	if err := check(b.ID, "charges total", sumDeductions(b.OtherCharges), b.ChargesTotal); err != nil {
		return err
	}
	if err := check(b.ID, "total = previous - payments + subtotal - discount", b.PreviousBalance-payments+b.Subtotal-b.Discount, b.Total); err != nil {
		return err
	}
	if err := check(b.ID, "balance = total - paid", b.Total-b.AmountPaid, b.BalanceDue); err != nil {
		return err
	}
	if want := DeriveSalesStatus(b.AmountPaid, b.Total); want != b.Status {
		return fmt.Errorf("ledger: sales bill %d status %q, expected %q", b.ID, b.Status, want)
	}
	return nil
}
