package ledger

// PaymentStatus is the settlement state of a purchase bill.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// SalesStatus is the settlement state of a sales bill.
type SalesStatus string

const (
	SalesUnpaid SalesStatus = "unpaid"
	SalesPaid   SalesStatus = "paid"
)

// DerivePaymentStatus maps (amountPaid, total) to a purchase bill status.
func DerivePaymentStatus(amountPaid, total float64) PaymentStatus {
	switch {
	case amountPaid >= total-amountEpsilon:
		return PaymentPaid
	case amountPaid > amountEpsilon:
		return PaymentPartial
	default:
		return PaymentPending
	}
}

// DeriveSalesStatus marks a sales bill paid only once nothing is left to
// collect, which includes a credit balance.
func DeriveSalesStatus(amountPaid, total float64) SalesStatus {
	if total-amountPaid <= amountEpsilon {
		return SalesPaid
	}
	return SalesUnpaid
}

// IsOutstanding reports whether a purchase bill still has money due.
func (s PaymentStatus) IsOutstanding() bool {
	return s == PaymentPending || s == PaymentPartial
}

// IsOutstanding reports whether a sales bill still has money due.
func (s SalesStatus) IsOutstanding() bool {
	return s == SalesUnpaid
}
