package ledger

import (
	"fmt"
	"time"
)

// SalesBillInput carries a customer's items for one day together with the
// running balance carried from the previous bill.
type SalesBillInput struct {
	CustomerID            int64
	BillDate              time.Time
	Items                 []LineItem
	CrateWeight           float64
	OtherCharges          []Deduction
	Discount              float64
	PreviousBalance       float64
	PaymentsSincePrevious []PaymentRef
}

func (in SalesBillInput) validate() error {
	if len(in.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, item := range in.Items {
		if !finite(item.RatePerUnitWeight) || item.RatePerUnitWeight <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].rate_per_unit_weight", i), Reason: "must be positive"}
		}
		q := item.Quantity
		if !finite(q.Crates) || !finite(q.LooseWeight) || q.Crates < 0 || q.LooseWeight < 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must not be negative"}
		}
		if q.Crates > 0 && (!finite(in.CrateWeight) || in.CrateWeight <= 0) {
			return &ValidationError{Field: "crate_weight", Reason: "must be positive when crates are sold"}
		}
	}
	if !finite(in.Discount) || in.Discount < 0 {
		return &ValidationError{Field: "discount", Reason: "must not be negative"}
	}
	if err := validDeductions("other_charges", in.OtherCharges); err != nil {
		return err
	}
	if !finite(in.PreviousBalance) {
		return &ValidationError{Field: "previous_balance", Reason: "must be a finite number"}
	}
	for i, p := range in.PaymentsSincePrevious {
		if !finite(p.Amount) {
			return &ValidationError{Field: fmt.Sprintf("payments_since_previous[%d].amount", i), Reason: "must be a finite number"}
		}
	}
	return nil
}

// SoldWeight is the weight a sales line is charged on. No weight deduction
// applies to sales.
func SoldWeight(q Quantity, crateWeight float64) float64 {
	return q.Crates*crateWeight + q.LooseWeight
}

// CalculateSalesBill builds a sales bill. The new bill starts with nothing
// paid; payments are tracked through the running balance instead.
func CalculateSalesBill(in SalesBillInput) (SalesBill, error) {
	if err := in.validate(); err != nil {
		return SalesBill{}, err
	}
	bill := SalesBill{
		CustomerID:            in.CustomerID,
		BillDate:              in.BillDate,
		Items:                 append([]LineItem(nil), in.Items...),
		CrateWeight:           in.CrateWeight,
		OtherCharges:          append([]Deduction{}, in.OtherCharges...),
		PreviousBalance:       in.PreviousBalance,
		PaymentsSincePrevious: append([]PaymentRef{}, in.PaymentsSincePrevious...),
		Discount:              in.Discount,
	}
	for _, item := range in.Items {
		bill.ItemsTotal += SoldWeight(item.Quantity, in.CrateWeight) * item.RatePerUnitWeight
	}
	bill.ChargesTotal = sumDeductions(bill.OtherCharges)
	bill.Subtotal = bill.ItemsTotal + bill.ChargesTotal
	for _, p := range bill.PaymentsSincePrevious {
		bill.PaymentsTotal += p.Amount
	}
	bill.Total = bill.PreviousBalance - bill.PaymentsTotal + bill.Subtotal - bill.Discount
	bill.BalanceDue = bill.Total
	bill.Status = DeriveSalesStatus(0, bill.Total)
	return bill, nil
}

// RecomputeSalesBill re-derives a sales bill from new inputs, keeping its
// identity and whatever has been paid against it.
func RecomputeSalesBill(bill SalesBill, in SalesBillInput) (SalesBill, error) {
	if in.CustomerID == 0 {
		in.CustomerID = bill.CustomerID
	}
	if in.BillDate.IsZero() {
		in.BillDate = bill.BillDate
	}
	next, err := CalculateSalesBill(in)
	if err != nil {
		return SalesBill{}, err
	}
	next.ID = bill.ID
	next.BillNumber = bill.BillNumber
	next.AmountPaid = bill.AmountPaid
	next.BalanceDue = next.Total - next.AmountPaid
	next.Status = DeriveSalesStatus(next.AmountPaid, next.Total)
	return next, nil
}

// ApplyToSalesBill adds (or, when negative, reverses) a payment allocation.
func ApplyToSalesBill(bill SalesBill, amount float64) SalesBill {
	bill.AmountPaid += amount
	bill.BalanceDue = bill.Total - bill.AmountPaid
	bill.Status = DeriveSalesStatus(bill.AmountPaid, bill.Total)
	return bill
}

// CheckSalesDuplicate fails when existing already holds a bill for the
// customer on the same calendar day.
func CheckSalesDuplicate(existing []SalesBill, customerID int64, billDate time.Time) error {
	day := billDate.Format(DateLayout)
	for _, b := range existing {
		if b.CustomerID == customerID && b.BillDate.Format(DateLayout) == day {
			return &DuplicateBillError{CustomerID: customerID, BillDate: billDate, ExistingID: b.ID}
		}
	}
	return nil
}
