package ledger

import (
	"fmt"
	"time"
)

const (
	// DefaultCommissionPerUnitWeight applies when the input leaves it unset.
	DefaultCommissionPerUnitWeight = 0.5
	// DefaultWeightDeductionPct applies when the input leaves it unset.
	DefaultWeightDeductionPct = 5.0
)

// InitialPayment is money handed over at the moment a purchase bill is made.
type InitialPayment struct {
	Amount          float64
	Method          string
	ReferenceNumber string
}

// PurchaseBillInput carries a farmer's unbilled items and bill settings.
// Nil pointers take the package defaults.
type PurchaseBillInput struct {
	FarmerID                int64
	BillDate                time.Time
	Items                   []LineItem
	CommissionPerUnitWeight *float64
	WeightDeductionPct      *float64
	OtherDeductions         []Deduction
	InitialPayment          *InitialPayment
}

func (in PurchaseBillInput) commission() float64 {
	if in.CommissionPerUnitWeight == nil {
		return DefaultCommissionPerUnitWeight
	}
	return *in.CommissionPerUnitWeight
}

func (in PurchaseBillInput) deductionPct() float64 {
	if in.WeightDeductionPct == nil {
		return DefaultWeightDeductionPct
	}
	return *in.WeightDeductionPct
}

func (in PurchaseBillInput) validate() error {
	if len(in.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, item := range in.Items {
		if !finite(item.RatePerUnitWeight) || item.RatePerUnitWeight <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].rate_per_unit_weight", i), Reason: "must be positive"}
		}
		if !finite(item.ActualWeight) || item.ActualWeight < 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].actual_weight", i), Reason: "must not be negative"}
		}
	}
	if pct := in.deductionPct(); !finite(pct) || pct < 0 || pct > 100 {
		return &ValidationError{Field: "weight_deduction_pct", Reason: "must be between 0 and 100"}
	}
	if c := in.commission(); !finite(c) || c < 0 {
		return &ValidationError{Field: "commission_per_unit_weight", Reason: "must not be negative"}
	}
	if err := validDeductions("other_deductions", in.OtherDeductions); err != nil {
		return err
	}
	if in.InitialPayment != nil && (!finite(in.InitialPayment.Amount) || in.InitialPayment.Amount <= 0) {
		return &InvalidAmountError{Amount: in.InitialPayment.Amount}
	}
	return nil
}

// CalculatePurchaseBill builds a purchase bill. Commission is charged on
// billable weight and added to the total.
func CalculatePurchaseBill(in PurchaseBillInput) (PurchaseBill, error) {
	if err := in.validate(); err != nil {
		return PurchaseBill{}, err
	}
	pct := in.deductionPct()
	commission := in.commission()

	bill := PurchaseBill{
		FarmerID:                in.FarmerID,
		BillDate:                in.BillDate,
		Items:                   append([]LineItem(nil), in.Items...),
		WeightDeductionPct:      pct,
		CommissionPerUnitWeight: commission,
		OtherDeductions:         append([]Deduction{}, in.OtherDeductions...),
	}
	for _, item := range in.Items {
		billable := BillableWeight(item.ActualWeight, pct)
		bill.GrossAmount += item.ActualWeight * item.RatePerUnitWeight
		bill.Subtotal += billable * item.RatePerUnitWeight
		bill.TotalBillableWeight += billable
	}
	bill.WeightDeductionAmount = PercentageOf(bill.GrossAmount, pct)
	bill.CommissionAmount = bill.TotalBillableWeight * commission
	bill.OtherDeductionsTotal = sumDeductions(bill.OtherDeductions)
	bill.Total = bill.Subtotal + bill.CommissionAmount - bill.OtherDeductionsTotal

	if in.InitialPayment != nil {
		bill.AmountPaid = in.InitialPayment.Amount
	}
	bill.BalanceDue = bill.Total - bill.AmountPaid
	bill.PaymentStatus = DerivePaymentStatus(bill.AmountPaid, bill.Total)
	return bill, nil
}

// RecomputePurchaseBill re-derives a bill from edited inputs. Identity and
// money already applied to the bill are kept; InitialPayment is ignored.
func RecomputePurchaseBill(bill PurchaseBill, in PurchaseBillInput) (PurchaseBill, error) {
	in.InitialPayment = nil
	if in.FarmerID == 0 {
		in.FarmerID = bill.FarmerID
	}
	if in.BillDate.IsZero() {
		in.BillDate = bill.BillDate
	}
	next, err := CalculatePurchaseBill(in)
	if err != nil {
		return PurchaseBill{}, err
	}
	next.ID = bill.ID
	next.BillNumber = bill.BillNumber
	next.AmountPaid = bill.AmountPaid
	next.BalanceDue = next.Total - next.AmountPaid
	next.PaymentStatus = DerivePaymentStatus(next.AmountPaid, next.Total)
	return next, nil
}

// ApplyToPurchaseBill adds amount to what has been paid on the bill and
// re-derives its balance and status. A negative amount reverses an earlier
// allocation.
func ApplyToPurchaseBill(bill PurchaseBill, amount float64) PurchaseBill {
	bill.AmountPaid += amount
	bill.BalanceDue = bill.Total - bill.AmountPaid
	bill.PaymentStatus = DerivePaymentStatus(bill.AmountPaid, bill.Total)
	return bill
}
