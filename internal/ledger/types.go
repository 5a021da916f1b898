package ledger

import "time"

// Quantity is the counted size of a line: whole crates plus loose weight.
type Quantity struct {
	Crates      float64 `json:"crates"`
	LooseWeight float64 `json:"loose_weight"`
}

// LineItem is one purchased or sold variety. Immutable once billed.
type LineItem struct {
	VarietyID         int64    `json:"variety_id"`
	Quantity          Quantity `json:"quantity"`
	ActualWeight      float64  `json:"actual_weight"`
	RatePerUnitWeight float64  `json:"rate_per_unit_weight"`
}

// Deduction is a named amount subtracted from a purchase bill or, as an
// other charge, added to a sales bill. Negative amounts reverse the sign.
type Deduction struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// PaymentRef is a payment counted against a customer's running balance.
type PaymentRef struct {
	PaymentID int64     `json:"payment_id"`
	Date      time.Time `json:"date"`
	Amount    float64   `json:"amount"`
}

// PurchaseBill is a farmer's bill.
type PurchaseBill struct {
	ID                      int64         `json:"id"`
	BillNumber              string        `json:"bill_number"`
	FarmerID                int64         `json:"farmer_id"`
	BillDate                time.Time     `json:"bill_date"`
	Items                   []LineItem    `json:"items"`
	GrossAmount             float64       `json:"gross_amount"`
	WeightDeductionPct      float64       `json:"weight_deduction_pct"`
	WeightDeductionAmount   float64       `json:"weight_deduction_amount"`
	Subtotal                float64       `json:"subtotal"`
	TotalBillableWeight     float64       `json:"total_billable_weight"`
	CommissionPerUnitWeight float64       `json:"commission_per_unit_weight"`
	CommissionAmount        float64       `json:"commission_amount"`
	OtherDeductions         []Deduction   `json:"other_deductions"`
	OtherDeductionsTotal    float64       `json:"other_deductions_total"`
	Total                   float64       `json:"total"`
	AmountPaid              float64       `json:"amount_paid"`
	BalanceDue              float64       `json:"balance_due"`
	PaymentStatus           PaymentStatus `json:"payment_status"`
}

// SalesBill is a customer's bill. Its total carries the previous balance
// forward, so only the latest bill in a customer's chain is active.
type SalesBill struct {
	ID                    int64        `json:"id"`
	BillNumber            string       `json:"bill_number"`
	CustomerID            int64        `json:"customer_id"`
	BillDate              time.Time    `json:"bill_date"`
	Items                 []LineItem   `json:"items"`
	CrateWeight           float64      `json:"crate_weight"`
	OtherCharges          []Deduction  `json:"other_charges"`
	PreviousBalance       float64      `json:"previous_balance"`
	PaymentsSincePrevious []PaymentRef `json:"payments_since_previous"`
	PaymentsTotal         float64      `json:"payments_total"`
	ItemsTotal            float64      `json:"items_total"`
	ChargesTotal          float64      `json:"charges_total"`
	Subtotal              float64      `json:"subtotal"`
	Discount              float64      `json:"discount"`
	Total                 float64      `json:"total"`
	AmountPaid            float64      `json:"amount_paid"`
	BalanceDue            float64      `json:"balance_due"`
	Status                SalesStatus  `json:"status"`
}
