package billing

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fishtrade/fishtrade/internal/ledger"
)

var (
	// ErrNotFound indicates a bill, payment or party that does not exist.
	ErrNotFound = errors.New("billing: not found")
	// ErrTransient marks storage failures that may succeed on retry.
	ErrTransient = errors.New("billing: transient storage failure")
	// ErrPartyBusy is returned when another writer holds the party lock.
	ErrPartyBusy = errors.New("billing: party is being updated, try again")
)

// PartyType distinguishes farmers (purchases) from customers (sales).
type PartyType string

const (
	PartyFarmer   PartyType = "farmer"
	PartyCustomer PartyType = "customer"
)

// Valid reports whether t is a known party type.
func (t PartyType) Valid() bool {
	return t == PartyFarmer || t == PartyCustomer
}

// PartyRef identifies a farmer or customer.
type PartyRef struct {
	Type PartyType `json:"type"`
	ID   int64     `json:"id"`
}

func (p PartyRef) String() string {
	return string(p.Type) + ":" + strconv.FormatInt(p.ID, 10)
}

func (p PartyRef) validate() error {
	if !p.Type.Valid() {
		return &ledger.ValidationError{Field: "party_type", Reason: fmt.Sprintf("unknown party type %q", p.Type)}
	}
	if p.ID <= 0 {
		return &ledger.ValidationError{Field: "party_id", Reason: "must be positive"}
	}
	return nil
}

func (p PartyRef) referenceError() error {
	return &ledger.ReferenceError{Kind: string(p.Type), ID: p.ID}
}

// PurchaseEntry is a raw purchase row recorded at the landing.
type PurchaseEntry struct {
	ID           int64
	FarmerID     int64
	VarietyID    int64
	PurchaseDate time.Time
	Crates       float64
	LooseWeight  float64
	ActualWeight float64
	Rate         float64
	BillID       *int64
}

// SaleEntry is a raw sale row recorded at the counter.
type SaleEntry struct {
	ID          int64
	CustomerID  int64
	VarietyID   int64
	SaleDate    time.Time
	Crates      float64
	LooseWeight float64
	Rate        float64
	BillID      *int64
}

// PurchaseBill is a stored farmer bill.
type PurchaseBill struct {
	ledger.PurchaseBill
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SalesBill is a stored customer bill. SupersededBy points at the next bill
// in the customer's chain, which has absorbed this bill's total.
type SalesBill struct {
	ledger.SalesBill
	SupersededBy *int64    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the bill is the live end of its chain.
func (b SalesBill) Active() bool {
	return b.SupersededBy == nil
}

// Payment is money received from a customer or paid to a farmer.
// UnallocatedAmount is the advance left after allocation; for customers it
// is folded into the next sales bill, recorded in AdvanceConsumedBy.
type Payment struct {
	ID                int64     `json:"id"`
	PartyType         PartyType `json:"party_type"`
	PartyID           int64     `json:"party_id"`
	Date              time.Time `json:"date"`
	Amount            float64   `json:"amount"`
	Method            string    `json:"method"`
	ReferenceNumber   string    `json:"reference_number,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	UnallocatedAmount float64   `json:"unallocated_amount"`
	AdvanceConsumedBy *int64    `json:"advance_consumed_by,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Party returns the payment's party reference.
func (p Payment) Party() PartyRef {
	return PartyRef{Type: p.PartyType, ID: p.PartyID}
}

// PaymentAllocation is one persisted share of a payment against a bill.
type PaymentAllocation struct {
	ID        int64     `json:"id"`
	PaymentID int64     `json:"payment_id"`
	BillID    int64     `json:"bill_id"`
	Amount    float64   `json:"amount"`
	Date      time.Time `json:"date"`
}

// PaymentDetails describes money changing hands.
type PaymentDetails struct {
	Date            time.Time
	Amount          float64
	Method          string
	ReferenceNumber string
	Notes           string
}

// --- Input DTOs ---

// CreatePurchaseBillInput bills every unbilled purchase of the farmer up to
// and including BillDate.
type CreatePurchaseBillInput struct {
	FarmerID                int64
	BillDate                time.Time
	CommissionPerUnitWeight *float64
	WeightDeductionPct      *float64
	OtherDeductions         []ledger.Deduction
	InitialPayment          *PaymentDetails
}

// EditPurchaseBillInput replaces a purchase bill's items and settings. Nil
// fields keep the bill's current value; an empty slice clears it.
type EditPurchaseBillInput struct {
	Items                   []ledger.LineItem
	CommissionPerUnitWeight *float64
	WeightDeductionPct      *float64
	OtherDeductions         []ledger.Deduction
}

// CreateSalesBillInput bills the customer's unbilled sales for BillDate.
type CreateSalesBillInput struct {
	CustomerID   int64
	BillDate     time.Time
	OtherCharges []ledger.Deduction
	Discount     float64
}

// EditSalesBillInput replaces a sales bill's items, charges and discount.
// Nil fields keep the bill's current value.
type EditSalesBillInput struct {
	Items        []ledger.LineItem
	OtherCharges []ledger.Deduction
	Discount     *float64
}

// RecordPaymentInput registers a payment and allocates it.
type RecordPaymentInput struct {
	Party          PartyRef
	Details        PaymentDetails
	PriorityBillID int64
	IdempotencyKey string
}

// RecordPaymentResult is the stored payment with its allocation outcome.
type RecordPaymentResult struct {
	Payment     Payment                   `json:"payment"`
	Allocation  ledger.AllocationResult   `json:"allocation"`
	Outstanding ledger.OutstandingSummary `json:"outstanding"`
}

// ListBillsRequest filters bill listings.
type ListBillsRequest struct {
	PartyID  int64
	FromDate time.Time
	ToDate   time.Time
	OpenOnly bool
	Limit    int
	Offset   int
}

// ListPaymentsRequest filters payment listings.
type ListPaymentsRequest struct {
	Party  PartyRef
	Limit  int
	Offset int
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
