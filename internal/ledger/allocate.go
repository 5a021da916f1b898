package ledger

import (
	"sort"
	"time"
)

// OpenBill is a bill as seen by the allocator. Due is what remains to be
// collected on it; for a fresh bill that is its total.
type OpenBill struct {
	ID       int64
	BillDate time.Time
	Due      float64
}

// AllocationRequest describes one incoming payment. PriorityBillID, when
// non-zero, is served before every other bill regardless of date.
type AllocationRequest struct {
	Amount         float64
	Bills          []OpenBill
	PriorityBillID int64
}

// Allocation is the share of a payment assigned to one bill.
type Allocation struct {
	BillID          int64   `json:"bill_id"`
	AllocatedAmount float64 `json:"allocated_amount"`
}

// AllocationResult lists allocations in the order they were made. Excess is
// the part of the payment no open bill could absorb.
type AllocationResult struct {
	Allocations  []Allocation `json:"allocations"`
	ExcessAmount float64      `json:"excess_amount"`
}

// Allocated sums the allocated amounts.
func (r AllocationResult) Allocated() float64 {
	var total float64
	for _, a := range r.Allocations {
		total += a.AllocatedAmount
	}
	return total
}

// OrderForAllocation returns a copy of bills oldest first, ties broken by
// id, with the priority bill (if present) moved to the front.
func OrderForAllocation(bills []OpenBill, priorityBillID int64) []OpenBill {
	ordered := append([]OpenBill(nil), bills...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if priorityBillID != 0 && (a.ID == priorityBillID) != (b.ID == priorityBillID) {
			return a.ID == priorityBillID
		}
		if !a.BillDate.Equal(b.BillDate) {
			return a.BillDate.Before(b.BillDate)
		}
		return a.ID < b.ID
	})
	return ordered
}

// Allocate spreads a payment greedily across open bills, oldest first. It
// never mutates the bills; the caller persists the outcome.
func Allocate(req AllocationRequest) (AllocationResult, error) {
	if !finite(req.Amount) || req.Amount <= 0 {
		return AllocationResult{}, &InvalidAmountError{Amount: req.Amount}
	}
	result := AllocationResult{Allocations: make([]Allocation, 0, len(req.Bills))}
	remaining := req.Amount
	for _, bill := range OrderForAllocation(req.Bills, req.PriorityBillID) {
		if remaining <= 0 {
			break
		}
		allocated := min(remaining, bill.Due)
		if allocated <= amountEpsilon {
			continue
		}
		result.Allocations = append(result.Allocations, Allocation{BillID: bill.ID, AllocatedAmount: allocated})
		remaining -= allocated
	}
	result.ExcessAmount = remaining
	return result, nil
}
