package ledger

import "time"

// OutstandingSummary is the read-side view of what a party still owes or is
// owed. It is always recomputed from bills and never stored as truth.
type OutstandingSummary struct {
	PartyID          int64      `json:"party_id"`
	TotalOutstanding float64    `json:"total_outstanding"`
	UnpaidBillsCount int        `json:"unpaid_bills_count"`
	OldestBillDate   *time.Time `json:"oldest_bill_date"`
}

func (s *OutstandingSummary) add(balance float64, billDate time.Time) {
	s.TotalOutstanding += balance
	s.UnpaidBillsCount++
	if s.OldestBillDate == nil || billDate.Before(*s.OldestBillDate) {
		d := billDate
		s.OldestBillDate = &d
	}
}

// SummarizePurchaseOutstanding aggregates a farmer's pending and partial bills.
func SummarizePurchaseOutstanding(farmerID int64, bills []PurchaseBill) OutstandingSummary {
	summary := OutstandingSummary{PartyID: farmerID}
	for _, b := range bills {
		if b.FarmerID != farmerID || !b.PaymentStatus.IsOutstanding() {
			continue
		}
		summary.add(b.BalanceDue, b.BillDate)
	}
	return summary
}

// SummarizeSalesOutstanding aggregates a customer's unpaid bills.
func SummarizeSalesOutstanding(customerID int64, bills []SalesBill) OutstandingSummary {
	summary := OutstandingSummary{PartyID: customerID}
	for _, b := range bills {
		if b.CustomerID != customerID || !b.Status.IsOutstanding() {
			continue
		}
		summary.add(b.BalanceDue, b.BillDate)
	}
	return summary
}
