package perf

import (
	"sort"
	"testing"
	"time"

	"github.com/fishtrade/fishtrade/internal/ledger"
)

var billDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func purchaseItems(n int) []ledger.LineItem {
	items := make([]ledger.LineItem, n)
	for i := range items {
		items[i] = ledger.LineItem{
			VarietyID:         int64(i%12 + 1),
			Quantity:          ledger.Quantity{Crates: float64(i%7 + 1), LooseWeight: float64(i % 3)},
			ActualWeight:      float64(100 + i%50),
			RatePerUnitWeight: float64(120 + i%90),
		}
	}
	return items
}

func openBills(n int) []ledger.OpenBill {
	bills := make([]ledger.OpenBill, n)
	for i := range bills {
		bills[i] = ledger.OpenBill{
			ID:       int64(n - i),
			BillDate: billDay.AddDate(0, 0, -(i % 90)),
			Due:      float64(500 + i%400),
		}
	}
	return bills
}

func TestLedgerLatencyTargets(t *testing.T) {
	items := purchaseItems(200)
	bills := openBills(1000)

	scenarios := []struct {
		name      string
		run       func() error
		threshold time.Duration
	}{
		{
			name: "purchase bill 200 items",
			run: func() error {
				_, err := ledger.CalculatePurchaseBill(ledger.PurchaseBillInput{FarmerID: 1, BillDate: billDay, Items: items})
				return err
			},
			threshold: 20 * time.Millisecond,
		},
		{
			name: "allocate across 1000 bills",
			run: func() error {
				_, err := ledger.Allocate(ledger.AllocationRequest{Amount: 250000, Bills: bills, PriorityBillID: 17})
				return err
			},
			threshold: 50 * time.Millisecond,
		},
	}

	for _, scenario := range scenarios {
		samples := make([]time.Duration, 0, 20)
		for i := 0; i < 20; i++ {
			start := time.Now()
			if err := scenario.run(); err != nil {
				t.Fatalf("%s: %v", scenario.name, err)
			}
			samples = append(samples, time.Since(start))
		}
		p95 := percentile95(samples)
		if p95 > scenario.threshold {
			t.Fatalf("%s latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}
}

func BenchmarkCalculatePurchaseBill(b *testing.B) {
	in := ledger.PurchaseBillInput{FarmerID: 1, BillDate: billDay, Items: purchaseItems(200)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ledger.CalculatePurchaseBill(in); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAllocate(b *testing.B) {
	req := ledger.AllocationRequest{Amount: 250000, Bills: openBills(1000)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ledger.Allocate(req); err != nil {
			b.Fatal(err)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
