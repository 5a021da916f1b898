package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateSalesBillTotals(t *testing.T) {
	bill, err := CalculateSalesBill(SalesBillInput{
		CustomerID:  4,
		BillDate:    day("2024-03-05"),
		CrateWeight: 20,
		Items: []LineItem{
			{VarietyID: 1, Quantity: Quantity{Crates: 3, LooseWeight: 4.5}, RatePerUnitWeight: 120},
			{VarietyID: 2, Quantity: Quantity{LooseWeight: 12.25}, RatePerUnitWeight: 80},
		},
		OtherCharges: []Deduction{
			{Label: "packing", Amount: 50},
			{Label: "return", Amount: -120},
		},
		Discount:        30,
		PreviousBalance: 2500,
		PaymentsSincePrevious: []PaymentRef{
			{PaymentID: 1, Amount: 1000},
			{PaymentID: 2, Amount: 250.75},
		},
	})
	require.NoError(t, err)

	assert.InDelta(t, 64.5*120+12.25*80, bill.ItemsTotal, tolerance)
	assert.InDelta(t, -70, bill.ChargesTotal, tolerance)
	assert.InDelta(t, bill.ItemsTotal+bill.ChargesTotal, bill.Subtotal, tolerance)
	assert.InDelta(t, 1250.75, bill.PaymentsTotal, tolerance)
	assert.InDelta(t, bill.PreviousBalance-bill.PaymentsTotal+bill.Subtotal-bill.Discount, bill.Total, tolerance)
	assert.InDelta(t, bill.Total, bill.BalanceDue, tolerance)
	assert.Zero(t, bill.AmountPaid)
	assert.Equal(t, SalesUnpaid, bill.Status)
}

func TestCalculateSalesBillIgnoresActualWeight(t *testing.T) {
	bill, err := CalculateSalesBill(SalesBillInput{
		CrateWeight: 25,
		Items:       []LineItem{{Quantity: Quantity{Crates: 2}, ActualWeight: 999, RatePerUnitWeight: 10}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 500, bill.ItemsTotal, tolerance)
}

func TestCalculateSalesBillCreditBalanceIsPaid(t *testing.T) {
	bill, err := CalculateSalesBill(SalesBillInput{
		Items:                 []LineItem{{Quantity: Quantity{LooseWeight: 10}, RatePerUnitWeight: 10}},
		PreviousBalance:       200,
		PaymentsSincePrevious: []PaymentRef{{Amount: 400}},
	})
	require.NoError(t, err)
	assert.InDelta(t, -100, bill.Total, tolerance)
	assert.Equal(t, SalesPaid, bill.Status)
}

func TestCalculateSalesBillValidation(t *testing.T) {
	cases := map[string]SalesBillInput{
		"empty items":       {},
		"zero rate":         {Items: []LineItem{{Quantity: Quantity{LooseWeight: 1}}}},
		"negative quantity": {Items: []LineItem{{Quantity: Quantity{LooseWeight: -1}, RatePerUnitWeight: 1}}},
		"crates no weight":  {Items: []LineItem{{Quantity: Quantity{Crates: 1}, RatePerUnitWeight: 1}}},
		"negative discount": {Items: []LineItem{{Quantity: Quantity{LooseWeight: 1}, RatePerUnitWeight: 1}}, Discount: -5},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CalculateSalesBill(in)
			assert.True(t, errors.Is(err, ErrValidation), "expected validation error, got %v", err)
		})
	}
}

func TestRecomputeSalesBill(t *testing.T) {
	bill, err := CalculateSalesBill(SalesBillInput{
		CustomerID: 9,
		BillDate:   day("2024-04-01"),
		Items:      []LineItem{{Quantity: Quantity{LooseWeight: 10}, RatePerUnitWeight: 100}},
	})
	require.NoError(t, err)
	bill.ID = 5
	bill.BillNumber = "SB-0005"
	bill = ApplyToSalesBill(bill, 400)

	next, err := RecomputeSalesBill(bill, SalesBillInput{
		Items:           []LineItem{{Quantity: Quantity{LooseWeight: 10}, RatePerUnitWeight: 100}},
		PreviousBalance: 300,
		Discount:        100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.ID)
	assert.Equal(t, "SB-0005", next.BillNumber)
	assert.Equal(t, int64(9), next.CustomerID)
	assert.InDelta(t, 1200, next.Total, tolerance)
	assert.InDelta(t, 800, next.BalanceDue, tolerance)
	assert.Equal(t, SalesUnpaid, next.Status)

	settled := ApplyToSalesBill(next, 800)
	assert.Equal(t, SalesPaid, settled.Status)
}

func TestCheckSalesDuplicate(t *testing.T) {
	existing := []SalesBill{
		{ID: 1, CustomerID: 2, BillDate: day("2024-05-01")},
		{ID: 2, CustomerID: 3, BillDate: day("2024-05-02")},
	}
	require.NoError(t, CheckSalesDuplicate(existing, 2, day("2024-05-02")))
	require.NoError(t, CheckSalesDuplicate(existing, 4, day("2024-05-01")))

	err := CheckSalesDuplicate(existing, 2, day("2024-05-01").Add(9*time.Hour))
	var dup *DuplicateBillError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, int64(1), dup.ExistingID)
	assert.ErrorIs(t, err, ErrDuplicateBill)
}

func TestCalculateSalesBillRejectsNonFiniteInputs(t *testing.T) {
	loose := []LineItem{{Quantity: Quantity{LooseWeight: 1}, RatePerUnitWeight: 1}}
	cases := map[string]SalesBillInput{
		"nan rate":         {Items: []LineItem{{Quantity: Quantity{LooseWeight: 1}, RatePerUnitWeight: math.NaN()}}},
		"nan crates":       {Items: []LineItem{{Quantity: Quantity{Crates: math.NaN()}, RatePerUnitWeight: 1}}, CrateWeight: 20},
		"inf loose weight": {Items: []LineItem{{Quantity: Quantity{LooseWeight: math.Inf(1)}, RatePerUnitWeight: 1}}},
		"nan crate weight": {Items: []LineItem{{Quantity: Quantity{Crates: 1}, RatePerUnitWeight: 1}}, CrateWeight: math.NaN()},
		"nan discount":     {Items: loose, Discount: math.NaN()},
		"nan charge":       {Items: loose, OtherCharges: []Deduction{{Label: "ice", Amount: math.NaN()}}},
		"nan previous":     {Items: loose, PreviousBalance: math.NaN()},
		"nan payment ref":  {Items: loose, PaymentsSincePrevious: []PaymentRef{{PaymentID: 1, Amount: math.NaN()}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CalculateSalesBill(in)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}
