package billing

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fishtrade/fishtrade/internal/ledger"
)

type memoryBillingRepo struct {
	farmers        map[int64]bool
	customers      map[int64]bool
	purchases      map[int64]PurchaseEntry
	sales          map[int64]SaleEntry
	purchaseBills  map[int64]PurchaseBill
	salesBills     map[int64]SalesBill
	payments       map[int64]Payment
	allocations    map[int64]PaymentAllocation
	allocationKind map[int64]PartyType
	nextID         int64

	lastNumberErrs []error
	failOnCommit   error
	readErr        error
	txCount        int
}

type memoryBillingTx struct {
	repo *memoryBillingRepo
}

func newMemoryBillingRepo() *memoryBillingRepo {
	return &memoryBillingRepo{
		farmers:        make(map[int64]bool),
		customers:      make(map[int64]bool),
		purchases:      make(map[int64]PurchaseEntry),
		sales:          make(map[int64]SaleEntry),
		purchaseBills:  make(map[int64]PurchaseBill),
		salesBills:     make(map[int64]SalesBill),
		payments:       make(map[int64]Payment),
		allocations:    make(map[int64]PaymentAllocation),
		allocationKind: make(map[int64]PartyType),
	}
}

func (r *memoryBillingRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryBillingRepo) addPurchase(e PurchaseEntry) int64 {
	e.ID = r.id()
	r.purchases[e.ID] = e
	return e.ID
}

func (r *memoryBillingRepo) addSale(e SaleEntry) int64 {
	e.ID = r.id()
	r.sales[e.ID] = e
	return e.ID
}

type memorySnapshot struct {
	purchases      map[int64]PurchaseEntry
	sales          map[int64]SaleEntry
	purchaseBills  map[int64]PurchaseBill
	salesBills     map[int64]SalesBill
	payments       map[int64]Payment
	allocations    map[int64]PaymentAllocation
	allocationKind map[int64]PartyType
	nextID         int64
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *memoryBillingRepo) snapshot() memorySnapshot {
	return memorySnapshot{
		purchases:      copyMap(r.purchases),
		sales:          copyMap(r.sales),
		purchaseBills:  copyMap(r.purchaseBills),
		salesBills:     copyMap(r.salesBills),
		payments:       copyMap(r.payments),
		allocations:    copyMap(r.allocations),
		allocationKind: copyMap(r.allocationKind),
		nextID:         r.nextID,
	}
}

func (r *memoryBillingRepo) restore(s memorySnapshot) {
	r.purchases = s.purchases
	r.sales = s.sales
	r.purchaseBills = s.purchaseBills
	r.salesBills = s.salesBills
	r.payments = s.payments
	r.allocations = s.allocations
	r.allocationKind = s.allocationKind
	r.nextID = s.nextID
}

func (r *memoryBillingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txCount++
	snap := r.snapshot()
	err := fn(ctx, &memoryBillingTx{repo: r})
	if err == nil && r.failOnCommit != nil {
		err = r.failOnCommit
	}
	if err != nil {
		r.restore(snap)
	}
	return err
}

func (r *memoryBillingRepo) PartyExists(ctx context.Context, party PartyRef) (bool, error) {
	switch party.Type {
	case PartyFarmer:
		return r.farmers[party.ID], nil
	case PartyCustomer:
		return r.customers[party.ID], nil
	}
	return false, nil
}

func (r *memoryBillingRepo) LastBillNumber(ctx context.Context, prefix string) (string, error) {
	if len(r.lastNumberErrs) > 0 {
		err := r.lastNumberErrs[0]
		r.lastNumberErrs = r.lastNumberErrs[1:]
		if err != nil {
			return "", err
		}
	}
	var last string
	best := int64(-1)
	consider := func(number string) {
		suffix, ok := strings.CutPrefix(number, prefix+"-")
		if !ok || suffix == "" || strings.Trim(suffix, "0123456789") != "" {
			return
		}
		seq, err := strconv.ParseInt(suffix, 10, 64)
		if err == nil && seq > best {
			last, best = number, seq
		}
	}
	for _, b := range r.purchaseBills {
		consider(b.BillNumber)
	}
	for _, b := range r.salesBills {
		consider(b.BillNumber)
	}
	return last, nil
}

func (r *memoryBillingRepo) ListPartiesWithOpenBills(ctx context.Context) ([]PartyRef, error) {
	seen := make(map[PartyRef]bool)
	var out []PartyRef
	for _, b := range r.purchaseBills {
		p := PartyRef{Type: PartyFarmer, ID: b.FarmerID}
		if b.BalanceDue > ledger.InvariantTolerance && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, b := range r.salesBills {
		p := PartyRef{Type: PartyCustomer, ID: b.CustomerID}
		if b.Active() && b.BalanceDue > ledger.InvariantTolerance && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func inRange(d time.Time, req ListBillsRequest) bool {
	if !req.FromDate.IsZero() && d.Before(req.FromDate) {
		return false
	}
	if !req.ToDate.IsZero() && d.After(req.ToDate) {
		return false
	}
	return true
}

func (r *memoryBillingRepo) GetPurchaseBill(ctx context.Context, id int64) (PurchaseBill, error) {
	if r.readErr != nil {
		return PurchaseBill{}, r.readErr
	}
	return r.purchaseBill(id)
}

func (r *memoryBillingRepo) purchaseBill(id int64) (PurchaseBill, error) {
	b, ok := r.purchaseBills[id]
	if !ok {
		return PurchaseBill{}, ErrNotFound
	}
	return b, nil
}

func (r *memoryBillingRepo) ListPurchaseBills(ctx context.Context, req ListBillsRequest) ([]PurchaseBill, error) {
	var out []PurchaseBill
	for _, b := range r.purchaseBills {
		if req.PartyID > 0 && b.FarmerID != req.PartyID {
			continue
		}
		if req.OpenOnly && b.BalanceDue <= 0 {
			continue
		}
		if inRange(b.BillDate, req) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BillDate.Equal(out[j].BillDate) {
			return out[i].BillDate.Before(out[j].BillDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryBillingRepo) GetSalesBill(ctx context.Context, id int64) (SalesBill, error) {
	if r.readErr != nil {
		return SalesBill{}, r.readErr
	}
	return r.salesBill(id)
}

func (r *memoryBillingRepo) salesBill(id int64) (SalesBill, error) {
	b, ok := r.salesBills[id]
	if !ok {
		return SalesBill{}, ErrNotFound
	}
	return b, nil
}

func (r *memoryBillingRepo) sortedSales(filter func(SalesBill) bool) []SalesBill {
	var out []SalesBill
	for _, b := range r.salesBills {
		if filter(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BillDate.Equal(out[j].BillDate) {
			return out[i].BillDate.Before(out[j].BillDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memoryBillingRepo) ListSalesBills(ctx context.Context, req ListBillsRequest) ([]SalesBill, error) {
	return r.sortedSales(func(b SalesBill) bool {
		if req.PartyID > 0 && b.CustomerID != req.PartyID {
			return false
		}
		if req.OpenOnly && (!b.Active() || b.BalanceDue <= 0) {
			return false
		}
		return inRange(b.BillDate, req)
	}), nil
}

func (r *memoryBillingRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryBillingRepo) ListPayments(ctx context.Context, req ListPaymentsRequest) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		if p.PartyType == req.Party.Type && p.PartyID == req.Party.ID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// --- transaction ---

func (t *memoryBillingTx) PartyExists(ctx context.Context, party PartyRef) (bool, error) {
	return t.repo.PartyExists(ctx, party)
}

func (t *memoryBillingTx) ListUnbilledPurchases(ctx context.Context, farmerID int64, upTo time.Time) ([]PurchaseEntry, error) {
	var out []PurchaseEntry
	for _, e := range t.repo.purchases {
		if e.FarmerID == farmerID && e.BillID == nil && !e.PurchaseDate.After(upTo) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryBillingTx) MarkPurchasesBilled(ctx context.Context, billID int64, entryIDs []int64) error {
	for _, id := range entryIDs {
		e := t.repo.purchases[id]
		bid := billID
		e.BillID = &bid
		t.repo.purchases[id] = e
	}
	return nil
}

func (t *memoryBillingTx) CreatePurchaseBill(ctx context.Context, bill ledger.PurchaseBill) (int64, error) {
	bill.ID = t.repo.id()
	t.repo.purchaseBills[bill.ID] = PurchaseBill{PurchaseBill: bill}
	return bill.ID, nil
}

func (t *memoryBillingTx) GetPurchaseBillForUpdate(ctx context.Context, id int64) (PurchaseBill, error) {
	return t.repo.purchaseBill(id)
}

func (t *memoryBillingTx) UpdatePurchaseBill(ctx context.Context, bill ledger.PurchaseBill) error {
	stored, ok := t.repo.purchaseBills[bill.ID]
	if !ok {
		return ErrNotFound
	}
	stored.PurchaseBill = bill
	t.repo.purchaseBills[bill.ID] = stored
	return nil
}

func (t *memoryBillingTx) ListOpenPurchaseBills(ctx context.Context, farmerID int64) ([]PurchaseBill, error) {
	all, _ := t.repo.ListPurchaseBills(ctx, ListBillsRequest{PartyID: farmerID})
	var out []PurchaseBill
	for _, b := range all {
		if b.PaymentStatus != ledger.PaymentPaid {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memoryBillingTx) ListUnbilledSales(ctx context.Context, customerID int64, day time.Time) ([]SaleEntry, error) {
	var out []SaleEntry
	for _, e := range t.repo.sales {
		if e.CustomerID == customerID && e.BillID == nil && e.SaleDate.Equal(day) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryBillingTx) MarkSalesBilled(ctx context.Context, billID int64, entryIDs []int64) error {
	for _, id := range entryIDs {
		e := t.repo.sales[id]
		bid := billID
		e.BillID = &bid
		t.repo.sales[id] = e
	}
	return nil
}

func (t *memoryBillingTx) ListCustomerSalesBills(ctx context.Context, customerID int64) ([]SalesBill, error) {
	return t.repo.sortedSales(func(b SalesBill) bool { return b.CustomerID == customerID }), nil
}

func (t *memoryBillingTx) GetSalesBillForUpdate(ctx context.Context, id int64) (SalesBill, error) {
	return t.repo.salesBill(id)
}

func (t *memoryBillingTx) CreateSalesBill(ctx context.Context, bill ledger.SalesBill) (int64, error) {
	for _, b := range t.repo.salesBills {
		if b.CustomerID == bill.CustomerID && b.BillDate.Equal(bill.BillDate) {
			return 0, &ledger.DuplicateBillError{CustomerID: bill.CustomerID, BillDate: bill.BillDate, ExistingID: b.ID}
		}
	}
	bill.ID = t.repo.id()
	t.repo.salesBills[bill.ID] = SalesBill{SalesBill: bill}
	return bill.ID, nil
}

func (t *memoryBillingTx) UpdateSalesBill(ctx context.Context, bill SalesBill) error {
	if _, ok := t.repo.salesBills[bill.ID]; !ok {
		return ErrNotFound
	}
	t.repo.salesBills[bill.ID] = bill
	return nil
}

func (t *memoryBillingTx) CreatePayment(ctx context.Context, payment Payment) (int64, error) {
	payment.ID = t.repo.id()
	t.repo.payments[payment.ID] = payment
	return payment.ID, nil
}

func (t *memoryBillingTx) GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error) {
	return t.repo.GetPayment(ctx, id)
}

func (t *memoryBillingTx) DeletePayment(ctx context.Context, id int64) error {
	if _, ok := t.repo.payments[id]; !ok {
		return ErrNotFound
	}
	_ = t.DeleteAllocationsByPayment(ctx, id)
	delete(t.repo.payments, id)
	return nil
}

func (t *memoryBillingTx) CreateAllocations(ctx context.Context, paymentID int64, kind PartyType, allocs []ledger.Allocation) error {
	date := t.repo.payments[paymentID].Date
	for _, a := range allocs {
		id := t.repo.id()
		t.repo.allocations[id] = PaymentAllocation{ID: id, PaymentID: paymentID, BillID: a.BillID, Amount: a.AllocatedAmount, Date: date}
		t.repo.allocationKind[id] = kind
	}
	return nil
}

func (t *memoryBillingTx) sortedAllocations(filter func(PaymentAllocation) bool) []PaymentAllocation {
	var out []PaymentAllocation
	for _, a := range t.repo.allocations {
		if filter(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memoryBillingTx) ListAllocationsByPayment(ctx context.Context, paymentID int64) ([]PaymentAllocation, error) {
	return t.sortedAllocations(func(a PaymentAllocation) bool { return a.PaymentID == paymentID }), nil
}

func (t *memoryBillingTx) DeleteAllocationsByPayment(ctx context.Context, paymentID int64) error {
	for id, a := range t.repo.allocations {
		if a.PaymentID == paymentID {
			delete(t.repo.allocations, id)
			delete(t.repo.allocationKind, id)
		}
	}
	return nil
}

func (t *memoryBillingTx) ListAllocationsByBill(ctx context.Context, kind PartyType, billID int64) ([]PaymentAllocation, error) {
	return t.sortedAllocations(func(a PaymentAllocation) bool {
		return a.BillID == billID && t.repo.allocationKind[a.ID] == kind
	}), nil
}

func (t *memoryBillingTx) sortedPayments(filter func(Payment) bool) []Payment {
	var out []Payment
	for _, p := range t.repo.payments {
		if filter(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memoryBillingTx) ListUnconsumedAdvances(ctx context.Context, customerID int64) ([]Payment, error) {
	return t.sortedPayments(func(p Payment) bool {
		return p.PartyType == PartyCustomer && p.PartyID == customerID && p.UnallocatedAmount > 0 && p.AdvanceConsumedBy == nil
	}), nil
}

func (t *memoryBillingTx) ConsumeAdvances(ctx context.Context, paymentIDs []int64, billID int64) error {
	for _, id := range paymentIDs {
		p := t.repo.payments[id]
		bid := billID
		p.AdvanceConsumedBy = &bid
		t.repo.payments[id] = p
	}
	return nil
}

func (t *memoryBillingTx) ListAdvancesConsumedBy(ctx context.Context, billID int64) ([]Payment, error) {
	return t.sortedPayments(func(p Payment) bool {
		return p.AdvanceConsumedBy != nil && *p.AdvanceConsumedBy == billID
	}), nil
}
