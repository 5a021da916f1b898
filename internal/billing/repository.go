package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fishtrade/fishtrade/internal/ledger"
	"github.com/fishtrade/fishtrade/internal/platform/db"
)

// Repository defines billing data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetPurchaseBill(ctx context.Context, id int64) (PurchaseBill, error)
	ListPurchaseBills(ctx context.Context, req ListBillsRequest) ([]PurchaseBill, error)
	GetSalesBill(ctx context.Context, id int64) (SalesBill, error)
	ListSalesBills(ctx context.Context, req ListBillsRequest) ([]SalesBill, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	ListPayments(ctx context.Context, req ListPaymentsRequest) ([]Payment, error)
	PartyExists(ctx context.Context, party PartyRef) (bool, error)
	LastBillNumber(ctx context.Context, prefix string) (string, error)
	ListPartiesWithOpenBills(ctx context.Context) ([]PartyRef, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	PartyExists(ctx context.Context, party PartyRef) (bool, error)

	ListUnbilledPurchases(ctx context.Context, farmerID int64, upTo time.Time) ([]PurchaseEntry, error)
	MarkPurchasesBilled(ctx context.Context, billID int64, entryIDs []int64) error
	CreatePurchaseBill(ctx context.Context, bill ledger.PurchaseBill) (int64, error)
	GetPurchaseBillForUpdate(ctx context.Context, id int64) (PurchaseBill, error)
	UpdatePurchaseBill(ctx context.Context, bill ledger.PurchaseBill) error
	ListOpenPurchaseBills(ctx context.Context, farmerID int64) ([]PurchaseBill, error)

	ListUnbilledSales(ctx context.Context, customerID int64, day time.Time) ([]SaleEntry, error)
	MarkSalesBilled(ctx context.Context, billID int64, entryIDs []int64) error
	ListCustomerSalesBills(ctx context.Context, customerID int64) ([]SalesBill, error)
	GetSalesBillForUpdate(ctx context.Context, id int64) (SalesBill, error)
	CreateSalesBill(ctx context.Context, bill ledger.SalesBill) (int64, error)
	UpdateSalesBill(ctx context.Context, bill SalesBill) error

	CreatePayment(ctx context.Context, payment Payment) (int64, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error)
	DeletePayment(ctx context.Context, id int64) error
	CreateAllocations(ctx context.Context, paymentID int64, kind PartyType, allocs []ledger.Allocation) error
	ListAllocationsByPayment(ctx context.Context, paymentID int64) ([]PaymentAllocation, error)
	DeleteAllocationsByPayment(ctx context.Context, paymentID int64) error
	ListAllocationsByBill(ctx context.Context, kind PartyType, billID int64) ([]PaymentAllocation, error)

	ListUnconsumedAdvances(ctx context.Context, customerID int64) ([]Payment, error)
	ConsumeAdvances(ctx context.Context, paymentIDs []int64, billID int64) error
	ListAdvancesConsumedBy(ctx context.Context, billID int64) ([]Payment, error)
}

// Postgres error codes the repository reacts to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	salesDayConstraint = "sales_bills_customer_day_key"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgRepository)(nil)

type pgRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{db: pool, pool: pool}
}

// WithTx runs fn in a serializable transaction so concurrent allocations
// against the same bills cannot interleave.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgRepository{db: tx, pool: r.pool})
	})
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrTransient, pgErr.Message)
		}
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func partyTable(kind PartyType) (string, error) {
	switch kind {
	case PartyFarmer:
		return "farmers", nil
	case PartyCustomer:
		return "customers", nil
	}
	return "", fmt.Errorf("billing: unknown party type %q", kind)
}

func (r *pgRepository) PartyExists(ctx context.Context, party PartyRef) (bool, error) {
	table, err := partyTable(party.Type)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.db.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table), party.ID).Scan(&ok)
	return ok, err
}

func (r *pgRepository) LastBillNumber(ctx context.Context, prefix string) (string, error) {
	table := "purchase_bills"
	if prefix == ledger.SalesBillPrefix {
		table = "sales_bills"
	}
	// Highest numeric suffix wins, whatever order the rows were inserted in.
	var number string
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT bill_number FROM %s
		WHERE bill_number ~ ('^' || $1::text || '-[0-9]{1,18}$')
		ORDER BY substring(bill_number FROM char_length($1::text) + 2)::bigint DESC
		LIMIT 1`, table),
		prefix,
	).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapError(err)
	}
	return number, nil
}

func (r *pgRepository) ListPartiesWithOpenBills(ctx context.Context) ([]PartyRef, error) {
	rows, err := r.db.Query(ctx, `
		SELECT 'farmer'::text, farmer_id FROM purchase_bills WHERE balance_due > $1 GROUP BY farmer_id
		UNION ALL
		SELECT 'customer'::text, customer_id FROM sales_bills
		WHERE superseded_by IS NULL AND balance_due > $1 GROUP BY customer_id
		ORDER BY 1, 2`, ledger.InvariantTolerance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parties []PartyRef
	for rows.Next() {
		var kind string
		var id int64
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		parties = append(parties, PartyRef{Type: PartyType(kind), ID: id})
	}
	return parties, rows.Err()
}

// --- Purchase bills ---

const purchaseBillColumns = `id, bill_number, farmer_id, bill_date, items, gross_amount,
	weight_deduction_pct, weight_deduction_amount, subtotal, total_billable_weight,
	commission_per_unit_weight, commission_amount, other_deductions, other_deductions_total,
	total, amount_paid, balance_due, payment_status, created_at, updated_at`

func scanPurchaseBill(row pgx.Row) (PurchaseBill, error) {
	var b PurchaseBill
	var items, deductions []byte
	var status string
	err := row.Scan(
		&b.ID, &b.BillNumber, &b.FarmerID, &b.BillDate, &items, &b.GrossAmount,
		&b.WeightDeductionPct, &b.WeightDeductionAmount, &b.Subtotal, &b.TotalBillableWeight,
		&b.CommissionPerUnitWeight, &b.CommissionAmount, &deductions, &b.OtherDeductionsTotal,
		&b.Total, &b.AmountPaid, &b.BalanceDue, &status, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return PurchaseBill{}, err
	}
	b.PaymentStatus = ledger.PaymentStatus(status)
	if err := json.Unmarshal(items, &b.Items); err != nil {
		return PurchaseBill{}, fmt.Errorf("billing: decode purchase bill %d items: %w", b.ID, err)
	}
	if err := json.Unmarshal(deductions, &b.OtherDeductions); err != nil {
		return PurchaseBill{}, fmt.Errorf("billing: decode purchase bill %d deductions: %w", b.ID, err)
	}
	return b, nil
}

func collectPurchaseBills(rows pgx.Rows) ([]PurchaseBill, error) {
	defer rows.Close()
	var bills []PurchaseBill
	for rows.Next() {
		b, err := scanPurchaseBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (r *pgRepository) GetPurchaseBill(ctx context.Context, id int64) (PurchaseBill, error) {
	b, err := scanPurchaseBill(r.db.QueryRow(ctx, "SELECT "+purchaseBillColumns+" FROM purchase_bills WHERE id = $1", id))
	return b, notFound(err)
}

func (r *pgRepository) GetPurchaseBillForUpdate(ctx context.Context, id int64) (PurchaseBill, error) {
	b, err := scanPurchaseBill(r.db.QueryRow(ctx, "SELECT "+purchaseBillColumns+" FROM purchase_bills WHERE id = $1 FOR UPDATE", id))
	return b, notFound(err)
}

func (r *pgRepository) ListPurchaseBills(ctx context.Context, req ListBillsRequest) ([]PurchaseBill, error) {
	where, args := billFilter("farmer_id", req, "balance_due > 0")
	query := "SELECT " + purchaseBillColumns + " FROM purchase_bills" + where + " ORDER BY bill_date, id" + pageClause(req.Limit, req.Offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPurchaseBills(rows)
}

func (r *pgRepository) ListOpenPurchaseBills(ctx context.Context, farmerID int64) ([]PurchaseBill, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+purchaseBillColumns+" FROM purchase_bills WHERE farmer_id = $1 AND payment_status <> $2 ORDER BY bill_date, id FOR UPDATE",
		farmerID, string(ledger.PaymentPaid))
	if err != nil {
		return nil, err
	}
	return collectPurchaseBills(rows)
}

func (r *pgRepository) CreatePurchaseBill(ctx context.Context, bill ledger.PurchaseBill) (int64, error) {
	items, deductions, err := encodePair(bill.Items, bill.OtherDeductions)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO purchase_bills (bill_number, farmer_id, bill_date, items, gross_amount,
			weight_deduction_pct, weight_deduction_amount, subtotal, total_billable_weight,
			commission_per_unit_weight, commission_amount, other_deductions, other_deductions_total,
			total, amount_paid, balance_due, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		bill.BillNumber, bill.FarmerID, bill.BillDate, items, bill.GrossAmount,
		bill.WeightDeductionPct, bill.WeightDeductionAmount, bill.Subtotal, bill.TotalBillableWeight,
		bill.CommissionPerUnitWeight, bill.CommissionAmount, deductions, bill.OtherDeductionsTotal,
		bill.Total, bill.AmountPaid, bill.BalanceDue, string(bill.PaymentStatus),
	).Scan(&id)
	return id, mapUniqueNumber(err)
}

func (r *pgRepository) UpdatePurchaseBill(ctx context.Context, bill ledger.PurchaseBill) error {
	items, deductions, err := encodePair(bill.Items, bill.OtherDeductions)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE purchase_bills SET items = $2, gross_amount = $3, weight_deduction_pct = $4,
			weight_deduction_amount = $5, subtotal = $6, total_billable_weight = $7,
			commission_per_unit_weight = $8, commission_amount = $9, other_deductions = $10,
			other_deductions_total = $11, total = $12, amount_paid = $13, balance_due = $14,
			payment_status = $15, updated_at = NOW()
		WHERE id = $1`,
		bill.ID, items, bill.GrossAmount, bill.WeightDeductionPct,
		bill.WeightDeductionAmount, bill.Subtotal, bill.TotalBillableWeight,
		bill.CommissionPerUnitWeight, bill.CommissionAmount, deductions,
		bill.OtherDeductionsTotal, bill.Total, bill.AmountPaid, bill.BalanceDue,
		string(bill.PaymentStatus),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) ListUnbilledPurchases(ctx context.Context, farmerID int64, upTo time.Time) ([]PurchaseEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, farmer_id, variety_id, purchase_date, crates, loose_weight, actual_weight, rate
		FROM purchase_entries
		WHERE farmer_id = $1 AND bill_id IS NULL AND purchase_date <= $2
		ORDER BY purchase_date, id
		FOR UPDATE`, farmerID, upTo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []PurchaseEntry
	for rows.Next() {
		var e PurchaseEntry
		if err := rows.Scan(&e.ID, &e.FarmerID, &e.VarietyID, &e.PurchaseDate, &e.Crates, &e.LooseWeight, &e.ActualWeight, &e.Rate); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *pgRepository) MarkPurchasesBilled(ctx context.Context, billID int64, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, "UPDATE purchase_entries SET bill_id = $1 WHERE id = ANY($2)", billID, entryIDs)
	return err
}

// --- Sales bills ---

const salesBillColumns = `id, bill_number, customer_id, bill_date, items, crate_weight,
	other_charges, previous_balance, payments_since_previous, payments_total, items_total,
	charges_total, subtotal, discount, total, amount_paid, balance_due, status,
	superseded_by, created_at, updated_at`

func scanSalesBill(row pgx.Row) (SalesBill, error) {
	var b SalesBill
	var items, charges, payments []byte
	var status string
	var superseded pgtype.Int8
	err := row.Scan(
		&b.ID, &b.BillNumber, &b.CustomerID, &b.BillDate, &items, &b.CrateWeight,
		&charges, &b.PreviousBalance, &payments, &b.PaymentsTotal, &b.ItemsTotal,
		&b.ChargesTotal, &b.Subtotal, &b.Discount, &b.Total, &b.AmountPaid, &b.BalanceDue, &status,
		&superseded, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return SalesBill{}, err
	}
	b.Status = ledger.SalesStatus(status)
	if superseded.Valid {
		next := superseded.Int64
		b.SupersededBy = &next
	}
	for _, part := range []struct {
		raw  []byte
		into interface{}
	}{
		{items, &b.Items},
		{charges, &b.OtherCharges},
		{payments, &b.PaymentsSincePrevious},
	} {
		if err := json.Unmarshal(part.raw, part.into); err != nil {
			return SalesBill{}, fmt.Errorf("billing: decode sales bill %d: %w", b.ID, err)
		}
	}
	return b, nil
}

func collectSalesBills(rows pgx.Rows) ([]SalesBill, error) {
	defer rows.Close()
	var bills []SalesBill
	for rows.Next() {
		b, err := scanSalesBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (r *pgRepository) GetSalesBill(ctx context.Context, id int64) (SalesBill, error) {
	b, err := scanSalesBill(r.db.QueryRow(ctx, "SELECT "+salesBillColumns+" FROM sales_bills WHERE id = $1", id))
	return b, notFound(err)
}

func (r *pgRepository) GetSalesBillForUpdate(ctx context.Context, id int64) (SalesBill, error) {
	b, err := scanSalesBill(r.db.QueryRow(ctx, "SELECT "+salesBillColumns+" FROM sales_bills WHERE id = $1 FOR UPDATE", id))
	return b, notFound(err)
}

func (r *pgRepository) ListSalesBills(ctx context.Context, req ListBillsRequest) ([]SalesBill, error) {
	where, args := billFilter("customer_id", req, "superseded_by IS NULL AND balance_due > 0")
	query := "SELECT " + salesBillColumns + " FROM sales_bills" + where + " ORDER BY bill_date, id" + pageClause(req.Limit, req.Offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSalesBills(rows)
}

func (r *pgRepository) ListCustomerSalesBills(ctx context.Context, customerID int64) ([]SalesBill, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+salesBillColumns+" FROM sales_bills WHERE customer_id = $1 ORDER BY bill_date, id FOR UPDATE",
		customerID)
	if err != nil {
		return nil, err
	}
	return collectSalesBills(rows)
}

func (r *pgRepository) CreateSalesBill(ctx context.Context, bill ledger.SalesBill) (int64, error) {
	items, charges, err := encodePair(bill.Items, bill.OtherCharges)
	if err != nil {
		return 0, err
	}
	payments, err := json.Marshal(bill.PaymentsSincePrevious)
	if err != nil {
		return 0, fmt.Errorf("billing: encode payments: %w", err)
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO sales_bills (bill_number, customer_id, bill_date, items, crate_weight,
			other_charges, previous_balance, payments_since_previous, payments_total, items_total,
			charges_total, subtotal, discount, total, amount_paid, balance_due, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		bill.BillNumber, bill.CustomerID, bill.BillDate, items, bill.CrateWeight,
		charges, bill.PreviousBalance, payments, bill.PaymentsTotal, bill.ItemsTotal,
		bill.ChargesTotal, bill.Subtotal, bill.Discount, bill.Total, bill.AmountPaid, bill.BalanceDue,
		string(bill.Status),
	).Scan(&id)
	if isUniqueViolation(err, salesDayConstraint) {
		return 0, &ledger.DuplicateBillError{CustomerID: bill.CustomerID, BillDate: bill.BillDate}
	}
	return id, mapUniqueNumber(err)
}

func (r *pgRepository) UpdateSalesBill(ctx context.Context, bill SalesBill) error {
	items, charges, err := encodePair(bill.Items, bill.OtherCharges)
	if err != nil {
		return err
	}
	payments, err := json.Marshal(bill.PaymentsSincePrevious)
	if err != nil {
		return fmt.Errorf("billing: encode payments: %w", err)
	}
	var superseded pgtype.Int8
	if bill.SupersededBy != nil {
		superseded = pgtype.Int8{Int64: *bill.SupersededBy, Valid: true}
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE sales_bills SET items = $2, crate_weight = $3, other_charges = $4,
			previous_balance = $5, payments_since_previous = $6, payments_total = $7,
			items_total = $8, charges_total = $9, subtotal = $10, discount = $11, total = $12,
			amount_paid = $13, balance_due = $14, status = $15, superseded_by = $16,
			updated_at = NOW()
		WHERE id = $1`,
		bill.ID, items, bill.CrateWeight, charges,
		bill.PreviousBalance, payments, bill.PaymentsTotal,
		bill.ItemsTotal, bill.ChargesTotal, bill.Subtotal, bill.Discount, bill.Total,
		bill.AmountPaid, bill.BalanceDue, string(bill.Status), superseded,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) ListUnbilledSales(ctx context.Context, customerID int64, day time.Time) ([]SaleEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, customer_id, variety_id, sale_date, crates, loose_weight, rate
		FROM sale_entries
		WHERE customer_id = $1 AND bill_id IS NULL AND sale_date = $2
		ORDER BY id
		FOR UPDATE`, customerID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SaleEntry
	for rows.Next() {
		var e SaleEntry
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.VarietyID, &e.SaleDate, &e.Crates, &e.LooseWeight, &e.Rate); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *pgRepository) MarkSalesBilled(ctx context.Context, billID int64, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, "UPDATE sale_entries SET bill_id = $1 WHERE id = ANY($2)", billID, entryIDs)
	return err
}

// --- Payments ---

const paymentColumns = `id, party_type, party_id, payment_date, amount, method, reference_number,
	notes, unallocated_amount, advance_consumed_by, created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var kind string
	var ref, notes pgtype.Text
	var consumed pgtype.Int8
	err := row.Scan(&p.ID, &kind, &p.PartyID, &p.Date, &p.Amount, &p.Method, &ref,
		&notes, &p.UnallocatedAmount, &consumed, &p.CreatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.PartyType = PartyType(kind)
	if ref.Valid {
		p.ReferenceNumber = ref.String
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	if consumed.Valid {
		id := consumed.Int64
		p.AdvanceConsumedBy = &id
	}
	return p, nil
}

func collectPayments(rows pgx.Rows) ([]Payment, error) {
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *pgRepository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id))
	return p, notFound(err)
}

func (r *pgRepository) GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id))
	return p, notFound(err)
}

func (r *pgRepository) ListPayments(ctx context.Context, req ListPaymentsRequest) ([]Payment, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE party_type = $1 AND party_id = $2 ORDER BY payment_date DESC, id DESC"+pageClause(req.Limit, req.Offset),
		string(req.Party.Type), req.Party.ID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *pgRepository) CreatePayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO payments (party_type, party_id, payment_date, amount, method, reference_number,
			notes, unallocated_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(p.PartyType), p.PartyID, p.Date, p.Amount, p.Method, nullText(p.ReferenceNumber),
		nullText(p.Notes), p.UnallocatedAmount,
	).Scan(&id)
	return id, err
}

func (r *pgRepository) DeletePayment(ctx context.Context, id int64) error {
	if err := r.DeleteAllocationsByPayment(ctx, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, "DELETE FROM payments WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) CreateAllocations(ctx context.Context, paymentID int64, kind PartyType, allocs []ledger.Allocation) error {
	for _, a := range allocs {
		_, err := r.db.Exec(ctx, `
			INSERT INTO payment_allocations (payment_id, party_type, bill_id, amount, allocation_date)
			SELECT $1, $2, $3, $4, payment_date FROM payments WHERE id = $1`,
			paymentID, string(kind), a.BillID, a.AllocatedAmount)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanAllocations(rows pgx.Rows) ([]PaymentAllocation, error) {
	defer rows.Close()
	var allocs []PaymentAllocation
	for rows.Next() {
		var a PaymentAllocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.BillID, &a.Amount, &a.Date); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (r *pgRepository) ListAllocationsByPayment(ctx context.Context, paymentID int64) ([]PaymentAllocation, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, payment_id, bill_id, amount, allocation_date FROM payment_allocations WHERE payment_id = $1 ORDER BY id",
		paymentID)
	if err != nil {
		return nil, err
	}
	return scanAllocations(rows)
}

func (r *pgRepository) ListAllocationsByBill(ctx context.Context, kind PartyType, billID int64) ([]PaymentAllocation, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, payment_id, bill_id, amount, allocation_date FROM payment_allocations WHERE party_type = $1 AND bill_id = $2 ORDER BY allocation_date, id",
		string(kind), billID)
	if err != nil {
		return nil, err
	}
	return scanAllocations(rows)
}

func (r *pgRepository) DeleteAllocationsByPayment(ctx context.Context, paymentID int64) error {
	_, err := r.db.Exec(ctx, "DELETE FROM payment_allocations WHERE payment_id = $1", paymentID)
	return err
}

func (r *pgRepository) ListUnconsumedAdvances(ctx context.Context, customerID int64) ([]Payment, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE party_type = $1 AND party_id = $2 AND unallocated_amount > 0 AND advance_consumed_by IS NULL ORDER BY payment_date, id FOR UPDATE",
		string(PartyCustomer), customerID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *pgRepository) ConsumeAdvances(ctx context.Context, paymentIDs []int64, billID int64) error {
	if len(paymentIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, "UPDATE payments SET advance_consumed_by = $1 WHERE id = ANY($2)", billID, paymentIDs)
	return err
}

func (r *pgRepository) ListAdvancesConsumedBy(ctx context.Context, billID int64) ([]Payment, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE advance_consumed_by = $1 ORDER BY payment_date, id",
		billID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// --- helpers ---

func billFilter(partyColumn string, req ListBillsRequest, openClause string) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	argPos := 1

	if req.PartyID > 0 {
		conditions = append(conditions, fmt.Sprintf("%s = $%d", partyColumn, argPos))
		args = append(args, req.PartyID)
		argPos++
	}
	if !req.FromDate.IsZero() {
		conditions = append(conditions, fmt.Sprintf("bill_date >= $%d", argPos))
		args = append(args, req.FromDate)
		argPos++
	}
	if !req.ToDate.IsZero() {
		conditions = append(conditions, fmt.Sprintf("bill_date <= $%d", argPos))
		args = append(args, req.ToDate)
		argPos++
	}
	if req.OpenOnly {
		conditions = append(conditions, openClause)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func pageClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func encodePair(a, b interface{}) ([]byte, []byte, error) {
	first, err := json.Marshal(a)
	if err != nil {
		return nil, nil, fmt.Errorf("billing: encode json column: %w", err)
	}
	second, err := json.Marshal(b)
	if err != nil {
		return nil, nil, fmt.Errorf("billing: encode json column: %w", err)
	}
	return first, second, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// mapUniqueNumber turns a lost race on bill_number into a retryable error.
func mapUniqueNumber(err error) error {
	if isUniqueViolation(err, "") {
		return fmt.Errorf("%w: bill number already issued", ErrTransient)
	}
	return err
}
