package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fishtrade/fishtrade/internal/ledger"
)

const idempotencyModule = "billing.payments"

// IdempotencyGuard rejects replayed payment submissions.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// PartyLocker serialises writers touching the same party's balances.
type PartyLocker interface {
	Lock(ctx context.Context, party PartyRef) (unlock func(), err error)
}

// OutstandingStore caches outstanding summaries per party.
type OutstandingStore interface {
	Fetch(ctx context.Context, party PartyRef, load func(context.Context) (ledger.OutstandingSummary, error)) (ledger.OutstandingSummary, error)
	Invalidate(ctx context.Context, party PartyRef) error
}

// MetricsRecorder receives billing counters.
type MetricsRecorder interface {
	BillCreated(kind string)
	PaymentRecorded(partyType string, excess float64)
}

// ServiceConfig holds billing defaults.
type ServiceConfig struct {
	DefaultCommissionPerUnitWeight float64
	DefaultWeightDeductionPct      float64
	CrateWeight                    float64
	Now                            func() time.Time
}

// DefaultServiceConfig returns the engine defaults with a 20 kg crate.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DefaultCommissionPerUnitWeight: ledger.DefaultCommissionPerUnitWeight,
		DefaultWeightDeductionPct:      ledger.DefaultWeightDeductionPct,
		CrateWeight:                    20,
	}
}

// Service orchestrates the ledger engine against storage.
type Service struct {
	repo        Repository
	cfg         ServiceConfig
	logger      *slog.Logger
	locker      PartyLocker
	cache       OutstandingStore
	idempotency IdempotencyGuard
	metrics     MetricsRecorder
}

// NewService builds a Service.
func NewService(repo Repository, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cfg: cfg, logger: logger}
}

// SetLocker installs the per-party write lock.
func (s *Service) SetLocker(locker PartyLocker) { s.locker = locker }

// SetCache installs the outstanding summary cache.
func (s *Service) SetCache(cache OutstandingStore) { s.cache = cache }

// SetIdempotencyStore installs the payment idempotency guard.
func (s *Service) SetIdempotencyStore(store IdempotencyGuard) { s.idempotency = store }

// SetMetrics installs the metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) { s.metrics = m }

func (s *Service) today() time.Time {
	return truncateDay(s.cfg.Now())
}

func (s *Service) withPartyLock(ctx context.Context, party PartyRef, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	unlock, err := s.locker.Lock(ctx, party)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (s *Service) afterWrite(ctx context.Context, party PartyRef) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, party); err != nil {
		s.logger.Warn("invalidate outstanding cache", slog.String("party", party.String()), slog.Any("error", err))
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransient) || pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// nextBillNumber reads the last issued number, retrying once on a transient
// failure. Any other failure is returned; a number is never invented.
func (s *Service) nextBillNumber(ctx context.Context, prefix string) (string, error) {
	last, err := s.repo.LastBillNumber(ctx, prefix)
	if err != nil && isTransient(err) {
		s.logger.Warn("retry bill number read", slog.String("prefix", prefix), slog.Any("error", err))
		last, err = s.repo.LastBillNumber(ctx, prefix)
	}
	if err != nil {
		return "", fmt.Errorf("billing: read last bill number: %w", err)
	}
	return ledger.NextBillNumber(prefix, last, s.cfg.Now()), nil
}

func ensureParty(ctx context.Context, tx TxRepository, party PartyRef) error {
	ok, err := tx.PartyExists(ctx, party)
	if err != nil {
		return fmt.Errorf("billing: check %s: %w", party, err)
	}
	if !ok {
		return party.referenceError()
	}
	return nil
}

func purchaseItems(entries []PurchaseEntry) ([]ledger.LineItem, []int64) {
	items := make([]ledger.LineItem, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		items = append(items, ledger.LineItem{
			VarietyID:         e.VarietyID,
			Quantity:          ledger.Quantity{Crates: e.Crates, LooseWeight: e.LooseWeight},
			ActualWeight:      e.ActualWeight,
			RatePerUnitWeight: e.Rate,
		})
		ids = append(ids, e.ID)
	}
	return items, ids
}

func saleItems(entries []SaleEntry) ([]ledger.LineItem, []int64) {
	items := make([]ledger.LineItem, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		items = append(items, ledger.LineItem{
			VarietyID:         e.VarietyID,
			Quantity:          ledger.Quantity{Crates: e.Crates, LooseWeight: e.LooseWeight},
			RatePerUnitWeight: e.Rate,
		})
		ids = append(ids, e.ID)
	}
	return items, ids
}

// --- Purchase bills ---

// CreatePurchaseBill bills the farmer's unbilled purchases up to the bill
// date. An initial payment is allocated with the new bill served first.
func (s *Service) CreatePurchaseBill(ctx context.Context, input CreatePurchaseBillInput) (PurchaseBill, error) {
	party := PartyRef{Type: PartyFarmer, ID: input.FarmerID}
	if err := party.validate(); err != nil {
		return PurchaseBill{}, err
	}
	billDate := s.today()
	if !input.BillDate.IsZero() {
		billDate = truncateDay(input.BillDate)
	}
	if input.InitialPayment != nil && input.InitialPayment.Amount <= 0 {
		return PurchaseBill{}, &ledger.InvalidAmountError{Amount: input.InitialPayment.Amount}
	}
	commission := input.CommissionPerUnitWeight
	if commission == nil {
		commission = &s.cfg.DefaultCommissionPerUnitWeight
	}
	pct := input.WeightDeductionPct
	if pct == nil {
		pct = &s.cfg.DefaultWeightDeductionPct
	}

	number, err := s.nextBillNumber(ctx, ledger.PurchaseBillPrefix)
	if err != nil {
		return PurchaseBill{}, err
	}

	var (
		billID  int64
		created PurchaseBill
	)
	err = s.withPartyLock(ctx, party, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := ensureParty(ctx, tx, party); err != nil {
				return err
			}
			entries, err := tx.ListUnbilledPurchases(ctx, input.FarmerID, billDate)
			if err != nil {
				return fmt.Errorf("billing: list unbilled purchases: %w", err)
			}
			items, entryIDs := purchaseItems(entries)
			bill, err := ledger.CalculatePurchaseBill(ledger.PurchaseBillInput{
				FarmerID:                input.FarmerID,
				BillDate:                billDate,
				Items:                   items,
				CommissionPerUnitWeight: commission,
				WeightDeductionPct:      pct,
				OtherDeductions:         input.OtherDeductions,
			})
			if err != nil {
				return err
			}
			bill.BillNumber = number
			billID, err = tx.CreatePurchaseBill(ctx, bill)
			if err != nil {
				return fmt.Errorf("billing: create purchase bill: %w", err)
			}
			if err := tx.MarkPurchasesBilled(ctx, billID, entryIDs); err != nil {
				return fmt.Errorf("billing: mark purchases billed: %w", err)
			}
			if input.InitialPayment != nil {
				details := *input.InitialPayment
				if details.Date.IsZero() {
					details.Date = billDate
				}
				if _, err := s.recordPaymentTx(ctx, tx, party, details, billID); err != nil {
					return err
				}
			}
			created, err = tx.GetPurchaseBillForUpdate(ctx, billID)
			return err
		})
	})
	if err != nil {
		return PurchaseBill{}, err
	}

	s.afterWrite(ctx, party)
	if s.metrics != nil {
		s.metrics.BillCreated("purchase")
	}
	s.logger.Info("purchase bill created", slog.Int64("bill_id", billID), slog.String("number", number), slog.Int64("farmer_id", input.FarmerID))
	stored, err := s.repo.GetPurchaseBill(ctx, billID)
	if err != nil {
		s.logger.Warn("reload purchase bill", slog.Int64("bill_id", billID), slog.Any("error", err))
		return created, nil
	}
	return stored, nil
}

// EditPurchaseBill recomputes a purchase bill from replaced inputs.
func (s *Service) EditPurchaseBill(ctx context.Context, id int64, input EditPurchaseBillInput) (PurchaseBill, error) {
	current, err := s.repo.GetPurchaseBill(ctx, id)
	if err != nil {
		return PurchaseBill{}, err
	}
	party := PartyRef{Type: PartyFarmer, ID: current.FarmerID}
	err = s.withPartyLock(ctx, party, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			bill, err := tx.GetPurchaseBillForUpdate(ctx, id)
			if err != nil {
				return err
			}
			in := ledger.PurchaseBillInput{
				Items:                   input.Items,
				CommissionPerUnitWeight: input.CommissionPerUnitWeight,
				WeightDeductionPct:      input.WeightDeductionPct,
				OtherDeductions:         input.OtherDeductions,
			}
			if in.Items == nil {
				in.Items = bill.Items
			}
			if in.CommissionPerUnitWeight == nil {
				in.CommissionPerUnitWeight = &bill.CommissionPerUnitWeight
			}
			if in.WeightDeductionPct == nil {
				in.WeightDeductionPct = &bill.WeightDeductionPct
			}
			if in.OtherDeductions == nil {
				in.OtherDeductions = bill.OtherDeductions
			}
			next, err := ledger.RecomputePurchaseBill(bill.PurchaseBill, in)
			if err != nil {
				return err
			}
			bill.PurchaseBill = next
			return tx.UpdatePurchaseBill(ctx, bill.PurchaseBill)
		})
	})
	if err != nil {
		return PurchaseBill{}, err
	}
	s.afterWrite(ctx, party)
	return s.repo.GetPurchaseBill(ctx, id)
}

// GetPurchaseBill returns a purchase bill by id.
func (s *Service) GetPurchaseBill(ctx context.Context, id int64) (PurchaseBill, error) {
	return s.repo.GetPurchaseBill(ctx, id)
}

// ListPurchaseBills returns purchase bills matching the request.
func (s *Service) ListPurchaseBills(ctx context.Context, req ListBillsRequest) ([]PurchaseBill, error) {
	return s.repo.ListPurchaseBills(ctx, req)
}

// --- Sales bills ---

// CreateSalesBill bills the customer's unbilled sales for one day, carrying
// forward the running balance of the previous bill in the chain.
func (s *Service) CreateSalesBill(ctx context.Context, input CreateSalesBillInput) (SalesBill, error) {
	party := PartyRef{Type: PartyCustomer, ID: input.CustomerID}
	if err := party.validate(); err != nil {
		return SalesBill{}, err
	}
	billDate := s.today()
	if !input.BillDate.IsZero() {
		billDate = truncateDay(input.BillDate)
	}

	number, err := s.nextBillNumber(ctx, ledger.SalesBillPrefix)
	if err != nil {
		return SalesBill{}, err
	}

	var (
		billID  int64
		created SalesBill
	)
	err = s.withPartyLock(ctx, party, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := ensureParty(ctx, tx, party); err != nil {
				return err
			}
			chain, err := tx.ListCustomerSalesBills(ctx, input.CustomerID)
			if err != nil {
				return fmt.Errorf("billing: list customer bills: %w", err)
			}
			if err := ledger.CheckSalesDuplicate(plainSalesBills(chain), input.CustomerID, billDate); err != nil {
				return err
			}
			entries, err := tx.ListUnbilledSales(ctx, input.CustomerID, billDate)
			if err != nil {
				return fmt.Errorf("billing: list unbilled sales: %w", err)
			}
			items, entryIDs := saleItems(entries)

			var prior *SalesBill
			for i := range chain {
				if chain[i].BillDate.Before(billDate) {
					prior = &chain[i]
				}
			}
			refs, err := allocatedRefs(ctx, tx, prior)
			if err != nil {
				return err
			}
			advances, err := tx.ListUnconsumedAdvances(ctx, input.CustomerID)
			if err != nil {
				return fmt.Errorf("billing: list advances: %w", err)
			}
			advanceIDs := make([]int64, 0, len(advances))
			for _, p := range advances {
				refs = append(refs, ledger.PaymentRef{PaymentID: p.ID, Date: p.Date, Amount: p.UnallocatedAmount})
				advanceIDs = append(advanceIDs, p.ID)
			}

			in := ledger.SalesBillInput{
				CustomerID:            input.CustomerID,
				BillDate:              billDate,
				Items:                 items,
				CrateWeight:           s.cfg.CrateWeight,
				OtherCharges:          input.OtherCharges,
				Discount:              input.Discount,
				PaymentsSincePrevious: refs,
			}
			if prior != nil {
				in.PreviousBalance = prior.Total
			}
			bill, err := ledger.CalculateSalesBill(in)
			if err != nil {
				return err
			}
			bill.BillNumber = number
			billID, err = tx.CreateSalesBill(ctx, bill)
			if err != nil {
				return err
			}
			if err := tx.MarkSalesBilled(ctx, billID, entryIDs); err != nil {
				return fmt.Errorf("billing: mark sales billed: %w", err)
			}
			if err := tx.ConsumeAdvances(ctx, advanceIDs, billID); err != nil {
				return fmt.Errorf("billing: consume advances: %w", err)
			}
			if err := s.rederiveSalesChain(ctx, tx, input.CustomerID); err != nil {
				return err
			}
			created, err = tx.GetSalesBillForUpdate(ctx, billID)
			return err
		})
	})
	if err != nil {
		return SalesBill{}, err
	}

	s.afterWrite(ctx, party)
	if s.metrics != nil {
		s.metrics.BillCreated("sales")
	}
	s.logger.Info("sales bill created", slog.Int64("bill_id", billID), slog.String("number", number), slog.Int64("customer_id", input.CustomerID))
	stored, err := s.repo.GetSalesBill(ctx, billID)
	if err != nil {
		s.logger.Warn("reload sales bill", slog.Int64("bill_id", billID), slog.Any("error", err))
		return created, nil
	}
	return stored, nil
}

// EditSalesBill recomputes a sales bill and every later bill of the customer.
func (s *Service) EditSalesBill(ctx context.Context, id int64, input EditSalesBillInput) (SalesBill, error) {
	current, err := s.repo.GetSalesBill(ctx, id)
	if err != nil {
		return SalesBill{}, err
	}
	party := PartyRef{Type: PartyCustomer, ID: current.CustomerID}
	err = s.withPartyLock(ctx, party, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			bill, err := tx.GetSalesBillForUpdate(ctx, id)
			if err != nil {
				return err
			}
			in := ledger.SalesBillInput{
				Items:                 input.Items,
				CrateWeight:           bill.CrateWeight,
				OtherCharges:          input.OtherCharges,
				Discount:              bill.Discount,
				PreviousBalance:       bill.PreviousBalance,
				PaymentsSincePrevious: bill.PaymentsSincePrevious,
			}
			if in.Items == nil {
				in.Items = bill.Items
			}
			if in.OtherCharges == nil {
				in.OtherCharges = bill.OtherCharges
			}
			if input.Discount != nil {
				in.Discount = *input.Discount
			}
			next, err := ledger.RecomputeSalesBill(bill.SalesBill, in)
			if err != nil {
				return err
			}
			bill.SalesBill = next
			if err := tx.UpdateSalesBill(ctx, bill); err != nil {
				return err
			}
			return s.rederiveSalesChain(ctx, tx, bill.CustomerID)
		})
	})
	if err != nil {
		return SalesBill{}, err
	}
	s.afterWrite(ctx, party)
	return s.repo.GetSalesBill(ctx, id)
}

// GetSalesBill returns a sales bill by id.
func (s *Service) GetSalesBill(ctx context.Context, id int64) (SalesBill, error) {
	return s.repo.GetSalesBill(ctx, id)
}

// ListSalesBills returns sales bills matching the request.
func (s *Service) ListSalesBills(ctx context.Context, req ListBillsRequest) ([]SalesBill, error) {
	return s.repo.ListSalesBills(ctx, req)
}

func plainSalesBills(bills []SalesBill) []ledger.SalesBill {
	out := make([]ledger.SalesBill, len(bills))
	for i, b := range bills {
		out[i] = b.SalesBill
	}
	return out
}

// allocatedRefs lists the payments allocated to bill, which the next bill
// in the chain subtracts from the carried balance.
func allocatedRefs(ctx context.Context, tx TxRepository, bill *SalesBill) ([]ledger.PaymentRef, error) {
	if bill == nil {
		return nil, nil
	}
	allocs, err := tx.ListAllocationsByBill(ctx, PartyCustomer, bill.ID)
	if err != nil {
		return nil, fmt.Errorf("billing: list allocations for bill %d: %w", bill.ID, err)
	}
	refs := make([]ledger.PaymentRef, 0, len(allocs))
	for _, a := range allocs {
		refs = append(refs, ledger.PaymentRef{PaymentID: a.PaymentID, Date: a.Date, Amount: a.Amount})
	}
	return refs, nil
}

// rederiveSalesChain walks the customer's bills oldest first and recomputes
// each one from its predecessor, relinking supersession as it goes.
func (s *Service) rederiveSalesChain(ctx context.Context, tx TxRepository, customerID int64) error {
	chain, err := tx.ListCustomerSalesBills(ctx, customerID)
	if err != nil {
		return fmt.Errorf("billing: list customer bills: %w", err)
	}
	var prev *SalesBill
	for i := range chain {
		bill := chain[i]
		refs, err := allocatedRefs(ctx, tx, prev)
		if err != nil {
			return err
		}
		advances, err := tx.ListAdvancesConsumedBy(ctx, bill.ID)
		if err != nil {
			return fmt.Errorf("billing: list advances for bill %d: %w", bill.ID, err)
		}
		for _, p := range advances {
			refs = append(refs, ledger.PaymentRef{PaymentID: p.ID, Date: p.Date, Amount: p.UnallocatedAmount})
		}
		in := ledger.SalesBillInput{
			Items:                 bill.Items,
			CrateWeight:           bill.CrateWeight,
			OtherCharges:          bill.OtherCharges,
			Discount:              bill.Discount,
			PaymentsSincePrevious: refs,
		}
		if prev != nil {
			in.PreviousBalance = prev.Total
		}
		next, err := ledger.RecomputeSalesBill(bill.SalesBill, in)
		if err != nil {
			return err
		}
		bill.SalesBill = next
		bill.SupersededBy = nil
		if i+1 < len(chain) {
			successor := chain[i+1].ID
			bill.SupersededBy = &successor
		}
		if err := tx.UpdateSalesBill(ctx, bill); err != nil {
			return fmt.Errorf("billing: update sales bill %d: %w", bill.ID, err)
		}
		chain[i] = bill
		prev = &chain[i]
	}
	return nil
}

// --- Payments ---

// RecordPayment stores a payment and allocates it across the party's open
// bills, oldest first. Whatever is left is kept as an advance.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (RecordPaymentResult, error) {
	if err := input.Party.validate(); err != nil {
		return RecordPaymentResult{}, err
	}
	if input.Details.Amount <= 0 {
		return RecordPaymentResult{}, &ledger.InvalidAmountError{Amount: input.Details.Amount}
	}
	if input.Details.Date.IsZero() {
		input.Details.Date = s.today()
	}
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, idempotencyModule); err != nil {
			return RecordPaymentResult{}, err
		}
	}

	var result RecordPaymentResult
	err := s.withPartyLock(ctx, input.Party, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := ensureParty(ctx, tx, input.Party); err != nil {
				return err
			}
			res, err := s.recordPaymentTx(ctx, tx, input.Party, input.Details, input.PriorityBillID)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		if input.IdempotencyKey != "" && s.idempotency != nil {
			if delErr := s.idempotency.Delete(ctx, input.IdempotencyKey); delErr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", input.IdempotencyKey), slog.Any("error", delErr))
			}
		}
		return RecordPaymentResult{}, err
	}

	s.afterWrite(ctx, input.Party)
	if s.metrics != nil {
		s.metrics.PaymentRecorded(string(input.Party.Type), result.Allocation.ExcessAmount)
	}
	s.logger.Info("payment recorded",
		slog.Int64("payment_id", result.Payment.ID),
		slog.String("party", input.Party.String()),
		slog.Int("allocations", len(result.Allocation.Allocations)),
		slog.Float64("excess", result.Allocation.ExcessAmount),
	)

	// The payment is committed; summary failures are logged, not returned.
	summary, err := s.Outstanding(ctx, input.Party)
	if err != nil {
		s.logger.Warn("outstanding summary after payment", slog.String("party", input.Party.String()), slog.Any("error", err))
		summary, err = s.loadOutstanding(ctx, input.Party)
		if err != nil {
			s.logger.Warn("load outstanding after payment", slog.String("party", input.Party.String()), slog.Any("error", err))
			return result, nil
		}
	}
	result.Outstanding = summary
	return result, nil
}

func (s *Service) recordPaymentTx(ctx context.Context, tx TxRepository, party PartyRef, details PaymentDetails, priorityBillID int64) (RecordPaymentResult, error) {
	open, err := openBills(ctx, tx, party)
	if err != nil {
		return RecordPaymentResult{}, err
	}
	alloc, err := ledger.Allocate(ledger.AllocationRequest{
		Amount:         details.Amount,
		Bills:          open,
		PriorityBillID: priorityBillID,
	})
	if err != nil {
		return RecordPaymentResult{}, err
	}
	excess := alloc.ExcessAmount
	if excess < 0 || ledger.IsZeroAmount(excess) {
		excess = 0
	}
	payment := Payment{
		PartyType:         party.Type,
		PartyID:           party.ID,
		Date:              truncateDay(details.Date),
		Amount:            details.Amount,
		Method:            details.Method,
		ReferenceNumber:   details.ReferenceNumber,
		Notes:             details.Notes,
		UnallocatedAmount: excess,
	}
	payment.ID, err = tx.CreatePayment(ctx, payment)
	if err != nil {
		return RecordPaymentResult{}, fmt.Errorf("billing: create payment: %w", err)
	}
	if len(alloc.Allocations) > 0 {
		if err := tx.CreateAllocations(ctx, payment.ID, party.Type, alloc.Allocations); err != nil {
			return RecordPaymentResult{}, fmt.Errorf("billing: create allocations: %w", err)
		}
	}
	for _, a := range alloc.Allocations {
		if err := applyAllocation(ctx, tx, party.Type, a.BillID, a.AllocatedAmount); err != nil {
			return RecordPaymentResult{}, err
		}
	}
	return RecordPaymentResult{Payment: payment, Allocation: alloc}, nil
}

func openBills(ctx context.Context, tx TxRepository, party PartyRef) ([]ledger.OpenBill, error) {
	var open []ledger.OpenBill
	switch party.Type {
	case PartyFarmer:
		bills, err := tx.ListOpenPurchaseBills(ctx, party.ID)
		if err != nil {
			return nil, fmt.Errorf("billing: list open purchase bills: %w", err)
		}
		for _, b := range bills {
			open = append(open, ledger.OpenBill{ID: b.ID, BillDate: b.BillDate, Due: b.BalanceDue})
		}
	case PartyCustomer:
		bills, err := tx.ListCustomerSalesBills(ctx, party.ID)
		if err != nil {
			return nil, fmt.Errorf("billing: list customer bills: %w", err)
		}
		for _, b := range bills {
			if b.Active() && b.Status.IsOutstanding() {
				open = append(open, ledger.OpenBill{ID: b.ID, BillDate: b.BillDate, Due: b.BalanceDue})
			}
		}
	}
	return open, nil
}

func applyAllocation(ctx context.Context, tx TxRepository, kind PartyType, billID int64, amount float64) error {
	switch kind {
	case PartyFarmer:
		bill, err := tx.GetPurchaseBillForUpdate(ctx, billID)
		if err != nil {
			return fmt.Errorf("billing: load purchase bill %d: %w", billID, err)
		}
		return tx.UpdatePurchaseBill(ctx, ledger.ApplyToPurchaseBill(bill.PurchaseBill, amount))
	case PartyCustomer:
		bill, err := tx.GetSalesBillForUpdate(ctx, billID)
		if err != nil {
			return fmt.Errorf("billing: load sales bill %d: %w", billID, err)
		}
		bill.SalesBill = ledger.ApplyToSalesBill(bill.SalesBill, amount)
		return tx.UpdateSalesBill(ctx, bill)
	}
	return fmt.Errorf("billing: unknown bill kind %q", kind)
}

// DeletePayment removes a payment, rolls back every allocation it produced
// and re-derives the balances that depended on it.
func (s *Service) DeletePayment(ctx context.Context, id int64) error {
	payment, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	party := payment.Party()
	err = s.withPartyLock(ctx, party, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			allocs, err := tx.ListAllocationsByPayment(ctx, id)
			if err != nil {
				return fmt.Errorf("billing: list allocations: %w", err)
			}
			for _, a := range allocs {
				if err := applyAllocation(ctx, tx, party.Type, a.BillID, -a.Amount); err != nil {
					return err
				}
			}
			if err := tx.DeletePayment(ctx, id); err != nil {
				return fmt.Errorf("billing: delete payment: %w", err)
			}
			if party.Type == PartyCustomer {
				return s.rederiveSalesChain(ctx, tx, party.ID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.afterWrite(ctx, party)
	s.logger.Info("payment deleted", slog.Int64("payment_id", id), slog.String("party", party.String()))
	return nil
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// ListPayments returns a party's payments, newest first.
func (s *Service) ListPayments(ctx context.Context, req ListPaymentsRequest) ([]Payment, error) {
	if err := req.Party.validate(); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, req)
}

// --- Outstanding ---

// Outstanding summarises what the party still owes or is owed.
func (s *Service) Outstanding(ctx context.Context, party PartyRef) (ledger.OutstandingSummary, error) {
	if err := party.validate(); err != nil {
		return ledger.OutstandingSummary{}, err
	}
	ok, err := s.repo.PartyExists(ctx, party)
	if err != nil {
		return ledger.OutstandingSummary{}, fmt.Errorf("billing: check %s: %w", party, err)
	}
	if !ok {
		return ledger.OutstandingSummary{}, party.referenceError()
	}
	if s.cache == nil {
		return s.loadOutstanding(ctx, party)
	}
	return s.cache.Fetch(ctx, party, func(ctx context.Context) (ledger.OutstandingSummary, error) {
		return s.loadOutstanding(ctx, party)
	})
}

func (s *Service) loadOutstanding(ctx context.Context, party PartyRef) (ledger.OutstandingSummary, error) {
	req := ListBillsRequest{PartyID: party.ID, OpenOnly: true}
	switch party.Type {
	case PartyFarmer:
		bills, err := s.repo.ListPurchaseBills(ctx, req)
		if err != nil {
			return ledger.OutstandingSummary{}, err
		}
		plain := make([]ledger.PurchaseBill, len(bills))
		for i, b := range bills {
			plain[i] = b.PurchaseBill
		}
		return ledger.SummarizePurchaseOutstanding(party.ID, plain), nil
	default:
		bills, err := s.repo.ListSalesBills(ctx, req)
		if err != nil {
			return ledger.OutstandingSummary{}, err
		}
		active := make([]ledger.SalesBill, 0, len(bills))
		for _, b := range bills {
			if b.Active() {
				active = append(active, b.SalesBill)
			}
		}
		return ledger.SummarizeSalesOutstanding(party.ID, active), nil
	}
}

// ListPartiesWithOpenBills returns every party that has money outstanding.
func (s *Service) ListPartiesWithOpenBills(ctx context.Context) ([]PartyRef, error) {
	return s.repo.ListPartiesWithOpenBills(ctx)
}

// --- Integrity ---

// IntegrityViolation names a stored bill failing an invariant.
type IntegrityViolation struct {
	Kind   PartyType
	BillID int64
	Reason string
}

// IntegrityReport summarises an integrity pass.
type IntegrityReport struct {
	PurchaseBillsChecked int
	SalesBillsChecked    int
	Violations           []IntegrityViolation
}

// VerifyIntegrity re-checks the conservation invariants of every stored bill.
func (s *Service) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	purchases, err := s.repo.ListPurchaseBills(ctx, ListBillsRequest{})
	if err != nil {
		return report, fmt.Errorf("billing: list purchase bills: %w", err)
	}
	for _, b := range purchases {
		report.PurchaseBillsChecked++
		if err := ledger.VerifyPurchaseBill(b.PurchaseBill); err != nil {
			report.Violations = append(report.Violations, IntegrityViolation{Kind: PartyFarmer, BillID: b.ID, Reason: err.Error()})
		}
	}
	sales, err := s.repo.ListSalesBills(ctx, ListBillsRequest{})
	if err != nil {
		return report, fmt.Errorf("billing: list sales bills: %w", err)
	}
	for _, b := range sales {
		report.SalesBillsChecked++
		if err := ledger.VerifySalesBill(b.SalesBill); err != nil {
			report.Violations = append(report.Violations, IntegrityViolation{Kind: PartyCustomer, BillID: b.ID, Reason: err.Error()})
		}
	}
	return report, nil
}
