package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/fishtrade/fishtrade/internal/ledger"
	"github.com/fishtrade/fishtrade/internal/platform/httpx"
	"github.com/fishtrade/fishtrade/internal/shared"
)

// Handler exposes the billing service as a JSON API.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	validator  *validator.Validate
	writeLimit int
}

// NewHandler builds the handler. writeLimit caps write requests per IP per
// minute; zero disables the limiter.
func NewHandler(logger *slog.Logger, service *Service, writeLimit int) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: v, writeLimit: writeLimit}
}

// MountRoutes registers billing endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	writes := func(next http.Handler) http.Handler { return next }
	if h.writeLimit > 0 {
		writes = httprate.Limit(h.writeLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httpx.Problem(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "")
			}),
		)
	}

	r.Get("/purchase-bills", h.handleListPurchaseBills)
	r.Get("/purchase-bills/{id}", h.handleGetPurchaseBill)
	r.Get("/sales-bills", h.handleListSalesBills)
	r.Get("/sales-bills/{id}", h.handleGetSalesBill)
	r.Get("/payments", h.handleListPayments)
	r.Get("/outstanding/{partyType}/{partyID}", h.handleOutstanding)

	r.Group(func(gr chi.Router) {
		gr.Use(writes)
		gr.Post("/purchase-bills", h.handleCreatePurchaseBill)
		gr.Put("/purchase-bills/{id}", h.handleEditPurchaseBill)
		gr.Post("/sales-bills", h.handleCreateSalesBill)
		gr.Put("/sales-bills/{id}", h.handleEditSalesBill)
		gr.Post("/payments", h.handleRecordPayment)
		gr.Delete("/payments/{id}", h.handleDeletePayment)
	})
}

// --- request DTOs ---

type deductionRequest struct {
	Label  string  `json:"label" validate:"required,max=120"`
	Amount float64 `json:"amount"`
}

type lineItemRequest struct {
	VarietyID    int64   `json:"variety_id" validate:"required,gt=0"`
	Crates       float64 `json:"crates" validate:"gte=0"`
	LooseWeight  float64 `json:"loose_weight" validate:"gte=0"`
	ActualWeight float64 `json:"actual_weight" validate:"gte=0"`
	Rate         float64 `json:"rate_per_unit_weight"`
}

type paymentDetailsRequest struct {
	Date            string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Amount          float64 `json:"amount"`
	Method          string  `json:"method" validate:"required,max=32"`
	ReferenceNumber string  `json:"reference_number" validate:"max=64"`
	Notes           string  `json:"notes" validate:"max=500"`
}

type createPurchaseBillRequest struct {
	FarmerID                int64                  `json:"farmer_id" validate:"required,gt=0"`
	BillDate                string                 `json:"bill_date" validate:"omitempty,datetime=2006-01-02"`
	CommissionPerUnitWeight *float64               `json:"commission_per_unit_weight"`
	WeightDeductionPct      *float64               `json:"weight_deduction_pct"`
	OtherDeductions         []deductionRequest     `json:"other_deductions" validate:"omitempty,dive"`
	InitialPayment          *paymentDetailsRequest `json:"initial_payment"`
}

type editPurchaseBillRequest struct {
	Items                   []lineItemRequest  `json:"items" validate:"omitempty,dive"`
	CommissionPerUnitWeight *float64           `json:"commission_per_unit_weight"`
	WeightDeductionPct      *float64           `json:"weight_deduction_pct"`
	OtherDeductions         []deductionRequest `json:"other_deductions" validate:"omitempty,dive"`
}

type createSalesBillRequest struct {
	CustomerID   int64              `json:"customer_id" validate:"required,gt=0"`
	BillDate     string             `json:"bill_date" validate:"omitempty,datetime=2006-01-02"`
	OtherCharges []deductionRequest `json:"other_charges" validate:"omitempty,dive"`
	Discount     float64            `json:"discount"`
}

type editSalesBillRequest struct {
	Items        []lineItemRequest  `json:"items" validate:"omitempty,dive"`
	OtherCharges []deductionRequest `json:"other_charges" validate:"omitempty,dive"`
	Discount     *float64           `json:"discount"`
}

type recordPaymentRequest struct {
	PartyType      string `json:"party_type" validate:"required,oneof=farmer customer"`
	PartyID        int64  `json:"party_id" validate:"required,gt=0"`
	PriorityBillID int64  `json:"priority_bill_id" validate:"gte=0"`
	paymentDetailsRequest
}

// --- response views ---

type purchaseBillView struct {
	PurchaseBill
	TotalDisplay      string `json:"total_display"`
	BalanceDueDisplay string `json:"balance_due_display"`
}

type salesBillView struct {
	SalesBill
	TotalDisplay      string `json:"total_display"`
	BalanceDueDisplay string `json:"balance_due_display"`
}

type outstandingView struct {
	ledger.OutstandingSummary
	PartyType    PartyType `json:"party_type"`
	TotalDisplay string    `json:"total_display"`
}

func newPurchaseBillView(b PurchaseBill) purchaseBillView {
	return purchaseBillView{
		PurchaseBill:      b,
		TotalDisplay:      ledger.FormatAmount(b.Total),
		BalanceDueDisplay: ledger.FormatAmount(b.BalanceDue),
	}
}

func newSalesBillView(b SalesBill) salesBillView {
	return salesBillView{
		SalesBill:         b,
		TotalDisplay:      ledger.FormatAmount(b.Total),
		BalanceDueDisplay: ledger.FormatAmount(b.BalanceDue),
	}
}

// --- purchase bills ---

func (h *Handler) handleCreatePurchaseBill(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := CreatePurchaseBillInput{
		FarmerID:                req.FarmerID,
		CommissionPerUnitWeight: req.CommissionPerUnitWeight,
		WeightDeductionPct:      req.WeightDeductionPct,
		OtherDeductions:         toDeductions(req.OtherDeductions),
	}
	var err error
	if in.BillDate, err = parseDate(req.BillDate, "bill_date"); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.InitialPayment != nil {
		details, err := toPaymentDetails(*req.InitialPayment, "initial_payment.date")
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		in.InitialPayment = &details
	}
	bill, err := h.service.CreatePurchaseBill(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPurchaseBillView(bill))
}

func (h *Handler) handleEditPurchaseBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req editPurchaseBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	bill, err := h.service.EditPurchaseBill(r.Context(), id, EditPurchaseBillInput{
		Items:                   toLineItems(req.Items),
		CommissionPerUnitWeight: req.CommissionPerUnitWeight,
		WeightDeductionPct:      req.WeightDeductionPct,
		OtherDeductions:         toDeductions(req.OtherDeductions),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPurchaseBillView(bill))
}

func (h *Handler) handleGetPurchaseBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	bill, err := h.service.GetPurchaseBill(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPurchaseBillView(bill))
}

func (h *Handler) handleListPurchaseBills(w http.ResponseWriter, r *http.Request) {
	req, err := listRequest(r, "farmer_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	bills, err := h.service.ListPurchaseBills(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]purchaseBillView, 0, len(bills))
	for _, b := range bills {
		views = append(views, newPurchaseBillView(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bills": views})
}

// --- sales bills ---

func (h *Handler) handleCreateSalesBill(w http.ResponseWriter, r *http.Request) {
	var req createSalesBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := CreateSalesBillInput{
		CustomerID:   req.CustomerID,
		OtherCharges: toDeductions(req.OtherCharges),
		Discount:     req.Discount,
	}
	var err error
	if in.BillDate, err = parseDate(req.BillDate, "bill_date"); err != nil {
		h.respondError(w, r, err)
		return
	}
	bill, err := h.service.CreateSalesBill(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newSalesBillView(bill))
}

func (h *Handler) handleEditSalesBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req editSalesBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	bill, err := h.service.EditSalesBill(r.Context(), id, EditSalesBillInput{
		Items:        toLineItems(req.Items),
		OtherCharges: toDeductions(req.OtherCharges),
		Discount:     req.Discount,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSalesBillView(bill))
}

func (h *Handler) handleGetSalesBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	bill, err := h.service.GetSalesBill(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSalesBillView(bill))
}

func (h *Handler) handleListSalesBills(w http.ResponseWriter, r *http.Request) {
	req, err := listRequest(r, "customer_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	bills, err := h.service.ListSalesBills(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]salesBillView, 0, len(bills))
	for _, b := range bills {
		views = append(views, newSalesBillView(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bills": views})
}

// --- payments ---

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	details, err := toPaymentDetails(req.paymentDetailsRequest, "date")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	result, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		Party:          PartyRef{Type: PartyType(req.PartyType), ID: req.PartyID},
		Details:        details,
		PriorityBillID: req.PriorityBillID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	partyID, err := parseInt(q.Get("party_id"), "party_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	payments, err := h.service.ListPayments(r.Context(), ListPaymentsRequest{
		Party:  PartyRef{Type: PartyType(q.Get("party_type")), ID: partyID},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if payments == nil {
		payments = []Payment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (h *Handler) handleDeletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeletePayment(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- outstanding ---

func (h *Handler) handleOutstanding(w http.ResponseWriter, r *http.Request) {
	partyID, err := parseInt(chi.URLParam(r, "partyID"), "party_id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	party := PartyRef{Type: PartyType(chi.URLParam(r, "partyType")), ID: partyID}
	summary, err := h.service.Outstanding(r.Context(), party)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outstandingView{
		OutstandingSummary: summary,
		PartyType:          party.Type,
		TotalDisplay:       ledger.FormatAmount(summary.TotalOutstanding),
	})
}

// --- helpers ---

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			h.respondError(w, r, &ledger.ValidationError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " check"})
			return false
		}
		h.respondError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := parseInt(chi.URLParam(r, name), name)
	if err != nil {
		h.respondError(w, r, err)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, _, ok := statusFor(err)
	if !ok || status >= http.StatusInternalServerError {
		h.logger.Error("billing request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	httpx.RespondError(w, err, statusFor)
}

func statusFor(err error) (int, string, bool) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "Validation Failed", true
	case errors.Is(err, ledger.ErrDuplicateBill):
		return http.StatusConflict, "Duplicate Bill", true
	case errors.Is(err, ledger.ErrReference), errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Not Found", true
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Already Processed", true
	case errors.Is(err, ErrPartyBusy):
		return http.StatusLocked, "Party Busy", true
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable, "Try Again", true
	}
	return 0, "", false
}

func parseInt(raw, field string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0, &ledger.ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	return v, nil
}

func parseDate(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(ledger.DateLayout, raw)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: field, Reason: "must be YYYY-MM-DD"}
	}
	return t, nil
}

func pagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := 50, 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 500 {
			return 0, 0, &ledger.ValidationError{Field: "limit", Reason: "must be between 1 and 500"}
		}
		limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, &ledger.ValidationError{Field: "offset", Reason: "must not be negative"}
		}
		offset = v
	}
	return limit, offset, nil
}

func listRequest(r *http.Request, partyParam string) (ListBillsRequest, error) {
	q := r.URL.Query()
	var req ListBillsRequest
	if raw := q.Get(partyParam); raw != "" {
		id, err := parseInt(raw, partyParam)
		if err != nil {
			return req, err
		}
		req.PartyID = id
	}
	var err error
	if req.FromDate, err = parseDate(q.Get("from"), "from"); err != nil {
		return req, err
	}
	if req.ToDate, err = parseDate(q.Get("to"), "to"); err != nil {
		return req, err
	}
	req.OpenOnly = q.Get("open") == "true"
	req.Limit, req.Offset, err = pagination(r)
	return req, err
}

func toDeductions(in []deductionRequest) []ledger.Deduction {
	if in == nil {
		return nil
	}
	out := make([]ledger.Deduction, len(in))
	for i, d := range in {
		out[i] = ledger.Deduction{Label: d.Label, Amount: d.Amount}
	}
	return out
}

func toLineItems(in []lineItemRequest) []ledger.LineItem {
	if in == nil {
		return nil
	}
	out := make([]ledger.LineItem, len(in))
	for i, it := range in {
		out[i] = ledger.LineItem{
			VarietyID:         it.VarietyID,
			Quantity:          ledger.Quantity{Crates: it.Crates, LooseWeight: it.LooseWeight},
			ActualWeight:      it.ActualWeight,
			RatePerUnitWeight: it.Rate,
		}
	}
	return out
}

func toPaymentDetails(in paymentDetailsRequest, field string) (PaymentDetails, error) {
	date, err := parseDate(in.Date, field)
	if err != nil {
		return PaymentDetails{}, err
	}
	return PaymentDetails{
		Date:            date,
		Amount:          in.Amount,
		Method:          in.Method,
		ReferenceNumber: in.ReferenceNumber,
		Notes:           in.Notes,
	}, nil
}
