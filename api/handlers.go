/*
handlers.go - HTTP API handlers for the bonus ledger

PURPOSE:
  Exposes the point-of-sale flows and the ledger maintenance operations
  via REST. Handles HTTP request/response and JSON, and delegates to the
  tenant's pos.Service.

ENDPOINTS:
  Customers:
    POST   /api/customers                         Create customer
    GET    /api/customers/lookup?key=|card=|name= Resolve and read
    GET    /api/customers/{key}                   Read ledger record
    PUT    /api/customers/{key}/base              Update base parameters
    GET    /api/customers/{key}/transactions      History (?include_deleted=true)
    POST   /api/customers/{key}/recompute         Recompute now
    GET    /api/customers/{key}/verify            Compare cache with log

  POS:
    POST   /api/sales                             Record a sale
    POST   /api/collections                       Record a collection
    POST   /api/adjustments                       Manual correction

  Transactions:
    POST   /api/transactions/amend                Patch by id or alternate key
    PATCH  /api/transactions/{id}                 Patch by id
    DELETE /api/transactions/{id}                 Soft delete
    POST   /api/transactions/{id}/restore         Undo soft delete

  Admin:
    POST   /api/admin/recompute                   Sweep the tenant

REQUEST FLOW:
  1. Tenant middleware picks the pos.Service from X-API-Key
  2. Decode the JSON body
  3. Call the service (one locked unit of work)
  4. Answer with the fresh balance

ERROR HANDLING:
  See errors.go: 400 validation, 404 not found, 409 duplicate, ambiguous
  or invalid transition, 409 retryable for busy customers, 503 retryable
  for recompute and store failures, 500 otherwise.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/pos"
	"github.com/warp/bonus-ledger/tenant"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Tenants *tenant.Registry
	log     *zap.Logger
}

func NewHandler(tenants *tenant.Registry, log *zap.Logger) *Handler {
	return &Handler{Tenants: tenants, log: log}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := serviceFrom(r).CreateCustomer(r.Context(), bonus.NewCustomer{
		Key:                 bonus.CustomerKey(req.Key),
		Name:                req.Name,
		CardNumber:          req.CardNumber,
		BonusStartupValue:   req.BonusStartupValue,
		SpecialBonusPercent: req.SpecialBonusPercent,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// LookupCustomer resolves ?key=, ?card= or ?name= and returns the record.
func (h *Handler) LookupCustomer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := bonus.CustomerIdentifier{
		Key:        bonus.CustomerKey(q.Get("key")),
		CardNumber: q.Get("card"),
		Name:       q.Get("name"),
	}
	c, err := serviceFrom(r).GetCustomerLedger(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := bonus.CustomerIdentifier{Key: customerKey(r)}
	c, err := serviceFrom(r).GetCustomerLedger(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

func (h *Handler) UpdateBase(w http.ResponseWriter, r *http.Request) {
	var req UpdateBaseRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := serviceFrom(r).UpdateBaseParameters(r.Context(), customerKey(r), bonus.BaseParameters{
		BonusStartupValue:   req.BonusStartupValue,
		SpecialBonusPercent: req.SpecialBonusPercent,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))

	txs, err := serviceFrom(r).History(r.Context(), customerKey(r), includeDeleted)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RecomputeCustomer(w http.ResponseWriter, r *http.Request) {
	b, err := serviceFrom(r).Recompute(r.Context(), customerKey(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) VerifyCustomer(w http.ResponseWriter, r *http.Request) {
	d, err := serviceFrom(r).Verify(r.Context(), customerKey(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftDTO(d))
}

// =============================================================================
// POS HANDLERS
// =============================================================================

func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := serviceFrom(r).RecordSale(r.Context(), pos.SaleRequest{
		Customer:       req.Customer.identifier(),
		BranchID:       req.BranchID,
		OrderKey:       req.OrderKey,
		PaymentKey:     req.PaymentKey,
		Amount:         req.Amount,
		BonusPercent:   req.BonusPercent,
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

func (h *Handler) RecordCollection(w http.ResponseWriter, r *http.Request) {
	var req CollectionRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := serviceFrom(r).RecordCollection(r.Context(), pos.CollectionRequest{
		Customer:       req.Customer.identifier(),
		BranchID:       req.BranchID,
		OrderKey:       req.OrderKey,
		PaymentKey:     req.PaymentKey,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

func (h *Handler) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := serviceFrom(r).RecordAdjustment(r.Context(), pos.AdjustmentRequest{
		Customer:       req.Customer.identifier(),
		BranchID:       req.BranchID,
		BonusEarned:    req.BonusEarned,
		BonusUsed:      req.BonusUsed,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// AmendTransaction patches a row addressed in the body, which allows the
// (order_key, customer) alternate key.
func (h *Handler) AmendTransaction(w http.ResponseWriter, r *http.Request) {
	var req AmendRequest
	if !decode(w, r, &req) {
		return
	}
	h.amend(w, r, req.ref(), req.Patch)
}

func (h *Handler) PatchTransaction(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if !decode(w, r, &req) {
		return
	}
	h.amend(w, r, transactionRef(r), req)
}

func (h *Handler) amend(w http.ResponseWriter, r *http.Request, ref bonus.TransactionRef, p PatchRequest) {
	receipt, err := serviceFrom(r).AmendTransaction(r.Context(), ref, p.patch())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	receipt, err := serviceFrom(r).DeleteTransaction(r.Context(), transactionRef(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

func (h *Handler) RestoreTransaction(w http.ResponseWriter, r *http.Request) {
	receipt, err := serviceFrom(r).RestoreTransaction(r.Context(), transactionRef(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

// =============================================================================
// ADMIN & HEALTH
// =============================================================================

func (h *Handler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	report, err := serviceFrom(r).RecomputeAll(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// Health pings every opened tenant store. Unopened tenants are not forced open.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthDTO{Status: "ok", Tenants: make(map[string]string)}
	status := http.StatusOK
	for _, t := range h.Tenants.Opened() {
		if err := t.Ping(r.Context()); err != nil {
			resp.Tenants[t.ID] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Tenants[t.ID] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func customerKey(r *http.Request) bonus.CustomerKey {
	return bonus.CustomerKey(chi.URLParam(r, "key"))
}

func transactionRef(r *http.Request) bonus.TransactionRef {
	return bonus.TransactionRef{ID: bonus.TransactionID(chi.URLParam(r, "id"))}
}
