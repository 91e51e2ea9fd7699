/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the HTTP contract, decoupled from the
  ledger types so fields can be renamed without touching the engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount is a shopspring decimal. Responses encode it as a JSON
  string ("12.50"); requests accept either a string or a number.

TIMESTAMPS:
  RFC3339 with nanoseconds, UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - pos/service.go: Request shapes these map onto
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/pos"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CustomerRefRequest names a customer. The first non-empty field wins, in
// the order customer_key, card_number, name.
type CustomerRefRequest struct {
	Key        string `json:"customer_key,omitempty"`
	CardNumber string `json:"card_number,omitempty"`
	Name       string `json:"name,omitempty"`
}

func (r CustomerRefRequest) identifier() bonus.CustomerIdentifier {
	return bonus.CustomerIdentifier{
		Key:        bonus.CustomerKey(r.Key),
		CardNumber: r.CardNumber,
		Name:       r.Name,
	}
}

type CreateCustomerRequest struct {
	Key                 string          `json:"customer_key,omitempty"`
	Name                string          `json:"name"`
	CardNumber          string          `json:"card_number,omitempty"`
	BonusStartupValue   decimal.Decimal `json:"bonus_startup_value"`
	SpecialBonusPercent decimal.Decimal `json:"special_bonus_percent"`
}

// UpdateBaseRequest sets either or both base parameters.
type UpdateBaseRequest struct {
	BonusStartupValue   *decimal.Decimal `json:"bonus_startup_value,omitempty"`
	SpecialBonusPercent *decimal.Decimal `json:"special_bonus_percent,omitempty"`
}

type SaleRequest struct {
	Customer       CustomerRefRequest `json:"customer"`
	BranchID       string             `json:"branch_id,omitempty"`
	OrderKey       string             `json:"order_key,omitempty"`
	PaymentKey     string             `json:"payment_key,omitempty"`
	Amount         decimal.Decimal    `json:"amount"`
	BonusPercent   *decimal.Decimal   `json:"bonus_percent,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Note           string             `json:"note,omitempty"`
}

type CollectionRequest struct {
	Customer       CustomerRefRequest `json:"customer"`
	BranchID       string             `json:"branch_id,omitempty"`
	OrderKey       string             `json:"order_key,omitempty"`
	PaymentKey     string             `json:"payment_key,omitempty"`
	Amount         decimal.Decimal    `json:"amount"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Note           string             `json:"note,omitempty"`
}

type AdjustmentRequest struct {
	Customer       CustomerRefRequest `json:"customer"`
	BranchID       string             `json:"branch_id,omitempty"`
	BonusEarned    decimal.Decimal    `json:"bonus_earned"`
	BonusUsed      decimal.Decimal    `json:"bonus_used"`
	Note           string             `json:"note"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// PatchRequest is a partial update; absent fields keep their value.
type PatchRequest struct {
	BranchID    *string          `json:"branch_id,omitempty"`
	OrderKey    *string          `json:"order_key,omitempty"`
	PaymentKey  *string          `json:"payment_key,omitempty"`
	AmountDue   *decimal.Decimal `json:"amount_due,omitempty"`
	BonusEarned *decimal.Decimal `json:"bonus_earned,omitempty"`
	BonusUsed   *decimal.Decimal `json:"bonus_used,omitempty"`
	LineDeleted *bool            `json:"line_deleted,omitempty"`
	Type        *string          `json:"type,omitempty"`
	Note        *string          `json:"note,omitempty"`
}

func (p PatchRequest) patch() bonus.Patch {
	return bonus.Patch{
		BranchID:    p.BranchID,
		OrderKey:    p.OrderKey,
		PaymentKey:  p.PaymentKey,
		AmountDue:   p.AmountDue,
		BonusEarned: p.BonusEarned,
		BonusUsed:   p.BonusUsed,
		LineDeleted: p.LineDeleted,
		Type:        p.Type,
		Note:        p.Note,
	}
}

// AmendRequest addresses a row by id, or by order_key plus customer_key.
// AmendRequest addresses a row by id, or by order_key plus any customer
// identifier.
type AmendRequest struct {
	ID       string             `json:"id,omitempty"`
	OrderKey string             `json:"order_key,omitempty"`
	Customer CustomerRefRequest `json:"customer"`
	Patch    PatchRequest       `json:"patch"`
}

func (r AmendRequest) ref() bonus.TransactionRef {
	return bonus.TransactionRef{
		ID:       bonus.TransactionID(r.ID),
		OrderKey: r.OrderKey,
		Customer: r.Customer.identifier(),
	}
}

// =============================================================================
// RESPONSES
// =============================================================================

type CustomerDTO struct {
	Key                 string          `json:"customer_key"`
	Name                string          `json:"name"`
	CardNumber          string          `json:"card_number,omitempty"`
	BonusStartupValue   decimal.Decimal `json:"bonus_startup_value"`
	SpecialBonusPercent decimal.Decimal `json:"special_bonus_percent"`
	TotalBonusEarned    decimal.Decimal `json:"total_bonus_earned"`
	TotalBonusUsed      decimal.Decimal `json:"total_bonus_used"`
	TotalBonusRemaining decimal.Decimal `json:"total_bonus_remaining"`
	CreatedAt           string          `json:"created_at"`
	EditedAt            string          `json:"edited_at"`
}

// BalanceDTO is returned by every successful mutation.
type BalanceDTO struct {
	CustomerKey         string          `json:"customer_key"`
	BonusStartupValue   decimal.Decimal `json:"bonus_startup_value"`
	TotalBonusEarned    decimal.Decimal `json:"total_bonus_earned"`
	TotalBonusUsed      decimal.Decimal `json:"total_bonus_used"`
	TotalBonusRemaining decimal.Decimal `json:"total_bonus_remaining"`
}

type TransactionDTO struct {
	ID             string          `json:"id"`
	CustomerKey    string          `json:"customer_key"`
	BranchID       string          `json:"branch_id,omitempty"`
	OrderKey       string          `json:"order_key,omitempty"`
	PaymentKey     string          `json:"payment_key,omitempty"`
	AmountDue      decimal.Decimal `json:"amount_due"`
	BonusEarned    decimal.Decimal `json:"bonus_earned"`
	BonusUsed      decimal.Decimal `json:"bonus_used"`
	LineDeleted    bool            `json:"line_deleted"`
	Type           string          `json:"type"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	AddedAt        string          `json:"added_at"`
	EditedAt       string          `json:"edited_at"`
}

type ReceiptDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     BalanceDTO     `json:"balance"`
}

type TotalsDTO struct {
	Earned    decimal.Decimal `json:"total_bonus_earned"`
	Used      decimal.Decimal `json:"total_bonus_used"`
	Remaining decimal.Decimal `json:"total_bonus_remaining"`
}

type DriftDTO struct {
	CustomerKey string    `json:"customer_key"`
	Drifted     bool      `json:"drifted"`
	Cached      TotalsDTO `json:"cached"`
	Derived     TotalsDTO `json:"derived"`
}

type RecomputeReportDTO struct {
	Customers int               `json:"customers"`
	Drifted   []string          `json:"drifted"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

type HealthDTO struct {
	Status  string            `json:"status"`
	Tenants map[string]string `json:"tenants"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toCustomerDTO(c bonus.Customer) CustomerDTO {
	return CustomerDTO{
		Key:                 string(c.Key),
		Name:                c.Name,
		CardNumber:          c.CardNumber,
		BonusStartupValue:   c.BonusStartupValue,
		SpecialBonusPercent: c.SpecialBonusPercent,
		TotalBonusEarned:    c.TotalBonusEarned,
		TotalBonusUsed:      c.TotalBonusUsed,
		TotalBonusRemaining: c.TotalBonusRemaining,
		CreatedAt:           formatTime(c.CreatedAt),
		EditedAt:            formatTime(c.EditedAt),
	}
}

func toBalanceDTO(b pos.Balance) BalanceDTO {
	return BalanceDTO{
		CustomerKey:         string(b.CustomerKey),
		BonusStartupValue:   b.BonusStartupValue,
		TotalBonusEarned:    b.TotalBonusEarned,
		TotalBonusUsed:      b.TotalBonusUsed,
		TotalBonusRemaining: b.TotalBonusRemaining,
	}
}

func toTransactionDTO(tx bonus.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		CustomerKey:    string(tx.CustomerKey),
		BranchID:       tx.BranchID,
		OrderKey:       tx.OrderKey,
		PaymentKey:     tx.PaymentKey,
		AmountDue:      tx.AmountDue,
		BonusEarned:    tx.BonusEarned,
		BonusUsed:      tx.BonusUsed,
		LineDeleted:    tx.LineDeleted,
		Type:           tx.Type,
		Note:           tx.Note,
		IdempotencyKey: tx.IdempotencyKey,
		AddedAt:        formatTime(tx.AddedAt),
		EditedAt:       formatTime(tx.EditedAt),
	}
}

func toReceiptDTO(r pos.Receipt) ReceiptDTO {
	return ReceiptDTO{
		Transaction: toTransactionDTO(r.Transaction),
		Balance:     toBalanceDTO(r.Balance),
	}
}

func toTotalsDTO(t bonus.Totals) TotalsDTO {
	return TotalsDTO{Earned: t.Earned, Used: t.Used, Remaining: t.Remaining}
}

func toDriftDTO(d bonus.Drift) DriftDTO {
	return DriftDTO{
		CustomerKey: string(d.CustomerKey),
		Drifted:     d.Drifted(),
		Cached:      toTotalsDTO(d.Cached),
		Derived:     toTotalsDTO(d.Derived),
	}
}

func toReportDTO(r bonus.RecomputeReport) RecomputeReportDTO {
	out := RecomputeReportDTO{Customers: r.Customers, Drifted: make([]string, 0, len(r.Drifted))}
	for _, k := range r.Drifted {
		out.Drifted = append(out.Drifted, string(k))
	}
	if len(r.Failed) > 0 {
		out.Failed = make(map[string]string, len(r.Failed))
		for k, err := range r.Failed {
			out.Failed[string(k)] = err.Error()
		}
	}
	return out
}
