/*
Package bonus provides the core bonus ledger engine.

PURPOSE:
  This package owns the data model and the consistency rules of the loyalty
  ledger. Customers accrue and redeem bonus through transactions; each
  customer record caches three derived totals (earned, used, remaining).
  The engine guarantees those totals never drift from the transaction log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: One row of the transaction log (a sale, collection, adjustment)
  - Customer: The ledger record with its startup value and derived totals
  - Patch: Partial update of a transaction
  - TransactionRef / CustomerIdentifier: How callers address rows

DESIGN PRINCIPLES:
  1. Derived, never trusted: totals are re-derived from the log on every write
  2. Precision: Uses decimal.Decimal, never float64, for bonus amounts
  3. Soft delete: Rows are flagged, never physically removed
  4. Type Safety: Distinct key types keep customer and transaction IDs apart

USAGE:
  tx, rec, err := ledger.Append(ctx, bonus.NewTransaction{
      CustomerKey: "c-123",
      BonusUsed:   decimal.NewFromInt(100),
      Type:        bonus.TypeSale,
  })

SEE ALSO:
  - reduce.go: The pure reduction over the log
  - ledger.go: The mutation protocol and units of work
  - store.go: Persistence contracts
*/
package bonus

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerKey string
type TransactionID string

// =============================================================================
// TRANSACTION - One row of the log
// =============================================================================

// Well-known transaction types. Type is free text and never enters the
// balance math; these are only the values the POS flows write.
const (
	TypeSale       = "sale"
	TypeCollection = "collection"
	TypeAdjustment = "adjustment"
)

type Transaction struct {
	ID          TransactionID
	CustomerKey CustomerKey

	// Grouping identifiers, opaque to the engine.
	BranchID   string
	OrderKey   string
	PaymentKey string

	// AmountDue is the signed commercial amount. Informational only.
	AmountDue decimal.Decimal

	BonusEarned decimal.Decimal
	BonusUsed   decimal.Decimal
	LineDeleted bool

	Type           string
	Note           string
	IdempotencyKey string

	AddedAt  time.Time
	EditedAt time.Time
}

// State reports the protocol state of the row.
func (t Transaction) State() TxState {
	if t.LineDeleted {
		return StateDeleted
	}
	return StateActive
}

// NewTransaction is the input of Ledger.Append.
type NewTransaction struct {
	CustomerKey    CustomerKey
	BranchID       string
	OrderKey       string
	PaymentKey     string
	AmountDue      decimal.Decimal
	BonusEarned    decimal.Decimal
	BonusUsed      decimal.Decimal
	Type           string
	Note           string
	IdempotencyKey string

	// BonusFor, when set, computes BonusEarned and BonusUsed from the
	// customer record read inside the unit of work. Rates that depend on
	// the customer's base parameters use it so they cannot race a
	// concurrent UpdateBaseParameters.
	BonusFor func(Customer) (earned, used decimal.Decimal, err error)
}

// Patch is a partial update. Nil fields keep their prior value.
type Patch struct {
	BranchID    *string
	OrderKey    *string
	PaymentKey  *string
	AmountDue   *decimal.Decimal
	BonusEarned *decimal.Decimal
	BonusUsed   *decimal.Decimal
	LineDeleted *bool
	Type        *string
	Note        *string
}

// IsEmpty reports whether the patch sets nothing.
func (p Patch) IsEmpty() bool {
	return p.BranchID == nil && p.OrderKey == nil && p.PaymentKey == nil &&
		p.AmountDue == nil && p.BonusEarned == nil && p.BonusUsed == nil &&
		p.LineDeleted == nil && p.Type == nil && p.Note == nil
}

// TouchesBalance reports whether applying the patch requires recomputation.
func (p Patch) TouchesBalance() bool {
	return p.BonusEarned != nil || p.BonusUsed != nil || p.LineDeleted != nil
}

// apply returns tx with the patch fields copied over.
func (p Patch) apply(tx Transaction) Transaction {
	if p.BranchID != nil {
		tx.BranchID = *p.BranchID
	}
	if p.OrderKey != nil {
		tx.OrderKey = *p.OrderKey
	}
	if p.PaymentKey != nil {
		tx.PaymentKey = *p.PaymentKey
	}
	if p.AmountDue != nil {
		tx.AmountDue = *p.AmountDue
	}
	if p.BonusEarned != nil {
		tx.BonusEarned = *p.BonusEarned
	}
	if p.BonusUsed != nil {
		tx.BonusUsed = *p.BonusUsed
	}
	if p.LineDeleted != nil {
		tx.LineDeleted = *p.LineDeleted
	}
	if p.Type != nil {
		tx.Type = *p.Type
	}
	if p.Note != nil {
		tx.Note = *p.Note
	}
	return tx
}

// TransactionRef addresses a transaction either by ID or by the alternate
// key (OrderKey, Customer). ID wins when both are set. Customer is resolved
// like any other identifier.
type TransactionRef struct {
	ID       TransactionID
	OrderKey string
	Customer CustomerIdentifier
}

func (r TransactionRef) byID() bool { return r.ID != "" }

func (r TransactionRef) String() string {
	if r.byID() {
		return string(r.ID)
	}
	return r.Customer.String() + "/" + r.OrderKey
}

// =============================================================================
// CUSTOMER - The ledger record
// =============================================================================

type Customer struct {
	Key        CustomerKey
	Name       string
	CardNumber string

	// Base parameters. Editing either one triggers recomputation.
	BonusStartupValue   decimal.Decimal
	SpecialBonusPercent decimal.Decimal

	// Derived totals. Written only by the recomputation step.
	TotalBonusEarned    decimal.Decimal
	TotalBonusUsed      decimal.Decimal
	TotalBonusRemaining decimal.Decimal

	CreatedAt time.Time
	EditedAt  time.Time
}

// Totals returns the cached derived fields.
func (c Customer) Totals() Totals {
	return Totals{
		Earned:    c.TotalBonusEarned,
		Used:      c.TotalBonusUsed,
		Remaining: c.TotalBonusRemaining,
	}
}

type NewCustomer struct {
	Key                 CustomerKey // optional; generated when empty
	Name                string
	CardNumber          string
	BonusStartupValue   decimal.Decimal
	SpecialBonusPercent decimal.Decimal
}

// BaseParameters is a partial update of a customer's base parameters.
type BaseParameters struct {
	BonusStartupValue   *decimal.Decimal
	SpecialBonusPercent *decimal.Decimal
}

// CustomerIdentifier is how callers name a customer. Resolution uses the
// first non-empty field in the order Key, CardNumber, Name.
type CustomerIdentifier struct {
	Key        CustomerKey
	CardNumber string
	Name       string
}

func (id CustomerIdentifier) IsZero() bool {
	return id.Key == "" && id.CardNumber == "" && id.Name == ""
}

func (id CustomerIdentifier) String() string {
	switch {
	case id.Key != "":
		return string(id.Key)
	case id.CardNumber != "":
		return "card:" + id.CardNumber
	default:
		return "name:" + id.Name
	}
}

// CustomerFilter selects customers by natural key. Empty fields are ignored;
// set fields are OR-ed.
type CustomerFilter struct {
	Name       string
	CardNumber string
}

// =============================================================================
// TOTALS / DRIFT
// =============================================================================

// Totals are the three derived ledger fields.
type Totals struct {
	Earned    decimal.Decimal
	Used      decimal.Decimal
	Remaining decimal.Decimal
}

func (t Totals) Equal(o Totals) bool {
	return t.Earned.Equal(o.Earned) && t.Used.Equal(o.Used) && t.Remaining.Equal(o.Remaining)
}

// Drift compares what a ledger record caches against what the log says.
type Drift struct {
	CustomerKey CustomerKey
	Cached      Totals
	Derived     Totals
}

func (d Drift) Drifted() bool { return !d.Cached.Equal(d.Derived) }

// RecomputeReport summarizes a RecomputeAll sweep.
type RecomputeReport struct {
	Customers int
	Drifted   []CustomerKey
	Failed    map[CustomerKey]error
}
