/*
Package pos implements the point-of-sale flows on top of the bonus ledger.

PURPOSE:
  Turns the commercial events a till produces (sales, collections, manual
  corrections) into transaction rows, and returns the freshly recomputed
  balance with every write so the till never needs a second read.

KEY CONCEPTS:
  - SalePolicy: debit or accrue, chosen per tenant, never guessed
  - Collection-as-earn: a collection of N records BonusEarned = N and
    AmountDue = -N. It never reduces BonusUsed.
  - Receipt: the written row plus the post-recomputation balance

USAGE:
  svc, err := pos.NewService(ledger, pos.PolicyDebit, log)
  receipt, err := svc.RecordSale(ctx, pos.SaleRequest{
      Customer: bonus.CustomerIdentifier{CardNumber: "4711"},
      Amount:   decimal.NewFromInt(1000),
  })

SEE ALSO:
  - bonus/ledger.go: Units of work and the mutation protocol
  - api/handlers.go: HTTP transport for these flows
*/
package pos

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/bonus"
)

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

type SaleRequest struct {
	Customer   bonus.CustomerIdentifier
	BranchID   string
	OrderKey   string
	PaymentKey string
	Amount     decimal.Decimal

	// BonusPercent overrides the customer's rate under the accrue policy.
	BonusPercent *decimal.Decimal

	IdempotencyKey string
	Note           string
}

type CollectionRequest struct {
	Customer       bonus.CustomerIdentifier
	BranchID       string
	OrderKey       string
	PaymentKey     string
	Amount         decimal.Decimal
	IdempotencyKey string
	Note           string
}

// AdjustmentRequest is a manual correction. At least one of BonusEarned and
// BonusUsed must be positive; Note is mandatory.
type AdjustmentRequest struct {
	Customer       bonus.CustomerIdentifier
	BranchID       string
	BonusEarned    decimal.Decimal
	BonusUsed      decimal.Decimal
	Note           string
	IdempotencyKey string
}

// Balance is the set of ledger fields returned after every write.
type Balance struct {
	CustomerKey         bonus.CustomerKey
	BonusStartupValue   decimal.Decimal
	TotalBonusEarned    decimal.Decimal
	TotalBonusUsed      decimal.Decimal
	TotalBonusRemaining decimal.Decimal
}

func balanceOf(c bonus.Customer) Balance {
	return Balance{
		CustomerKey:         c.Key,
		BonusStartupValue:   c.BonusStartupValue,
		TotalBonusEarned:    c.TotalBonusEarned,
		TotalBonusUsed:      c.TotalBonusUsed,
		TotalBonusRemaining: c.TotalBonusRemaining,
	}
}

type Receipt struct {
	Transaction bonus.Transaction
	Balance     Balance
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	ledger *bonus.Ledger
	policy SalePolicy
	log    *zap.Logger
}

func NewService(ledger *bonus.Ledger, policy SalePolicy, log *zap.Logger) (*Service, error) {
	if _, err := ParseSalePolicy(string(policy)); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ledger: ledger, policy: policy, log: log.With(zap.String("sale_policy", string(policy)))}, nil
}

func (s *Service) SalePolicy() SalePolicy { return s.policy }

// Ledger exposes the engine for maintenance callers (auditor, CLI).
func (s *Service) Ledger() *bonus.Ledger { return s.ledger }

// RecordSale writes one sale row according to the configured sale policy.
func (s *Service) RecordSale(ctx context.Context, req SaleRequest) (Receipt, error) {
	if err := requirePositive("amount", req.Amount); err != nil {
		return Receipt{}, err
	}
	if s.policy == PolicyDebit && req.BonusPercent != nil {
		return Receipt{}, &bonus.ValidationError{Field: "bonus_percent", Reason: "not accepted under the debit sale policy"}
	}

	key, err := s.resolve(ctx, req.Customer)
	if err != nil {
		return Receipt{}, err
	}

	in := bonus.NewTransaction{
		CustomerKey:    key,
		BranchID:       req.BranchID,
		OrderKey:       req.OrderKey,
		PaymentKey:     req.PaymentKey,
		AmountDue:      req.Amount,
		Type:           bonus.TypeSale,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	}
	if s.policy == PolicyAccrue && req.BonusPercent == nil {
		// The customer's own rate is read under the customer lock.
		in.BonusFor = func(c bonus.Customer) (decimal.Decimal, decimal.Decimal, error) {
			return s.policy.bonusFor(req.Amount, nil, c.SpecialBonusPercent)
		}
	} else {
		in.BonusEarned, in.BonusUsed, err = s.policy.bonusFor(req.Amount, req.BonusPercent, decimal.Zero)
		if err != nil {
			return Receipt{}, err
		}
	}
	return s.append(ctx, "sale", in)
}

// RecordCollection writes one collection row: BonusEarned = amount,
// AmountDue = -amount.
func (s *Service) RecordCollection(ctx context.Context, req CollectionRequest) (Receipt, error) {
	if err := requirePositive("amount", req.Amount); err != nil {
		return Receipt{}, err
	}
	key, err := s.resolve(ctx, req.Customer)
	if err != nil {
		return Receipt{}, err
	}
	return s.append(ctx, "collection", bonus.NewTransaction{
		CustomerKey:    key,
		BranchID:       req.BranchID,
		OrderKey:       req.OrderKey,
		PaymentKey:     req.PaymentKey,
		AmountDue:      req.Amount.Neg(),
		BonusEarned:    req.Amount,
		Type:           bonus.TypeCollection,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// RecordAdjustment writes a manual correction with explicit bonus values.
func (s *Service) RecordAdjustment(ctx context.Context, req AdjustmentRequest) (Receipt, error) {
	if req.Note == "" {
		return Receipt{}, &bonus.ValidationError{Field: "note", Reason: "required for adjustments"}
	}
	if req.BonusEarned.IsNegative() || req.BonusUsed.IsNegative() {
		return Receipt{}, &bonus.ValidationError{Field: "bonus", Reason: "adjustment values must not be negative"}
	}
	if req.BonusEarned.IsZero() && req.BonusUsed.IsZero() {
		return Receipt{}, &bonus.ValidationError{Field: "bonus", Reason: "earned or used must be set"}
	}
	key, err := s.resolve(ctx, req.Customer)
	if err != nil {
		return Receipt{}, err
	}
	return s.append(ctx, "adjustment", bonus.NewTransaction{
		CustomerKey:    key,
		BranchID:       req.BranchID,
		BonusEarned:    req.BonusEarned,
		BonusUsed:      req.BonusUsed,
		Type:           bonus.TypeAdjustment,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *Service) append(ctx context.Context, kind string, in bonus.NewTransaction) (Receipt, error) {
	start := time.Now()
	tx, rec, err := s.ledger.Append(ctx, in)
	if err != nil {
		s.logFailure("record "+kind, err,
			zap.String("customer_key", string(in.CustomerKey)),
			zap.String("order_key", in.OrderKey))
		return Receipt{}, err
	}
	s.log.Info("recorded "+kind,
		zap.String("customer_key", string(tx.CustomerKey)),
		zap.String("transaction_id", string(tx.ID)),
		zap.Stringer("bonus_earned", tx.BonusEarned),
		zap.Stringer("bonus_used", tx.BonusUsed),
		zap.Stringer("remaining", rec.TotalBonusRemaining),
		zap.Duration("took", time.Since(start)))
	return Receipt{Transaction: tx, Balance: balanceOf(rec)}, nil
}

// =============================================================================
// AMEND / DELETE / RESTORE
// =============================================================================

// AmendTransaction applies a partial update, soft delete included.
func (s *Service) AmendTransaction(ctx context.Context, ref bonus.TransactionRef, p bonus.Patch) (Receipt, error) {
	return s.transition(ctx, "amend", ref, func() (bonus.Transaction, bonus.Customer, error) {
		return s.ledger.Mutate(ctx, ref, p)
	})
}

func (s *Service) DeleteTransaction(ctx context.Context, ref bonus.TransactionRef) (Receipt, error) {
	return s.transition(ctx, "delete", ref, func() (bonus.Transaction, bonus.Customer, error) {
		return s.ledger.SoftDelete(ctx, ref)
	})
}

func (s *Service) RestoreTransaction(ctx context.Context, ref bonus.TransactionRef) (Receipt, error) {
	return s.transition(ctx, "restore", ref, func() (bonus.Transaction, bonus.Customer, error) {
		return s.ledger.Restore(ctx, ref)
	})
}

func (s *Service) transition(ctx context.Context, op string, ref bonus.TransactionRef, fn func() (bonus.Transaction, bonus.Customer, error)) (Receipt, error) {
	tx, rec, err := fn()
	if err != nil {
		s.logFailure(op+" transaction", err, zap.Stringer("ref", ref))
		return Receipt{}, err
	}
	s.log.Info(op+" transaction",
		zap.String("customer_key", string(tx.CustomerKey)),
		zap.String("transaction_id", string(tx.ID)),
		zap.Bool("line_deleted", tx.LineDeleted),
		zap.Stringer("remaining", rec.TotalBonusRemaining))
	return Receipt{Transaction: tx, Balance: balanceOf(rec)}, nil
}

// =============================================================================
// CUSTOMERS & READS
// =============================================================================

// GetCustomerLedger is a read-only snapshot of the resolved customer.
func (s *Service) GetCustomerLedger(ctx context.Context, id bonus.CustomerIdentifier) (bonus.Customer, error) {
	key, err := s.resolve(ctx, id)
	if err != nil {
		return bonus.Customer{}, err
	}
	return s.ledger.Customer(ctx, key)
}

func (s *Service) CreateCustomer(ctx context.Context, in bonus.NewCustomer) (bonus.Customer, error) {
	c, err := s.ledger.CreateCustomer(ctx, in)
	if err != nil {
		s.logFailure("create customer", err, zap.String("name", in.Name))
		return bonus.Customer{}, err
	}
	s.log.Info("created customer",
		zap.String("customer_key", string(c.Key)),
		zap.Stringer("startup", c.BonusStartupValue))
	return c, nil
}

func (s *Service) UpdateBaseParameters(ctx context.Context, key bonus.CustomerKey, p bonus.BaseParameters) (Balance, error) {
	c, err := s.ledger.UpdateBaseParameters(ctx, key, p)
	if err != nil {
		s.logFailure("update base parameters", err, zap.String("customer_key", string(key)))
		return Balance{}, err
	}
	s.log.Info("updated base parameters",
		zap.String("customer_key", string(key)),
		zap.Stringer("remaining", c.TotalBonusRemaining))
	return balanceOf(c), nil
}

// History lists the customer's transactions in the order they were added.
func (s *Service) History(ctx context.Context, key bonus.CustomerKey, includeDeleted bool) ([]bonus.Transaction, error) {
	return s.ledger.Transactions(ctx, key, includeDeleted)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func (s *Service) Recompute(ctx context.Context, key bonus.CustomerKey) (Balance, error) {
	c, err := s.ledger.Recompute(ctx, key)
	if err != nil {
		s.logFailure("recompute", err, zap.String("customer_key", string(key)))
		return Balance{}, err
	}
	return balanceOf(c), nil
}

func (s *Service) RecomputeAll(ctx context.Context) (bonus.RecomputeReport, error) {
	report, err := s.ledger.RecomputeAll(ctx)
	if err != nil {
		s.logFailure("recompute all", err)
		return report, err
	}
	if len(report.Drifted) > 0 || len(report.Failed) > 0 {
		s.log.Warn("recompute sweep repaired records",
			zap.Int("customers", report.Customers),
			zap.Int("drifted", len(report.Drifted)),
			zap.Int("failed", len(report.Failed)))
	} else {
		s.log.Debug("recompute sweep clean", zap.Int("customers", report.Customers))
	}
	return report, nil
}

func (s *Service) Verify(ctx context.Context, key bonus.CustomerKey) (bonus.Drift, error) {
	return s.ledger.Verify(ctx, key)
}

// VerifyAll checks every customer without writing. Only drifted records
// are returned.
func (s *Service) VerifyAll(ctx context.Context) ([]bonus.Drift, error) {
	keys, err := s.ledger.CustomerKeys(ctx)
	if err != nil {
		return nil, err
	}
	var drifted []bonus.Drift
	for _, key := range keys {
		d, err := s.ledger.Verify(ctx, key)
		if err != nil {
			return drifted, err
		}
		if d.Drifted() {
			drifted = append(drifted, d)
		}
	}
	return drifted, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) resolve(ctx context.Context, id bonus.CustomerIdentifier) (bonus.CustomerKey, error) {
	if id.IsZero() {
		return "", &bonus.ValidationError{Field: "customer", Reason: "an identifier (key, card number or name) is required"}
	}
	key, err := s.ledger.ResolveCustomer(ctx, id)
	if err != nil {
		s.logFailure("resolve customer", err,
			zap.String("key", string(id.Key)),
			zap.String("card_number", id.CardNumber),
			zap.String("name", id.Name))
		return "", err
	}
	return key, nil
}

// logFailure logs client errors at warn and everything else at error.
func (s *Service) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err), zap.Bool("retryable", bonus.IsRetryable(err)))
	if bonus.IsClientError(err) || bonus.IsNotFound(err) {
		s.log.Warn(op+" rejected", fields...)
		return
	}
	s.log.Error(op+" failed", fields...)
}

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return &bonus.ValidationError{Field: field, Reason: fmt.Sprintf("must be greater than zero, got %s", v)}
	}
	return nil
}
