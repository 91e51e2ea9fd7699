/*
ledger.go - Transaction mutation protocol and units of work

PURPOSE:
  The Ledger is the only writer of customers and transactions. Every
  state transition of a transaction and every change of a customer's base
  parameters runs as one unit of work that ends with a full recomputation
  of the customer's totals.

UNIT OF WORK:
  1. Acquire the per-customer lock (bounded wait -> ErrConcurrencyConflict)
  2. store.WithCustomerTx: open a store transaction holding the row lock
  3. Apply the log change
  4. recompute(): reduce the live rows and write the three totals
  5. Commit. Any error in 3 or 4 rolls both back.

  Success is returned only after commit, so the caller always receives the
  post-transition truth and never needs a second read.

STATE MACHINE:
  create            -> Active
  Active  --update-> Active    (recompute only if bonus fields or flag touched)
  Active  --delete-> Deleted
  Deleted --delete-> Deleted   (idempotent, still recomputes)
  Deleted --restore-> Active   (only with Options.AllowRestore)
  Deleted --update-> rejected with ErrInvalidTransition

CONCURRENCY:
  Operations on different customers never contend in the engine. Operations
  on the same customer queue behind each other on the KeyedLock; the store
  lock additionally protects against writers in other processes.

SEE ALSO:
  - reduce.go: The reduction itself
  - store.go: The locking contract stores implement
  - pos/service.go: The POS flows built on top
*/
package bonus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STATES & OPERATIONS
// =============================================================================

type TxState string

const (
	StateActive  TxState = "active"
	StateDeleted TxState = "deleted"
)

// Op names a unit of work, for observers.
type Op string

const (
	OpCreateCustomer Op = "create_customer"
	OpUpdateBase     Op = "update_base"
	OpAppend         Op = "append"
	OpMutate         Op = "mutate"
	OpSoftDelete     Op = "soft_delete"
	OpRestore        Op = "restore"
	OpRecompute      Op = "recompute"
)

// Observer receives timing and outcome of every unit of work. Implemented
// by the metrics package; a nil Observer is allowed.
type Observer interface {
	ObserveLockWait(op Op, wait time.Duration, err error)
	ObserveUnit(op Op, d time.Duration, err error)
	ObserveDrift(key CustomerKey, d Drift)
}

type nopObserver struct{}

func (nopObserver) ObserveLockWait(Op, time.Duration, error) {}
func (nopObserver) ObserveUnit(Op, time.Duration, error)     {}
func (nopObserver) ObserveDrift(CustomerKey, Drift)          {}

// =============================================================================
// LEDGER
// =============================================================================

type Options struct {
	// LockTimeout bounds the wait for a busy customer. Zero waits on ctx only.
	LockTimeout time.Duration

	// AllowRestore enables the Deleted -> Active transition.
	AllowRestore bool

	Observer Observer
	Clock    func() time.Time
	NewID    func() string
}

// DefaultLockTimeout is used by callers that have no configured value.
const DefaultLockTimeout = 5 * time.Second

type Ledger struct {
	store TxStore
	locks *KeyedLock
	opts  Options
}

func NewLedger(store TxStore, opts Options) *Ledger {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Ledger{store: store, locks: NewKeyedLock(), opts: opts}
}

// unit runs fn as one locked, transactional unit of work for key.
func (l *Ledger) unit(ctx context.Context, op Op, key CustomerKey, fn func(Store) error) (err error) {
	start := time.Now()
	defer func() { l.opts.Observer.ObserveUnit(op, time.Since(start), err) }()

	release, err := l.locks.Acquire(ctx, key, l.opts.LockTimeout)
	l.opts.Observer.ObserveLockWait(op, time.Since(start), err)
	if err != nil {
		return err
	}
	defer release()

	err = l.store.WithCustomerTx(ctx, key, fn)
	return classify(string(op), err)
}

// MaxScale is the number of decimal places every store keeps exactly.
// Amounts and percents with more places are rejected instead of being
// rounded by the database.
const MaxScale = 4

// checkAmount validates a non-negative value that must fit MaxScale.
func checkAmount(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return invalid(field, "must not be negative")
	}
	return checkScale(field, d)
}

func checkScale(field string, d decimal.Decimal) error {
	if !d.Round(MaxScale).Equal(d) {
		return invalid(field, fmt.Sprintf("at most %d decimal places", MaxScale))
	}
	return nil
}

// classify leaves domain errors alone and wraps anything else as a store failure.
func classify(op string, err error) error {
	if err == nil || isDomain(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// CUSTOMER RECORDS
// =============================================================================

// CreateCustomer initializes a ledger record with totals (0, 0, startup).
func (l *Ledger) CreateCustomer(ctx context.Context, in NewCustomer) (c Customer, err error) {
	start := time.Now()
	defer func() { l.opts.Observer.ObserveUnit(OpCreateCustomer, time.Since(start), err) }()

	in.Name = strings.TrimSpace(in.Name)
	in.CardNumber = strings.TrimSpace(in.CardNumber)
	if in.Name == "" {
		return Customer{}, invalid("name", "required")
	}
	if err := checkScale("bonus_startup_value", in.BonusStartupValue); err != nil {
		return Customer{}, err
	}
	if err := checkAmount("special_bonus_percent", in.SpecialBonusPercent); err != nil {
		return Customer{}, err
	}
	if in.Key == "" {
		in.Key = CustomerKey(l.opts.NewID())
	}

	now := l.opts.Clock()
	c = Customer{
		Key:                 in.Key,
		Name:                in.Name,
		CardNumber:          in.CardNumber,
		BonusStartupValue:   in.BonusStartupValue,
		SpecialBonusPercent: in.SpecialBonusPercent,
		TotalBonusEarned:    decimal.Zero,
		TotalBonusUsed:      decimal.Zero,
		TotalBonusRemaining: in.BonusStartupValue,
		CreatedAt:           now,
		EditedAt:            now,
	}

	err = l.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetCustomer(ctx, c.Key); err == nil {
			return ErrDuplicateCustomer
		} else if !IsNotFound(err) {
			return err
		}
		matches, err := s.FindCustomers(ctx, CustomerFilter{Name: c.Name, CardNumber: c.CardNumber})
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			return ErrDuplicateCustomer
		}
		return s.InsertCustomer(ctx, c)
	})
	if err != nil {
		return Customer{}, classify(string(OpCreateCustomer), err)
	}
	return c, nil
}

// UpdateBaseParameters changes the startup value and/or the special bonus
// percent, then recomputes in the same unit.
func (l *Ledger) UpdateBaseParameters(ctx context.Context, key CustomerKey, p BaseParameters) (Customer, error) {
	if key == "" {
		return Customer{}, invalid("customer_key", "required")
	}
	if p.BonusStartupValue != nil {
		if err := checkScale("bonus_startup_value", *p.BonusStartupValue); err != nil {
			return Customer{}, err
		}
	}
	if p.SpecialBonusPercent != nil {
		if err := checkAmount("special_bonus_percent", *p.SpecialBonusPercent); err != nil {
			return Customer{}, err
		}
	}

	var out Customer
	err := l.unit(ctx, OpUpdateBase, key, func(s Store) error {
		c, err := s.GetCustomer(ctx, key)
		if err != nil {
			return err
		}
		if p.BonusStartupValue != nil {
			c.BonusStartupValue = *p.BonusStartupValue
		}
		if p.SpecialBonusPercent != nil {
			c.SpecialBonusPercent = *p.SpecialBonusPercent
		}
		c.EditedAt = l.opts.Clock()
		if err := s.UpdateCustomer(ctx, c); err != nil {
			return err
		}
		out, err = recompute(ctx, s, key, c.EditedAt)
		return err
	})
	return out, err
}

// Customer is a point read of the ledger record.
func (l *Ledger) Customer(ctx context.Context, key CustomerKey) (Customer, error) {
	if key == "" {
		return Customer{}, invalid("customer_key", "required")
	}
	return l.store.GetCustomer(ctx, key)
}

// ResolveCustomer turns an identifier into exactly one customer key.
// Priority: surrogate key, card number, name. Only the first non-empty
// field is consulted.
func (l *Ledger) ResolveCustomer(ctx context.Context, id CustomerIdentifier) (CustomerKey, error) {
	switch {
	case id.Key != "":
		c, err := l.store.GetCustomer(ctx, id.Key)
		if err != nil {
			return "", err
		}
		return c.Key, nil
	case strings.TrimSpace(id.CardNumber) != "":
		return l.resolveOne(ctx, CustomerFilter{CardNumber: strings.TrimSpace(id.CardNumber)})
	case strings.TrimSpace(id.Name) != "":
		return l.resolveOne(ctx, CustomerFilter{Name: strings.TrimSpace(id.Name)})
	default:
		return "", invalid("customer", "an identifier (key, card number or name) is required")
	}
}

func (l *Ledger) resolveOne(ctx context.Context, f CustomerFilter) (CustomerKey, error) {
	matches, err := l.store.FindCustomers(ctx, f)
	if err != nil {
		return "", classify("resolve customer", err)
	}
	switch len(matches) {
	case 0:
		return "", ErrCustomerNotFound
	case 1:
		return matches[0].Key, nil
	default:
		return "", ErrAmbiguousIdentifier
	}
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

// Append inserts an Active row and recomputes the owner's totals.
// A repeated IdempotencyKey returns the existing row instead of a second one.
func (l *Ledger) Append(ctx context.Context, in NewTransaction) (Transaction, Customer, error) {
	if in.CustomerKey == "" {
		return Transaction{}, Customer{}, invalid("customer_key", "required")
	}
	if err := checkAmount("bonus_earned", in.BonusEarned); err != nil {
		return Transaction{}, Customer{}, err
	}
	if err := checkAmount("bonus_used", in.BonusUsed); err != nil {
		return Transaction{}, Customer{}, err
	}
	if err := checkScale("amount_due", in.AmountDue); err != nil {
		return Transaction{}, Customer{}, err
	}

	var (
		tx  Transaction
		rec Customer
	)
	err := l.unit(ctx, OpAppend, in.CustomerKey, func(s Store) error {
		now := l.opts.Clock()
		if in.IdempotencyKey != "" {
			existing, err := s.FindTransactionByIdempotencyKey(ctx, in.CustomerKey, in.IdempotencyKey)
			switch {
			case err == nil:
				tx = existing
				rec, err = recompute(ctx, s, in.CustomerKey, now)
				return err
			case !IsNotFound(err):
				return err
			}
		}

		if in.BonusFor != nil {
			c, err := s.GetCustomer(ctx, in.CustomerKey)
			if err != nil {
				return err
			}
			if in.BonusEarned, in.BonusUsed, err = in.BonusFor(c); err != nil {
				return err
			}
			if err := checkAmount("bonus_earned", in.BonusEarned); err != nil {
				return err
			}
			if err := checkAmount("bonus_used", in.BonusUsed); err != nil {
				return err
			}
		}

		tx = Transaction{
			ID:             TransactionID(l.opts.NewID()),
			CustomerKey:    in.CustomerKey,
			BranchID:       in.BranchID,
			OrderKey:       in.OrderKey,
			PaymentKey:     in.PaymentKey,
			AmountDue:      in.AmountDue,
			BonusEarned:    in.BonusEarned,
			BonusUsed:      in.BonusUsed,
			Type:           in.Type,
			Note:           in.Note,
			IdempotencyKey: in.IdempotencyKey,
			AddedAt:        now,
			EditedAt:       now,
		}
		if err := s.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		var err error
		rec, err = recompute(ctx, s, in.CustomerKey, now)
		return err
	})
	if err != nil {
		return Transaction{}, Customer{}, err
	}
	return tx, rec, nil
}

// Mutate applies a partial update. Recomputes when the patch touches
// BonusEarned, BonusUsed or LineDeleted; otherwise the returned record is
// the current one, read inside the same unit.
func (l *Ledger) Mutate(ctx context.Context, ref TransactionRef, p Patch) (Transaction, Customer, error) {
	return l.transition(ctx, OpMutate, ref, p)
}

// SoftDelete flags the row as deleted. Deleting a deleted row succeeds.
func (l *Ledger) SoftDelete(ctx context.Context, ref TransactionRef) (Transaction, Customer, error) {
	deleted := true
	return l.transition(ctx, OpSoftDelete, ref, Patch{LineDeleted: &deleted})
}

// Restore moves a Deleted row back to Active. Requires Options.AllowRestore.
func (l *Ledger) Restore(ctx context.Context, ref TransactionRef) (Transaction, Customer, error) {
	active := false
	return l.transition(ctx, OpRestore, ref, Patch{LineDeleted: &active})
}

func (l *Ledger) transition(ctx context.Context, op Op, ref TransactionRef, p Patch) (Transaction, Customer, error) {
	if err := validatePatch(p); err != nil {
		return Transaction{}, Customer{}, err
	}

	// The owner of a row never changes, so locating it outside the unit is
	// safe; the row itself is re-read under the lock.
	owner, err := l.ownerOf(ctx, ref)
	if err != nil {
		return Transaction{}, Customer{}, err
	}

	var (
		tx  Transaction
		rec Customer
	)
	err = l.unit(ctx, op, owner, func(s Store) error {
		cur, err := l.locate(ctx, s, owner, ref)
		if err != nil {
			return err
		}
		if err := l.checkTransition(cur, p); err != nil {
			return err
		}

		now := l.opts.Clock()
		tx = p.apply(cur)
		tx.EditedAt = now
		if err := s.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		if !p.TouchesBalance() {
			rec, err = s.GetCustomer(ctx, owner)
			return err
		}
		rec, err = recompute(ctx, s, owner, now)
		return err
	})
	if err != nil {
		return Transaction{}, Customer{}, err
	}
	return tx, rec, nil
}

func validatePatch(p Patch) error {
	if p.IsEmpty() {
		return invalid("patch", "no fields to update")
	}
	if p.BonusEarned != nil {
		if err := checkAmount("bonus_earned", *p.BonusEarned); err != nil {
			return err
		}
	}
	if p.BonusUsed != nil {
		if err := checkAmount("bonus_used", *p.BonusUsed); err != nil {
			return err
		}
	}
	if p.AmountDue != nil {
		return checkScale("amount_due", *p.AmountDue)
	}
	return nil
}

func (l *Ledger) checkTransition(cur Transaction, p Patch) error {
	if cur.State() == StateActive {
		return nil
	}
	// Deleted rows accept only the delete flag itself.
	onlyFlag := Patch{LineDeleted: p.LineDeleted}
	if p != onlyFlag {
		return &TransitionError{ID: cur.ID, From: StateDeleted, Reason: "deleted transactions cannot be edited"}
	}
	if !*p.LineDeleted && !l.opts.AllowRestore {
		return &TransitionError{ID: cur.ID, From: StateDeleted, Reason: "restore is disabled"}
	}
	return nil
}

func (l *Ledger) ownerOf(ctx context.Context, ref TransactionRef) (CustomerKey, error) {
	if ref.byID() {
		tx, err := l.store.GetTransaction(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		return tx.CustomerKey, nil
	}
	if ref.OrderKey == "" || ref.Customer.IsZero() {
		return "", invalid("transaction", "id or order key with customer required")
	}
	return l.ResolveCustomer(ctx, ref.Customer)
}

// locate finds the row for ref inside the unit. For the alternate key a
// single live row wins; with no live row a single deleted row is returned
// so that delete stays idempotent and restore can find it.
func (l *Ledger) locate(ctx context.Context, s Store, owner CustomerKey, ref TransactionRef) (Transaction, error) {
	if ref.byID() {
		return s.GetTransaction(ctx, ref.ID)
	}
	rows, err := s.FindTransactionsByOrder(ctx, owner, ref.OrderKey)
	if err != nil {
		return Transaction{}, err
	}
	var live, dead []Transaction
	for _, r := range rows {
		if r.LineDeleted {
			dead = append(dead, r)
		} else {
			live = append(live, r)
		}
	}
	switch {
	case len(live) == 1:
		return live[0], nil
	case len(live) > 1:
		return Transaction{}, ErrAmbiguousIdentifier
	case len(dead) == 1:
		return dead[0], nil
	case len(dead) > 1:
		return Transaction{}, ErrAmbiguousIdentifier
	default:
		return Transaction{}, ErrTransactionNotFound
	}
}

// CustomerKeys lists every customer in the partition, sorted.
func (l *Ledger) CustomerKeys(ctx context.Context) ([]CustomerKey, error) {
	keys, err := l.store.ListCustomerKeys(ctx)
	if err != nil {
		return nil, classify("list customers", err)
	}
	return keys, nil
}

// Transactions returns the customer's rows ordered by AddedAt.
func (l *Ledger) Transactions(ctx context.Context, key CustomerKey, includeDeleted bool) ([]Transaction, error) {
	if _, err := l.store.GetCustomer(ctx, key); err != nil {
		return nil, err
	}
	return l.store.Transactions(ctx, key, includeDeleted)
}

// =============================================================================
// RECOMPUTATION ENTRY POINTS
// =============================================================================

// Recompute re-derives a customer's totals under the lock. Safe to repeat.
func (l *Ledger) Recompute(ctx context.Context, key CustomerKey) (Customer, error) {
	c, _, err := l.repair(ctx, key)
	return c, err
}

// repair recomputes and reports what the record held before the write.
func (l *Ledger) repair(ctx context.Context, key CustomerKey) (Customer, Drift, error) {
	var (
		out Customer
		d   Drift
	)
	err := l.unit(ctx, OpRecompute, key, func(s Store) error {
		var err error
		d, err = derive(ctx, s, key)
		if err != nil {
			return err
		}
		out, err = recompute(ctx, s, key, l.opts.Clock())
		return err
	})
	if err != nil {
		return Customer{}, Drift{}, err
	}
	if d.Drifted() {
		l.opts.Observer.ObserveDrift(key, d)
	}
	return out, d, nil
}

// RecomputeAll sweeps every customer in the partition. Individual failures
// are collected in the report; only listing failures abort the sweep.
func (l *Ledger) RecomputeAll(ctx context.Context) (RecomputeReport, error) {
	keys, err := l.CustomerKeys(ctx)
	if err != nil {
		return RecomputeReport{}, err
	}

	report := RecomputeReport{Failed: make(map[CustomerKey]error)}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Customers++

		_, d, err := l.repair(ctx, key)
		if err != nil {
			report.Failed[key] = err
			continue
		}
		if d.Drifted() {
			report.Drifted = append(report.Drifted, key)
		}
	}
	return report, nil
}

// Verify compares cached totals with the reduction, without writing.
func (l *Ledger) Verify(ctx context.Context, key CustomerKey) (Drift, error) {
	var d Drift
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		d, err = derive(ctx, s, key)
		return err
	})
	if err != nil {
		return Drift{}, classify("verify", err)
	}
	return d, nil
}
