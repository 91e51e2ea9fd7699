/*
reduce.go - Full reduction of the transaction log into ledger totals

PURPOSE:
  Computes a customer's three derived fields from the startup value and the
  transaction log. This is the only place totals are calculated.

WHY FULL REDUCTION, NOT remaining += delta:
  An incremental update trusts the previous cached value, so any historical
  error (a crash between the log insert and the balance update, a bad manual
  edit) becomes permanent drift. Re-deriving from the log after every
  mutation heals such errors on the next write, and makes a retried
  recomputation a no-op.

ALGORITHM:
  1. Used      = Σ BonusUsed   over rows with LineDeleted = false
  2. Earned    = Σ BonusEarned over the same rows
  3. Remaining = startup + Earned - Used     (may be negative, never clamped)

SEE ALSO:
  - ledger.go: Runs recompute() inside every unit of work
*/
package bonus

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Reduce derives the ledger totals. Deleted rows are skipped; an empty or
// all-deleted log yields (0, 0, startup).
func Reduce(startup decimal.Decimal, txs []Transaction) Totals {
	earned := decimal.Zero
	used := decimal.Zero
	for _, tx := range txs {
		if tx.LineDeleted {
			continue
		}
		earned = earned.Add(tx.BonusEarned)
		used = used.Add(tx.BonusUsed)
	}
	return Totals{
		Earned:    earned,
		Used:      used,
		Remaining: startup.Add(earned).Sub(used),
	}
}

// recompute runs steps 1-4 against s, which must be the store handle of
// the caller's locked unit of work. It returns the record as written.
func recompute(ctx context.Context, s Store, key CustomerKey, now time.Time) (Customer, error) {
	c, err := s.GetCustomer(ctx, key)
	if err != nil {
		return Customer{}, &RecomputeError{CustomerKey: key, Err: err}
	}
	txs, err := s.Transactions(ctx, key, false)
	if err != nil {
		return Customer{}, &RecomputeError{CustomerKey: key, Err: err}
	}

	t := Reduce(c.BonusStartupValue, txs)
	c.TotalBonusEarned = t.Earned
	c.TotalBonusUsed = t.Used
	c.TotalBonusRemaining = t.Remaining
	c.EditedAt = now

	if err := s.UpdateCustomer(ctx, c); err != nil {
		return Customer{}, &RecomputeError{CustomerKey: key, Err: err}
	}
	return c, nil
}

// derive computes the totals without writing them.
func derive(ctx context.Context, s Store, key CustomerKey) (Drift, error) {
	c, err := s.GetCustomer(ctx, key)
	if err != nil {
		return Drift{}, err
	}
	txs, err := s.Transactions(ctx, key, false)
	if err != nil {
		return Drift{}, err
	}
	return Drift{
		CustomerKey: key,
		Cached:      c.Totals(),
		Derived:     Reduce(c.BonusStartupValue, txs),
	}, nil
}
