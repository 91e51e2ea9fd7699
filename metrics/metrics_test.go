package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/bonus/store"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "conflict", Outcome(&bonus.ConflictError{CustomerKey: "c1", Err: context.DeadlineExceeded}))
	assert.Equal(t, "not_found", Outcome(fmt.Errorf("lookup: %w", bonus.ErrCustomerNotFound)))
	assert.Equal(t, "rejected", Outcome(bonus.ErrValidation))
	assert.Equal(t, "error", Outcome(errors.New("disk on fire")))
}

func TestObserver_CountsUnitsAndConflicts(t *testing.T) {
	// GIVEN an observer for a tenant nobody else uses
	o := NewObserver("t-observer")

	// WHEN two units and a lock timeout are reported
	o.ObserveUnit(bonus.OpAppend, 3*time.Millisecond, nil)
	o.ObserveUnit(bonus.OpAppend, time.Millisecond, bonus.ErrValidation)
	o.ObserveLockWait(bonus.OpAppend, time.Second, bonus.ErrConcurrencyConflict)
	o.ObserveLockWait(bonus.OpAppend, time.Microsecond, nil)

	// THEN each outcome has its own series
	assert.Equal(t, 1.0, testutil.ToFloat64(UnitsTotal.WithLabelValues("t-observer", "append", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(UnitsTotal.WithLabelValues("t-observer", "append", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(LockConflicts.WithLabelValues("t-observer")))
}

func TestObserver_DriftFromLedger(t *testing.T) {
	// GIVEN a ledger whose cached totals were tampered with
	ctx := context.Background()
	s := store.NewMemory()
	l := bonus.NewLedger(s, bonus.Options{Observer: NewObserver("t-drift")})

	c, err := l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Ana", BonusStartupValue: decimal.NewFromInt(10)})
	require.NoError(t, err)

	c.TotalBonusRemaining = decimal.NewFromInt(999)
	require.NoError(t, s.UpdateCustomer(ctx, c))

	// WHEN the customer is recomputed
	_, err = l.Recompute(ctx, c.Key)
	require.NoError(t, err)

	// THEN the drift is counted once for that tenant
	assert.Equal(t, 1.0, testutil.ToFloat64(DriftTotal.WithLabelValues("t-drift")))
	assert.Equal(t, 1.0, testutil.ToFloat64(UnitsTotal.WithLabelValues("t-drift", "recompute", "ok")))
}
