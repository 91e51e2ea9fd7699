// Package storetest is the contract suite every bonus.TxStore must pass.
//
// Each store package calls Run from its own tests:
//
//	func TestContract(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) bonus.TxStore { return newTestStore(t) })
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bonus-ledger/bonus"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) bonus.TxStore

// Run executes every contract test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s bonus.TxStore)
	}{
		{"ZeroState", testZeroState},
		{"ReductionAfterMixedOperations", testReduction},
		{"SoftDeleteExcludesAndRestoreReinstates", testSoftDeleteAndRestore},
		{"DeleteIsIdempotent", testDeleteIdempotent},
		{"DeletedRowsRejectEdits", testDeletedRejectsEdits},
		{"RestoreDisabledByDefault", testRestoreDisabled},
		{"AlternateKeyResolution", testAlternateKey},
		{"IdempotencyKeyPreventsDoubleAppend", testIdempotencyKey},
		{"RecomputeIsStable", testRecomputeStable},
		{"ConcurrentSalesSerialize", testConcurrentSales},
		{"ConcurrentLedgersShareStore", testConcurrentLedgers},
		{"EndToEndScenario", testEndToEnd},
		{"RollbackOnRecomputeFailure", testRollback},
		{"DuplicateCustomers", testDuplicateCustomers},
		{"ResolveCustomer", testResolveCustomer},
		{"BaseParameterUpdateRecomputes", testBaseParameters},
		{"RecomputeAllHealsDrift", testRecomputeAll},
		{"HistoryOrdering", testHistory},
		{"UnknownCustomer", testUnknownCustomer},
		{"AmountsKeepFourDecimalPlaces", testScale},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// tickingClock returns strictly increasing times so AddedAt ordering is
// deterministic.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t0 = t0.Add(time.Second)
		return t0
	}
}

func newLedger(s bonus.TxStore, allowRestore bool) *bonus.Ledger {
	return bonus.NewLedger(s, bonus.Options{
		LockTimeout:  10 * time.Second,
		AllowRestore: allowRestore,
		Clock:        tickingClock(),
	})
}

func newCustomer(t *testing.T, l *bonus.Ledger, name, startup string) bonus.Customer {
	t.Helper()
	c, err := l.CreateCustomer(context.Background(), bonus.NewCustomer{
		Name:              name,
		BonusStartupValue: d(startup),
	})
	require.NoError(t, err)
	return c
}

func appendTx(t *testing.T, l *bonus.Ledger, key bonus.CustomerKey, order, earned, used string) bonus.Transaction {
	t.Helper()
	tx, _, err := l.Append(context.Background(), bonus.NewTransaction{
		CustomerKey: key,
		OrderKey:    order,
		BonusEarned: d(earned),
		BonusUsed:   d(used),
		Type:        bonus.TypeAdjustment,
	})
	require.NoError(t, err)
	return tx
}

// AssertTotals checks the three derived fields of c.
func AssertTotals(t *testing.T, c bonus.Customer, earned, used, remaining string) {
	t.Helper()
	assert.True(t, d(earned).Equal(c.TotalBonusEarned), "earned: want %s, got %s", earned, c.TotalBonusEarned)
	assert.True(t, d(used).Equal(c.TotalBonusUsed), "used: want %s, got %s", used, c.TotalBonusUsed)
	assert.True(t, d(remaining).Equal(c.TotalBonusRemaining), "remaining: want %s, got %s", remaining, c.TotalBonusRemaining)
}

// assertConsistent checks the stored record against a fresh reduction.
func assertConsistent(t *testing.T, s bonus.TxStore, key bonus.CustomerKey) {
	t.Helper()
	ctx := context.Background()
	c, err := s.GetCustomer(ctx, key)
	require.NoError(t, err)
	txs, err := s.Transactions(ctx, key, false)
	require.NoError(t, err)
	want := bonus.Reduce(c.BonusStartupValue, txs)
	assert.True(t, want.Equal(c.Totals()), "cached %+v, derived %+v", c.Totals(), want)
}

// =============================================================================
// CONTRACT TESTS
// =============================================================================

func testZeroState(t *testing.T, s bonus.TxStore) {
	l := newLedger(s, false)

	c := newCustomer(t, l, "Zero", "500")
	AssertTotals(t, c, "0", "0", "500")

	stored, err := s.GetCustomer(context.Background(), c.Key)
	require.NoError(t, err)
	AssertTotals(t, stored, "0", "0", "500")
	assert.True(t, d("500").Equal(stored.BonusStartupValue))
}

func testReduction(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "Mixed", "100")

	// GIVEN: a log with earns, uses, a mutation and a delete
	a := appendTx(t, l, c.Key, "o-1", "50", "0")
	b := appendTx(t, l, c.Key, "o-2", "0", "30")
	appendTx(t, l, c.Key, "o-3", "10.25", "5.5")

	_, _, err := l.Mutate(ctx, bonus.TransactionRef{ID: b.ID}, bonus.Patch{BonusUsed: dp("40")})
	require.NoError(t, err)
	_, rec, err := l.SoftDelete(ctx, bonus.TransactionRef{ID: a.ID})
	require.NoError(t, err)

	// THEN: earned 10.25, used 45.5, remaining 100 + 10.25 - 45.5
	AssertTotals(t, rec, "10.25", "45.5", "64.75")
	assertConsistent(t, s, c.Key)
}

func testSoftDeleteAndRestore(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, true)
	c := newCustomer(t, l, "Restorable", "0")

	tx := appendTx(t, l, c.Key, "o-1", "0", "100")

	deleted, rec, err := l.SoftDelete(ctx, bonus.TransactionRef{ID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, bonus.StateDeleted, deleted.State())
	AssertTotals(t, rec, "0", "0", "0")

	restored, rec, err := l.Restore(ctx, bonus.TransactionRef{ID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, bonus.StateActive, restored.State())
	AssertTotals(t, rec, "0", "100", "-100")
	assertConsistent(t, s, c.Key)
}

func testDeleteIdempotent(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "Twice", "10")
	tx := appendTx(t, l, c.Key, "o-1", "5", "0")

	_, first, err := l.SoftDelete(ctx, bonus.TransactionRef{ID: tx.ID})
	require.NoError(t, err)
	_, second, err := l.SoftDelete(ctx, bonus.TransactionRef{ID: tx.ID})
	require.NoError(t, err)

	AssertTotals(t, first, "0", "0", "10")
	AssertTotals(t, second, "0", "0", "10")
}

func testDeletedRejectsEdits(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, true)
	c := newCustomer(t, l, "Frozen", "0")
	tx := appendTx(t, l, c.Key, "o-1", "5", "0")

	_, _, err := l.SoftDelete(ctx, bonus.TransactionRef{ID: tx.ID})
	require.NoError(t, err)

	_, _, err = l.Mutate(ctx, bonus.TransactionRef{ID: tx.ID}, bonus.Patch{BonusEarned: dp("50")})
	assert.ErrorIs(t, err, bonus.ErrInvalidTransition)
	assert.True(t, bonus.IsClientError(err))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, d("5").Equal(got.BonusEarned), "rejected edit must not be written")
}

func testRestoreDisabled(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "NoRestore", "0")
	tx := appendTx(t, l, c.Key, "o-1", "5", "0")

	_, _, err := l.SoftDelete(ctx, bonus.TransactionRef{ID: tx.ID})
	require.NoError(t, err)

	_, _, err = l.Restore(ctx, bonus.TransactionRef{ID: tx.ID})
	assert.ErrorIs(t, err, bonus.ErrInvalidTransition)

	rec, err := s.GetCustomer(ctx, c.Key)
	require.NoError(t, err)
	AssertTotals(t, rec, "0", "0", "0")
}

func testAlternateKey(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "AltKey", "0")

	appendTx(t, l, c.Key, "order-7", "0", "20")

	// WHEN: addressing by (order key, customer key)
	ref := bonus.TransactionRef{OrderKey: "order-7", Customer: bonus.CustomerIdentifier{Key: c.Key}}
	tx, rec, err := l.Mutate(ctx, ref, bonus.Patch{BonusUsed: dp("25")})
	require.NoError(t, err)
	assert.Equal(t, "order-7", tx.OrderKey)
	AssertTotals(t, rec, "0", "25", "-25")

	// Deleting by alternate key, then again by customer name, still finds
	// the single dead row.
	_, _, err = l.SoftDelete(ctx, ref)
	require.NoError(t, err)
	byName := bonus.TransactionRef{OrderKey: "order-7", Customer: bonus.CustomerIdentifier{Name: "AltKey"}}
	_, rec, err = l.SoftDelete(ctx, byName)
	require.NoError(t, err)
	AssertTotals(t, rec, "0", "0", "0")

	// Two live rows under one order key are ambiguous.
	appendTx(t, l, c.Key, "order-8", "1", "0")
	appendTx(t, l, c.Key, "order-8", "2", "0")
	_, _, err = l.Mutate(ctx, bonus.TransactionRef{OrderKey: "order-8", Customer: bonus.CustomerIdentifier{Key: c.Key}}, bonus.Patch{Note: strp("x")})
	assert.ErrorIs(t, err, bonus.ErrAmbiguousIdentifier)

	_, _, err = l.Mutate(ctx, bonus.TransactionRef{OrderKey: "missing", Customer: bonus.CustomerIdentifier{Key: c.Key}}, bonus.Patch{Note: strp("x")})
	assert.ErrorIs(t, err, bonus.ErrTransactionNotFound)

	_, _, err = l.Mutate(ctx, bonus.TransactionRef{OrderKey: "order-7", Customer: bonus.CustomerIdentifier{Name: "Nobody"}}, bonus.Patch{Note: strp("x")})
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)
}

func testScale(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "Precise", "0.0001")

	// GIVEN: an amount with the maximum number of decimal places
	tx, rec, err := l.Append(ctx, bonus.NewTransaction{
		CustomerKey: c.Key,
		AmountDue:   d("-0.1234"),
		BonusEarned: d("0.1234"),
		Type:        bonus.TypeCollection,
	})
	require.NoError(t, err)

	// THEN: the store keeps it exactly and the receipt agrees with the log
	stored, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, d("0.1234").Equal(stored.BonusEarned), "got %s", stored.BonusEarned)
	assert.True(t, d("-0.1234").Equal(stored.AmountDue), "got %s", stored.AmountDue)
	AssertTotals(t, rec, "0.1234", "0", "0.1235")
	assertConsistent(t, s, c.Key)

	// WHEN: one more place is requested anywhere
	_, _, err = l.Append(ctx, bonus.NewTransaction{CustomerKey: c.Key, BonusEarned: d("0.12345")})
	var ve *bonus.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "bonus_earned", ve.Field)

	_, _, err = l.Mutate(ctx, bonus.TransactionRef{ID: tx.ID}, bonus.Patch{BonusUsed: dp("1.00001")})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	_, err = l.UpdateBaseParameters(ctx, c.Key, bonus.BaseParameters{SpecialBonusPercent: dp("2.50001")})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	_, err = l.CreateCustomer(ctx, bonus.NewCustomer{Name: "TooPrecise", BonusStartupValue: d("1.23456")})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	// THEN: nothing changed
	txs, err := s.Transactions(ctx, c.Key, true)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	after, err := s.GetCustomer(ctx, c.Key)
	require.NoError(t, err)
	AssertTotals(t, after, "0.1234", "0", "0.1235")
	assert.True(t, after.SpecialBonusPercent.IsZero())
}

func strp(s string) *string { return &s }

func testIdempotencyKey(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "Retry", "0")

	in := bonus.NewTransaction{
		CustomerKey:    c.Key,
		BonusUsed:      d("100"),
		Type:           bonus.TypeSale,
		IdempotencyKey: "pos-42",
	}
	first, _, err := l.Append(ctx, in)
	require.NoError(t, err)

	// WHEN: the client retries after a timeout
	second, rec, err := l.Append(ctx, in)
	require.NoError(t, err)

	// THEN: one row, counted once
	assert.Equal(t, first.ID, second.ID)
	AssertTotals(t, rec, "0", "100", "-100")
	txs, err := l.Transactions(ctx, c.Key, true)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testRecomputeStable(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "Stable", "7")
	appendTx(t, l, c.Key, "o-1", "3", "1")

	first, err := l.Recompute(ctx, c.Key)
	require.NoError(t, err)
	second, err := l.Recompute(ctx, c.Key)
	require.NoError(t, err)

	assert.True(t, first.Totals().Equal(second.Totals()))
	AssertTotals(t, second, "3", "1", "9")
}

func testConcurrentSales(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "Busy", "0")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Append(ctx, bonus.NewTransaction{
				CustomerKey: c.Key,
				BonusUsed:   d("100"),
				Type:        bonus.TypeSale,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := s.GetCustomer(ctx, c.Key)
	require.NoError(t, err)
	AssertTotals(t, rec, "0", fmt.Sprint(100*n), fmt.Sprint(-100*n))
}

// testConcurrentLedgers runs two engines over one store, which is how two
// server processes share a database. Only the store lock protects them.
func testConcurrentLedgers(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	a := newLedger(s, false)
	b := newLedger(s, false)
	c := newCustomer(t, a, "Shared", "0")

	const perLedger = 5
	var wg sync.WaitGroup
	errs := make(chan error, 2*perLedger)
	for _, l := range []*bonus.Ledger{a, b} {
		for i := 0; i < perLedger; i++ {
			wg.Add(1)
			go func(l *bonus.Ledger) {
				defer wg.Done()
				_, _, err := l.Append(ctx, bonus.NewTransaction{
					CustomerKey: c.Key,
					BonusUsed:   d("100"),
					Type:        bonus.TypeSale,
				})
				errs <- err
			}(l)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := s.GetCustomer(ctx, c.Key)
	require.NoError(t, err)
	AssertTotals(t, rec, "0", "1000", "-1000")
}

func testEndToEnd(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)

	// GIVEN: a customer with startup 0
	c := newCustomer(t, l, "Scenario", "0")

	// WHEN: a sale of 1000 debits bonus and a collection of 1000 earns it
	sale, _, err := l.Append(ctx, bonus.NewTransaction{
		CustomerKey: c.Key,
		AmountDue:   d("1000"),
		BonusUsed:   d("1000"),
		Type:        bonus.TypeSale,
	})
	require.NoError(t, err)
	_, rec, err := l.Append(ctx, bonus.NewTransaction{
		CustomerKey: c.Key,
		AmountDue:   d("-1000"),
		BonusEarned: d("1000"),
		Type:        bonus.TypeCollection,
	})
	require.NoError(t, err)

	// THEN
	AssertTotals(t, rec, "1000", "1000", "0")

	// WHEN: the sale is soft-deleted
	_, rec, err = l.SoftDelete(ctx, bonus.TransactionRef{ID: sale.ID})
	require.NoError(t, err)

	// THEN
	AssertTotals(t, rec, "1000", "0", "1000")
	assertConsistent(t, s, c.Key)
}

var errInjected = errors.New("injected update failure")

// failingUpdates makes every UpdateCustomer inside a unit fail, so the
// recompute step fails after the log change has been written.
type failingUpdates struct{ bonus.TxStore }

func (f failingUpdates) WithCustomerTx(ctx context.Context, key bonus.CustomerKey, fn func(bonus.Store) error) error {
	return f.TxStore.WithCustomerTx(ctx, key, func(s bonus.Store) error {
		return fn(brokenUpdate{s})
	})
}

type brokenUpdate struct{ bonus.Store }

func (brokenUpdate) UpdateCustomer(context.Context, bonus.Customer) error { return errInjected }

func testRollback(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	good := newLedger(s, false)
	c := newCustomer(t, good, "Rollback", "50")
	tx := appendTx(t, good, c.Key, "o-1", "0", "10")

	bad := newLedger(failingUpdates{s}, false)

	// WHEN: recompute fails after the append was written
	_, _, err := bad.Append(ctx, bonus.NewTransaction{CustomerKey: c.Key, BonusUsed: d("999")})

	// THEN: retryable recompute failure, and the row is gone
	require.Error(t, err)
	assert.ErrorIs(t, err, bonus.ErrRecomputationFailed)
	assert.True(t, bonus.IsRetryable(err))

	txs, err := s.Transactions(ctx, c.Key, true)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// Same for a soft delete: the flag must not survive.
	_, _, err = bad.SoftDelete(ctx, bonus.TransactionRef{ID: tx.ID})
	assert.ErrorIs(t, err, bonus.ErrRecomputationFailed)
	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, got.LineDeleted)

	rec, err := s.GetCustomer(ctx, c.Key)
	require.NoError(t, err)
	AssertTotals(t, rec, "0", "10", "40")
}

func testDuplicateCustomers(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)

	_, err := l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Ann", CardNumber: "C-1"})
	require.NoError(t, err)

	_, err = l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Ann"})
	assert.ErrorIs(t, err, bonus.ErrDuplicateCustomer)

	_, err = l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Bob", CardNumber: "C-1"})
	assert.ErrorIs(t, err, bonus.ErrDuplicateCustomer)

	// Empty card numbers never collide.
	_, err = l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Cid"})
	require.NoError(t, err)
	_, err = l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Dee"})
	require.NoError(t, err)

	// Direct inserts are guarded by the store itself.
	err = s.InsertCustomer(ctx, bonus.Customer{Key: "direct", Name: "Ann", CreatedAt: time.Now().UTC(), EditedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, bonus.ErrDuplicateCustomer)
}

func testResolveCustomer(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)

	ann, err := l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Ann", CardNumber: "C-1"})
	require.NoError(t, err)
	bob, err := l.CreateCustomer(ctx, bonus.NewCustomer{Name: "Bob", CardNumber: "C-2"})
	require.NoError(t, err)

	key, err := l.ResolveCustomer(ctx, bonus.CustomerIdentifier{CardNumber: "C-2"})
	require.NoError(t, err)
	assert.Equal(t, bob.Key, key)

	key, err = l.ResolveCustomer(ctx, bonus.CustomerIdentifier{Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, ann.Key, key)

	// Card number outranks name.
	key, err = l.ResolveCustomer(ctx, bonus.CustomerIdentifier{CardNumber: "C-1", Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, ann.Key, key)

	_, err = l.ResolveCustomer(ctx, bonus.CustomerIdentifier{Name: "Nobody"})
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)

	_, err = l.ResolveCustomer(ctx, bonus.CustomerIdentifier{})
	assert.ErrorIs(t, err, bonus.ErrValidation)
}

func testBaseParameters(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "Base", "100")
	appendTx(t, l, c.Key, "o-1", "20", "50")

	rec, err := l.UpdateBaseParameters(ctx, c.Key, bonus.BaseParameters{
		BonusStartupValue:   dp("300"),
		SpecialBonusPercent: dp("2.5"),
	})
	require.NoError(t, err)
	AssertTotals(t, rec, "20", "50", "270")
	assert.True(t, d("2.5").Equal(rec.SpecialBonusPercent))

	stored, err := s.GetCustomer(ctx, c.Key)
	require.NoError(t, err)
	AssertTotals(t, stored, "20", "50", "270")
	assert.Equal(t, "Base", stored.Name)
}

func testRecomputeAll(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	healthy := newCustomer(t, l, "Healthy", "10")
	broken := newCustomer(t, l, "Broken", "10")
	appendTx(t, l, broken.Key, "o-1", "5", "0")

	// GIVEN: a record whose cache was damaged behind the engine's back
	damaged, err := s.GetCustomer(ctx, broken.Key)
	require.NoError(t, err)
	damaged.TotalBonusRemaining = d("9999")
	require.NoError(t, s.UpdateCustomer(ctx, damaged))

	drift, err := l.Verify(ctx, broken.Key)
	require.NoError(t, err)
	assert.True(t, drift.Drifted())

	// WHEN
	report, err := l.RecomputeAll(ctx)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 2, report.Customers)
	assert.Equal(t, []bonus.CustomerKey{broken.Key}, report.Drifted)
	assert.Empty(t, report.Failed)

	for _, key := range []bonus.CustomerKey{healthy.Key, broken.Key} {
		drift, err := l.Verify(ctx, key)
		require.NoError(t, err)
		assert.False(t, drift.Drifted(), "customer %s still drifted", key)
	}
}

func testHistory(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)
	c := newCustomer(t, l, "History", "0")

	first := appendTx(t, l, c.Key, "o-1", "1", "0")
	second := appendTx(t, l, c.Key, "o-2", "2", "0")
	third := appendTx(t, l, c.Key, "o-3", "3", "0")
	_, _, err := l.SoftDelete(ctx, bonus.TransactionRef{ID: second.ID})
	require.NoError(t, err)

	live, err := l.Transactions(ctx, c.Key, false)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, first.ID, live[0].ID)
	assert.Equal(t, third.ID, live[1].ID)

	all, err := l.Transactions(ctx, c.Key, true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, second.ID, all[1].ID)
	assert.True(t, all[1].LineDeleted)
}

func testUnknownCustomer(t *testing.T, s bonus.TxStore) {
	ctx := context.Background()
	l := newLedger(s, false)

	_, _, err := l.Append(ctx, bonus.NewTransaction{CustomerKey: "ghost", BonusUsed: d("1")})
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)

	_, err = l.Customer(ctx, "ghost")
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)

	_, _, err = l.SoftDelete(ctx, bonus.TransactionRef{ID: "nope"})
	assert.ErrorIs(t, err, bonus.ErrTransactionNotFound)
}
