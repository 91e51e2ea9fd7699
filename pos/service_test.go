package pos_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/bonus/store"
	"github.com/warp/bonus-ledger/bonus/storetest"
	"github.com/warp/bonus-ledger/pos"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T, policy pos.SalePolicy) *pos.Service {
	t.Helper()
	ledger := bonus.NewLedger(store.NewMemory(), bonus.Options{})
	svc, err := pos.NewService(ledger, policy, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func byKey(c bonus.Customer) bonus.CustomerIdentifier {
	return bonus.CustomerIdentifier{Key: c.Key}
}

func assertBalance(t *testing.T, b pos.Balance, earned, used, remaining string) {
	t.Helper()
	assert.True(t, money(earned).Equal(b.TotalBonusEarned), "earned: got %s", b.TotalBonusEarned)
	assert.True(t, money(used).Equal(b.TotalBonusUsed), "used: got %s", b.TotalBonusUsed)
	assert.True(t, money(remaining).Equal(b.TotalBonusRemaining), "remaining: got %s", b.TotalBonusRemaining)
}

// =============================================================================
// SALES
// =============================================================================

func TestNewService_RequiresPolicy(t *testing.T) {
	ledger := bonus.NewLedger(store.NewMemory(), bonus.Options{})

	_, err := pos.NewService(ledger, "", nil)
	assert.Error(t, err)

	_, err = pos.NewService(ledger, "cashback", nil)
	assert.Error(t, err)
}

func TestRecordSale_Debit(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Debit", BonusStartupValue: money("1500")})
	require.NoError(t, err)

	r, err := svc.RecordSale(ctx, pos.SaleRequest{Customer: byKey(c), Amount: money("1000"), OrderKey: "o-1"})
	require.NoError(t, err)

	assert.Equal(t, bonus.TypeSale, r.Transaction.Type)
	assert.True(t, money("1000").Equal(r.Transaction.AmountDue))
	assert.True(t, money("1000").Equal(r.Transaction.BonusUsed))
	assertBalance(t, r.Balance, "0", "1000", "500")
}

func TestRecordSale_DebitRejectsPercent(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "NoPct"})
	require.NoError(t, err)

	pct := money("5")
	_, err = svc.RecordSale(ctx, pos.SaleRequest{Customer: byKey(c), Amount: money("10"), BonusPercent: &pct})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	history, err := svc.History(ctx, c.Key, true)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRecordSale_Accrue(t *testing.T) {
	svc := newTestService(t, pos.PolicyAccrue)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{
		Name:                "Accrue",
		CardNumber:          "4711",
		SpecialBonusPercent: money("3"),
	})
	require.NoError(t, err)

	// GIVEN: the customer's own rate of 3%
	r, err := svc.RecordSale(ctx, pos.SaleRequest{
		Customer: bonus.CustomerIdentifier{CardNumber: "4711"},
		Amount:   money("33.33"),
	})
	require.NoError(t, err)
	assert.Equal(t, c.Key, r.Transaction.CustomerKey)
	assert.True(t, money("1").Equal(r.Transaction.BonusEarned), "got %s", r.Transaction.BonusEarned)
	assert.True(t, r.Transaction.BonusUsed.IsZero())

	// WHEN: the request overrides the rate
	pct := money("10")
	r, err = svc.RecordSale(ctx, pos.SaleRequest{
		Customer:     bonus.CustomerIdentifier{CardNumber: "4711"},
		Amount:       money("200"),
		BonusPercent: &pct,
	})
	require.NoError(t, err)

	// THEN
	assert.True(t, money("20").Equal(r.Transaction.BonusEarned))
	assertBalance(t, r.Balance, "21", "0", "21")
}

func TestRecordSale_Validation(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "V"})
	require.NoError(t, err)

	_, err = svc.RecordSale(ctx, pos.SaleRequest{Customer: byKey(c), Amount: money("0")})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	_, err = svc.RecordSale(ctx, pos.SaleRequest{Customer: byKey(c), Amount: money("-5")})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	_, err = svc.RecordSale(ctx, pos.SaleRequest{Amount: money("5")})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	_, err = svc.RecordSale(ctx, pos.SaleRequest{Customer: bonus.CustomerIdentifier{Name: "Ghost"}, Amount: money("5")})
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)
}

func TestRecordSale_IdempotentRetry(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Retry"})
	require.NoError(t, err)

	req := pos.SaleRequest{Customer: byKey(c), Amount: money("100"), IdempotencyKey: "till-3/receipt-88"}
	first, err := svc.RecordSale(ctx, req)
	require.NoError(t, err)
	second, err := svc.RecordSale(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assertBalance(t, second.Balance, "0", "100", "-100")
}

func TestRecordSale_ConcurrentSameCustomer(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Race"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordSale(ctx, pos.SaleRequest{Customer: byKey(c), Amount: money("100")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.GetCustomerLedger(ctx, byKey(c))
	require.NoError(t, err)
	storetest.AssertTotals(t, got, "0", "200", "-200")
}

// =============================================================================
// COLLECTIONS & ADJUSTMENTS
// =============================================================================

func TestRecordCollection_EarnsBonus(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Collect"})
	require.NoError(t, err)

	r, err := svc.RecordCollection(ctx, pos.CollectionRequest{Customer: byKey(c), Amount: money("250"), PaymentKey: "p-1"})
	require.NoError(t, err)

	assert.Equal(t, bonus.TypeCollection, r.Transaction.Type)
	assert.True(t, money("-250").Equal(r.Transaction.AmountDue))
	assert.True(t, money("250").Equal(r.Transaction.BonusEarned))
	assert.True(t, r.Transaction.BonusUsed.IsZero())
	assertBalance(t, r.Balance, "250", "0", "250")
}

func TestRecordAdjustment(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Adjust", BonusStartupValue: money("10")})
	require.NoError(t, err)

	_, err = svc.RecordAdjustment(ctx, pos.AdjustmentRequest{Customer: byKey(c), BonusEarned: money("5")})
	assert.ErrorIs(t, err, bonus.ErrValidation, "note is mandatory")

	_, err = svc.RecordAdjustment(ctx, pos.AdjustmentRequest{Customer: byKey(c), Note: "empty"})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	r, err := svc.RecordAdjustment(ctx, pos.AdjustmentRequest{
		Customer:    byKey(c),
		BonusEarned: money("5"),
		BonusUsed:   money("2"),
		Note:        "goodwill after complaint #12",
	})
	require.NoError(t, err)
	assert.Equal(t, bonus.TypeAdjustment, r.Transaction.Type)
	assertBalance(t, r.Balance, "5", "2", "13")
}

// =============================================================================
// END-TO-END
// =============================================================================

func TestScenario_SaleCollectionDelete(t *testing.T) {
	// GIVEN: customer with startup 0, debit policy
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Scenario", CardNumber: "C-9"})
	require.NoError(t, err)
	id := bonus.CustomerIdentifier{CardNumber: "C-9"}

	// WHEN: sale 1000, collection 1000
	sale, err := svc.RecordSale(ctx, pos.SaleRequest{Customer: id, Amount: money("1000"), OrderKey: "o-1"})
	require.NoError(t, err)
	r, err := svc.RecordCollection(ctx, pos.CollectionRequest{Customer: id, Amount: money("1000")})
	require.NoError(t, err)

	// THEN
	assertBalance(t, r.Balance, "1000", "1000", "0")

	// WHEN: the sale is soft-deleted through an amend by alternate key
	deleted := true
	r, err = svc.AmendTransaction(ctx, bonus.TransactionRef{OrderKey: "o-1", Customer: id}, bonus.Patch{LineDeleted: &deleted})
	require.NoError(t, err)

	// THEN
	assert.Equal(t, sale.Transaction.ID, r.Transaction.ID)
	assertBalance(t, r.Balance, "1000", "0", "1000")

	snapshot, err := svc.GetCustomerLedger(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, c.Key, snapshot.Key)
	storetest.AssertTotals(t, snapshot, "1000", "0", "1000")
}

func TestDeleteAndRestore(t *testing.T) {
	ledger := bonus.NewLedger(store.NewMemory(), bonus.Options{AllowRestore: true})
	svc, err := pos.NewService(ledger, pos.PolicyDebit, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Undo"})
	require.NoError(t, err)

	sale, err := svc.RecordSale(ctx, pos.SaleRequest{Customer: byKey(c), Amount: money("40")})
	require.NoError(t, err)
	ref := bonus.TransactionRef{ID: sale.Transaction.ID}

	r, err := svc.DeleteTransaction(ctx, ref)
	require.NoError(t, err)
	assertBalance(t, r.Balance, "0", "0", "0")

	r, err = svc.RestoreTransaction(ctx, ref)
	require.NoError(t, err)
	assertBalance(t, r.Balance, "0", "40", "-40")
}

func TestUpdateBaseParametersAndRecomputeAll(t *testing.T) {
	svc := newTestService(t, pos.PolicyDebit)
	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Base"})
	require.NoError(t, err)
	_, err = svc.RecordSale(ctx, pos.SaleRequest{Customer: byKey(c), Amount: money("30")})
	require.NoError(t, err)

	startup := money("100")
	b, err := svc.UpdateBaseParameters(ctx, c.Key, bonus.BaseParameters{BonusStartupValue: &startup})
	require.NoError(t, err)
	assertBalance(t, b, "0", "30", "70")

	report, err := svc.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Customers)
	assert.Empty(t, report.Drifted)

	drift, err := svc.Verify(ctx, c.Key)
	require.NoError(t, err)
	assert.False(t, drift.Drifted())
}

func TestVerifyAll_ReportsOnlyDrifted(t *testing.T) {
	// GIVEN two customers, one with tampered totals
	mem := store.NewMemory()
	svc, err := pos.NewService(bonus.NewLedger(mem, bonus.Options{}), pos.PolicyDebit, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	clean, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Clean", BonusStartupValue: money("5")})
	require.NoError(t, err)
	bad, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Bad", BonusStartupValue: money("5")})
	require.NoError(t, err)

	bad.TotalBonusEarned = money("12")
	require.NoError(t, mem.UpdateCustomer(ctx, bad))

	// WHEN every record is verified
	drifts, err := svc.VerifyAll(ctx)
	require.NoError(t, err)

	// THEN only the tampered one is reported and nothing was written
	require.Len(t, drifts, 1)
	assert.Equal(t, bad.Key, drifts[0].CustomerKey)
	assert.True(t, money("0").Equal(drifts[0].Derived.Earned))

	got, err := svc.GetCustomerLedger(ctx, byKey(bad))
	require.NoError(t, err)
	assert.True(t, money("12").Equal(got.TotalBonusEarned))

	_, err = svc.GetCustomerLedger(ctx, byKey(clean))
	require.NoError(t, err)
}
