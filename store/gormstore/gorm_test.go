package gormstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/bonus/storetest"
	"github.com/warp/bonus-ledger/store/gormstore"
)

func newTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	store, err := gormstore.Open(gormstore.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "bonus.db"),
		LockTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGorm_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) bonus.TxStore { return newTestStore(t) })
}

func TestGorm_UnknownDriver(t *testing.T) {
	_, err := gormstore.Open(gormstore.Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestGorm_IdempotencyKeyIsOptional(t *testing.T) {
	// GIVEN: two rows without idempotency keys for one customer
	store := newTestStore(t)
	ctx := context.Background()
	l := bonus.NewLedger(store, bonus.Options{})

	c, err := l.CreateCustomer(ctx, bonus.NewCustomer{Name: "NoKeys"})
	require.NoError(t, err)

	// WHEN: both are appended
	for i := 0; i < 2; i++ {
		_, _, err := l.Append(ctx, bonus.NewTransaction{CustomerKey: c.Key, BonusEarned: decimal.NewFromInt(1)})
		require.NoError(t, err)
	}

	// THEN: the partial unique index does not treat empty keys as equal
	txs, err := store.Transactions(ctx, c.Key, true)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Empty(t, tx.IdempotencyKey)
	}
}

func TestGorm_Ping(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestGorm_TransactionsReferenceCustomers(t *testing.T) {
	// GIVEN: a fresh schema
	store := newTestStore(t)
	ctx := context.Background()
	l := bonus.NewLedger(store, bonus.Options{})

	// WHEN: a customer is created and billed
	c, err := l.CreateCustomer(ctx, bonus.NewCustomer{Name: "A", BonusStartupValue: decimal.NewFromInt(500)})
	require.NoError(t, err)
	_, rec, err := l.Append(ctx, bonus.NewTransaction{CustomerKey: c.Key, BonusUsed: decimal.NewFromInt(20)})
	require.NoError(t, err)
	storetest.AssertTotals(t, rec, "0", "20", "480")

	// THEN: a row for a customer that does not exist violates the foreign key
	err = store.InsertTransaction(ctx, bonus.Transaction{
		ID:          "orphan",
		CustomerKey: "ghost",
		AddedAt:     time.Now(),
		EditedAt:    time.Now(),
	})
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)
}

func TestGorm_LogsThroughZap(t *testing.T) {
	// GIVEN: a store logging into an observer
	core, logs := observer.New(zap.ErrorLevel)
	store, err := gormstore.Open(gormstore.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "bonus.db"),
		Logger: zap.New(core),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	c := bonus.Customer{Key: "dup", Name: "Dup", CreatedAt: time.Now(), EditedAt: time.Now()}
	require.NoError(t, store.InsertCustomer(ctx, c))

	// WHEN: a statement fails
	err = store.InsertCustomer(ctx, c)
	assert.ErrorIs(t, err, bonus.ErrDuplicateCustomer)

	// THEN: the failure is a structured zap entry, and lookups of missing
	// rows are not
	_, err = store.GetCustomer(ctx, "missing")
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)

	failed := logs.FilterMessage("query failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "gorm", failed[0].LoggerName)
	assert.Contains(t, failed[0].ContextMap()["sql"], "INSERT")
}
