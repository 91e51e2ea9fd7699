package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/bonus/store"
	"github.com/warp/bonus-ledger/bonus/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) bonus.TxStore { return store.NewMemory() })
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	err := mem.WithTx(ctx, func(s bonus.Store) error {
		require.NoError(t, s.InsertCustomer(ctx, bonus.Customer{Key: "c-1", Name: "Temp"}))
		return bonus.ErrValidation
	})
	assert.ErrorIs(t, err, bonus.ErrValidation)

	_, err = mem.GetCustomer(ctx, "c-1")
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)
}

func TestMemory_WithCustomerTxRequiresCustomer(t *testing.T) {
	mem := store.NewMemory()

	called := false
	err := mem.WithCustomerTx(context.Background(), "ghost", func(bonus.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)
	assert.False(t, called)
}
