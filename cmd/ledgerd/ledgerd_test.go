package main

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/pos"
)

// seed writes one customer with a sale into a fresh sqlite file and points
// the environment at it.
func seed(t *testing.T) (dsn string, key bonus.CustomerKey) {
	t.Helper()
	dsn = filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("BONUS_STORAGE_DRIVER", "sqlite")
	t.Setenv("BONUS_STORAGE_DSN", dsn)
	t.Setenv("BONUS_LEDGER_SALE_POLICY", "debit")
	t.Setenv("BONUS_METRICS_ENABLED", "false")

	a, err := loadApp()
	require.NoError(t, err)
	defer a.close()
	svc, err := a.service()
	require.NoError(t, err)

	ctx := context.Background()
	c, err := svc.CreateCustomer(ctx, bonus.NewCustomer{Name: "Ana", CardNumber: "4711", BonusStartupValue: decimal.NewFromInt(50)})
	require.NoError(t, err)
	_, err = svc.RecordSale(ctx, pos.SaleRequest{
		Customer: bonus.CustomerIdentifier{Key: c.Key},
		OrderKey: "o-9",
		Amount:   decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	return dsn, c.Key
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestShow(t *testing.T) {
	_, key := seed(t)

	out, err := execute(t, "show", "--card", "4711", "--key", "", "--name", "")
	require.NoError(t, err)
	assert.Contains(t, out, string(key))
	assert.Contains(t, out, "total_bonus_remaining")
	assert.Contains(t, out, "30")
	assert.Contains(t, out, "o-9")
}

func TestVerifyAndRecompute(t *testing.T) {
	dsn, key := seed(t)

	out, err := execute(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "no drift")

	// GIVEN totals edited outside the ledger
	raw, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE customers SET total_bonus_used = '0', total_bonus_remaining = '50' WHERE customer_key = ?`, string(key))
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// WHEN verify runs THEN it reports the drift and fails
	out, err = execute(t, "verify")
	assert.ErrorIs(t, err, errDrift)
	assert.Contains(t, out, string(key))

	// WHEN recompute runs THEN the record is repaired
	out, err = execute(t, "recompute")
	require.NoError(t, err)
	assert.Contains(t, out, "drifted: 1")
	assert.Contains(t, out, "repaired")

	out, err = execute(t, "verify", string(key))
	require.NoError(t, err)
	assert.Contains(t, out, "no drift")

	out, err = execute(t, "recompute", string(key))
	require.NoError(t, err)
	assert.Contains(t, out, "30")
}

func TestVerify_UnknownTenant(t *testing.T) {
	seed(t)
	_, err := execute(t, "verify", "--tenant", "ghost")
	assert.Error(t, err)
	tenantID = "default"
}
