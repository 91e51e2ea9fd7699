package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/bonus-ledger/bonus"
	"github.com/warp/bonus-ledger/config"
	"github.com/warp/bonus-ledger/pos"
)

func baseConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: "memory"},
		Ledger:  config.LedgerConfig{SalePolicy: "debit", LockTimeout: time.Second},
	}
}

func writeTenants(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRegistry_ImplicitDefaultTenant(t *testing.T) {
	r, err := New(baseConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.Implicit())
	assert.Equal(t, []string{DefaultID}, r.IDs())
	assert.Empty(t, r.Opened(), "stores open lazily")

	// Any key, even none, reaches the default tenant.
	a, err := r.ByAPIKey("")
	require.NoError(t, err)
	b, err := r.ByAPIKey("whatever")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, DefaultID, a.ID)
	assert.Equal(t, pos.PolicyDebit, a.Service.SalePolicy())
	assert.Len(t, r.Opened(), 1)
}

func TestRegistry_FileTenantsAreIsolated(t *testing.T) {
	// GIVEN two tenants with different policies
	cfg := baseConfig()
	cfg.Tenants.File = writeTenants(t, `
[[tenant]]
id = "acme"
api_key = "k-acme"
driver = "memory"

[[tenant]]
id = "globex"
api_key = "k-globex"
driver = "sqlite"
dsn = "`+filepath.Join(t.TempDir(), "globex.db")+`"
sale_policy = "accrue"
`)
	r, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	acme, err := r.ByAPIKey("k-acme")
	require.NoError(t, err)
	globex, err := r.ByAPIKey("k-globex")
	require.NoError(t, err)

	assert.Equal(t, pos.PolicyDebit, acme.Service.SalePolicy(), "falls back to ledger.sale_policy")
	assert.Equal(t, pos.PolicyAccrue, globex.Service.SalePolicy())
	require.NoError(t, globex.Ping(context.Background()))

	// WHEN a customer is created in one tenant
	ctx := context.Background()
	_, err = acme.Service.CreateCustomer(ctx, bonus.NewCustomer{Name: "Ana", BonusStartupValue: decimal.NewFromInt(5)})
	require.NoError(t, err)

	// THEN the other tenant does not see it
	_, err = globex.Service.GetCustomerLedger(ctx, bonus.CustomerIdentifier{Name: "Ana"})
	assert.ErrorIs(t, err, bonus.ErrCustomerNotFound)

	_, err = r.ByAPIKey("k-nope")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)
	_, err = r.ByAPIKey("")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)

	opened := r.Opened()
	require.Len(t, opened, 2)
	assert.Equal(t, "acme", opened[0].ID)
}

func TestRegistry_CloseAllowsReopen(t *testing.T) {
	cfg := baseConfig()
	cfg.Storage = config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "bonus.db")}
	r, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	first, err := r.Get(DefaultID)
	require.NoError(t, err)
	_, err = first.Service.CreateCustomer(context.Background(), bonus.NewCustomer{Name: "Bo"})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Empty(t, r.Opened())

	second, err := r.Get(DefaultID)
	require.NoError(t, err)
	defer r.Close()
	assert.NotSame(t, first, second)

	c, err := second.Service.GetCustomerLedger(context.Background(), bonus.CustomerIdentifier{Name: "Bo"})
	require.NoError(t, err)
	assert.Equal(t, "Bo", c.Name)
}

func TestRegistry_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", ``, "declares no tenant"},
		{"missing id", `
[[tenant]]
api_key = "k"
driver = "memory"`, "id is required"},
		{"missing key", `
[[tenant]]
id = "a"
driver = "memory"`, "api_key is required"},
		{"duplicate id", `
[[tenant]]
id = "a"
api_key = "k1"
driver = "memory"
[[tenant]]
id = "a"
api_key = "k2"
driver = "memory"`, "declared twice"},
		{"shared key", `
[[tenant]]
id = "a"
api_key = "k"
driver = "memory"
[[tenant]]
id = "b"
api_key = "k"
driver = "memory"`, "already used by a"},
		{"sqlite without dsn", `
[[tenant]]
id = "a"
api_key = "k"
driver = "sqlite"`, "dsn is required"},
		{"unknown driver", `
[[tenant]]
id = "a"
api_key = "k"
driver = "mongo"`, "unknown driver"},
		{"bad policy", `
[[tenant]]
id = "a"
api_key = "k"
driver = "memory"
sale_policy = "cashback"`, "tenant a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Tenants.File = writeTenants(t, tt.body)
			_, err := New(cfg, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRegistry_UnknownTenant(t *testing.T) {
	r, err := New(baseConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = r.Get("ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}
