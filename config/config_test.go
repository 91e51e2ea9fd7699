package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_SalePolicyIsRequired(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.sale_policy")
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("BONUS_LEDGER_SALE_POLICY", "accrue")
	t.Setenv("BONUS_SERVER_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "bonus.db", cfg.Storage.DSN)
	assert.Equal(t, "accrue", cfg.Ledger.SalePolicy)
	assert.Equal(t, 5*time.Second, cfg.Ledger.LockTimeout)
	assert.False(t, cfg.Ledger.AllowRestore)
	assert.False(t, cfg.Auditor.Enabled)
	assert.Equal(t, time.Hour, cfg.Auditor.Interval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Addr())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "bonus.yaml", `
server:
  port: 7000
  mode: debug
storage:
  driver: postgres
  dsn: "host=db user=bonus dbname=bonus sslmode=disable"
  max_open_conns: 20
ledger:
  sale_policy: debit
  lock_timeout: 2s
  allow_restore: true
auditor:
  enabled: true
  interval: 15m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 20, cfg.Storage.MaxOpenConns)
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockTimeout)
	assert.True(t, cfg.Ledger.AllowRestore)
	assert.Equal(t, 15*time.Minute, cfg.Auditor.Interval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "bonus.toml", `
[ledger]
sale_policy = "debit"
`)
	t.Setenv("BONUS_LEDGER_SALE_POLICY", "accrue")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "accrue", cfg.Ledger.SalePolicy)
}

func TestLoad_TenantFileMakesGlobalPolicyOptional(t *testing.T) {
	t.Setenv("BONUS_TENANTS_FILE", "tenants.toml")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Ledger.SalePolicy)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Config{
		Server:  ServerConfig{Port: 0},
		Storage: StorageConfig{Driver: "mysql"},
		Ledger:  LedgerConfig{SalePolicy: "cashback"},
		Auditor: AuditorConfig{Enabled: true, Interval: time.Millisecond},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "storage.driver", "storage.dsn", "ledger.sale_policy", "ledger.lock_timeout", "auditor.interval"} {
		assert.Contains(t, err.Error(), want)
	}
}
