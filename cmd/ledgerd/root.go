package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/config"
	"github.com/warp/bonus-ledger/logger"
	"github.com/warp/bonus-ledger/pos"
	"github.com/warp/bonus-ledger/tenant"
)

var (
	configPath string
	tenantID   string
)

var rootCmd = &cobra.Command{
	Use:           "ledgerd",
	Short:         "Bonus ledger server and maintenance tool",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml or toml)")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", tenant.DefaultID, "tenant id for maintenance commands")
}

// app is what every command needs: validated config, a logger and the
// tenant registry.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	tenants *tenant.Registry
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Server.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	reg, err := tenant.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, tenants: reg}, nil
}

func (a *app) close() {
	if err := a.tenants.Close(); err != nil {
		a.log.Error("closing tenant stores", zap.Error(err))
	}
	_ = a.log.Sync()
}

// service opens the tenant named by --tenant.
func (a *app) service() (*pos.Service, error) {
	t, err := a.tenants.Get(tenantID)
	if err != nil {
		return nil, err
	}
	return t.Service, nil
}
