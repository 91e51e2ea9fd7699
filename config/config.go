/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults below
  2. Config file (yaml or toml), if a path is given
  3. Environment, prefixed BONUS_ with dots as underscores
     (BONUS_LEDGER_SALE_POLICY=accrue). A .env file in the working
     directory is loaded into the environment first when present.

The sale policy has no default. Either ledger.sale_policy is set, or every
tenant in tenants.file names its own.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/bonus-ledger/pos"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Tenants TenantsConfig `mapstructure:"tenants"`
	Auditor AuditorConfig `mapstructure:"auditor"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // "debug" or "release"
}

type StorageConfig struct {
	Driver       string `mapstructure:"driver"` // "sqlite", "postgres" or "memory"
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type LedgerConfig struct {
	SalePolicy   string        `mapstructure:"sale_policy"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	AllowRestore bool          `mapstructure:"allow_restore"`
}

type TenantsConfig struct {
	File string `mapstructure:"file"`
}

type AuditorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "bonus.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("ledger.sale_policy", "")
	v.SetDefault("ledger.lock_timeout", 5*time.Second)
	v.SetDefault("ledger.allow_restore", false)
	v.SetDefault("tenants.file", "")
	v.SetDefault("auditor.enabled", false)
	v.SetDefault("auditor.interval", time.Hour)
	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration and validates it. path may be empty.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BONUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every bad value at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: %q (want sqlite, postgres or memory)", c.Storage.Driver))
	}
	if c.Storage.DSN == "" && c.Tenants.File == "" {
		errs = append(errs, errors.New("storage.dsn: required"))
	}
	if c.Ledger.SalePolicy != "" || c.Tenants.File == "" {
		if _, err := pos.ParseSalePolicy(c.Ledger.SalePolicy); err != nil {
			errs = append(errs, fmt.Errorf("ledger.sale_policy: %w", err))
		}
	}
	if c.Ledger.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ledger.lock_timeout: must be positive, got %s", c.Ledger.LockTimeout))
	}
	if c.Auditor.Enabled && c.Auditor.Interval < time.Second {
		errs = append(errs, fmt.Errorf("auditor.interval: %s is too short", c.Auditor.Interval))
	}

	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
