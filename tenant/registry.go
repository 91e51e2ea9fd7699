/*
Package tenant maps API keys to isolated ledger partitions.

Each tenant owns one store (its own sqlite file, postgres database or
in-memory map) and one pos.Service on top of it. Nothing is shared between
tenants except the process.

FILE FORMAT (TOML):

	[[tenant]]
	id = "acme"
	api_key = "k-acme"
	driver = "sqlite"          # sqlite, postgres or memory; defaults to storage.driver
	dsn = "data/acme.db"
	sale_policy = "accrue"     # defaults to ledger.sale_policy

Without a file the registry holds a single tenant, DefaultID, built from the
storage.* settings, and every API key resolves to it.
*/
package tenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/bonus"
	memstore "github.com/warp/bonus-ledger/bonus/store"
	"github.com/warp/bonus-ledger/config"
	"github.com/warp/bonus-ledger/metrics"
	"github.com/warp/bonus-ledger/pos"
	"github.com/warp/bonus-ledger/store/gormstore"
	"github.com/warp/bonus-ledger/store/sqlite"
)

// DefaultID names the implicit tenant used when no tenants file is configured.
const DefaultID = "default"

var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrUnknownAPIKey = errors.New("unknown api key")
)

// Definition describes one tenant as configured.
type Definition struct {
	ID         string `toml:"id"`
	APIKey     string `toml:"api_key"`
	Driver     string `toml:"driver"`
	DSN        string `toml:"dsn"`
	SalePolicy string `toml:"sale_policy"`
}

type file struct {
	Tenants []Definition `toml:"tenant"`
}

// Tenant is an opened partition.
type Tenant struct {
	ID      string
	Service *pos.Service

	store bonus.TxStore
}

// Ping checks the tenant's store when it supports it.
func (t *Tenant) Ping(ctx context.Context) error {
	if p, ok := t.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (t *Tenant) close() error {
	if c, ok := t.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type Registry struct {
	cfg      *config.Config
	log      *zap.Logger
	implicit bool

	defs map[string]Definition
	keys map[string]string // api key -> tenant id

	mu   sync.Mutex
	open map[string]*Tenant
}

// New builds the registry from cfg. Tenant files are read and validated
// here; stores are opened on first use.
func New(cfg *config.Config, log *zap.Logger) (*Registry, error) {
	r := &Registry{
		cfg:  cfg,
		log:  log,
		defs: make(map[string]Definition),
		keys: make(map[string]string),
		open: make(map[string]*Tenant),
	}

	var defs []Definition
	if cfg.Tenants.File == "" {
		r.implicit = true
		defs = []Definition{{ID: DefaultID}}
	} else {
		var f file
		if _, err := toml.DecodeFile(cfg.Tenants.File, &f); err != nil {
			return nil, fmt.Errorf("error reading tenants file: %w", err)
		}
		if len(f.Tenants) == 0 {
			return nil, fmt.Errorf("tenants file %s declares no tenant", cfg.Tenants.File)
		}
		defs = f.Tenants
	}

	for _, s := range defs {
		s = r.withDefaults(s)
		if err := r.add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) withDefaults(s Definition) Definition {
	if s.Driver == "" {
		s.Driver = r.cfg.Storage.Driver
	}
	if s.DSN == "" && r.implicit {
		s.DSN = r.cfg.Storage.DSN
	}
	if s.SalePolicy == "" {
		s.SalePolicy = r.cfg.Ledger.SalePolicy
	}
	return s
}

func (r *Registry) add(s Definition) error {
	if s.ID == "" {
		return errors.New("tenant: id is required")
	}
	if _, dup := r.defs[s.ID]; dup {
		return fmt.Errorf("tenant %s: declared twice", s.ID)
	}
	if !r.implicit {
		if s.APIKey == "" {
			return fmt.Errorf("tenant %s: api_key is required", s.ID)
		}
		if other, dup := r.keys[s.APIKey]; dup {
			return fmt.Errorf("tenant %s: api_key already used by %s", s.ID, other)
		}
	}
	switch s.Driver {
	case "memory":
	case "sqlite", "postgres":
		if s.DSN == "" {
			return fmt.Errorf("tenant %s: dsn is required for %s", s.ID, s.Driver)
		}
	default:
		return fmt.Errorf("tenant %s: unknown driver %q", s.ID, s.Driver)
	}
	if _, err := pos.ParseSalePolicy(s.SalePolicy); err != nil {
		return fmt.Errorf("tenant %s: %w", s.ID, err)
	}

	r.defs[s.ID] = s
	if s.APIKey != "" {
		r.keys[s.APIKey] = s.ID
	}
	return nil
}

// IDs returns every configured tenant id, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Implicit reports whether the registry holds only the default tenant.
func (r *Registry) Implicit() bool { return r.implicit }

// ByAPIKey returns the tenant owning apiKey. With the implicit default
// tenant every key, including an empty one, is accepted.
func (r *Registry) ByAPIKey(apiKey string) (*Tenant, error) {
	if r.implicit {
		return r.Get(DefaultID)
	}
	id, ok := r.keys[apiKey]
	if !ok {
		return nil, ErrUnknownAPIKey
	}
	return r.Get(id)
}

// Get returns the tenant, opening its store on first use.
func (r *Registry) Get(id string) (*Tenant, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.open[id]; ok {
		return t, nil
	}
	t, err := r.openTenant(def)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}
	r.open[id] = t
	r.log.Info("tenant opened",
		zap.String("tenant", id),
		zap.String("driver", def.Driver),
		zap.String("sale_policy", string(t.Service.SalePolicy())))
	return t, nil
}

// Opened returns the tenants whose stores are open, sorted by id.
func (r *Registry) Opened() []*Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Tenant, 0, len(r.open))
	for _, t := range r.open {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every opened store. The registry can be reused afterwards;
// stores reopen on demand.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, t := range r.open {
		if err := t.close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
		}
		delete(r.open, id)
	}
	return errors.Join(errs...)
}

func (r *Registry) openTenant(def Definition) (*Tenant, error) {
	st, err := r.openStore(def)
	if err != nil {
		return nil, err
	}

	opts := bonus.Options{
		LockTimeout:  r.cfg.Ledger.LockTimeout,
		AllowRestore: r.cfg.Ledger.AllowRestore,
	}
	if r.cfg.Metrics.Enabled {
		opts.Observer = metrics.NewObserver(def.ID)
	}

	policy, _ := pos.ParseSalePolicy(def.SalePolicy)
	svc, err := pos.NewService(bonus.NewLedger(st, opts), policy, r.log.With(zap.String("tenant", def.ID)))
	if err != nil {
		(&Tenant{store: st}).close()
		return nil, err
	}
	return &Tenant{ID: def.ID, Service: svc, store: st}, nil
}

func (r *Registry) openStore(def Definition) (bonus.TxStore, error) {
	switch def.Driver {
	case "memory":
		return memstore.NewMemory(), nil
	case "sqlite":
		s, err := sqlite.New(def.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := gormstore.Open(gormstore.Config{
			Driver:       "postgres",
			DSN:          def.DSN,
			MaxOpenConns: r.cfg.Storage.MaxOpenConns,
			MaxIdleConns: r.cfg.Storage.MaxIdleConns,
			LockTimeout:  r.cfg.Ledger.LockTimeout,
			Logger:       r.log.With(zap.String("tenant", def.ID)),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown driver %q", def.Driver)
}
