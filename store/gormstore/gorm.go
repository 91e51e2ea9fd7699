/*
Package gormstore provides a gorm-backed bonus.TxStore for PostgreSQL.

PURPOSE:
  Production storage for installations that share one database between
  several server processes. The same code runs on SQLite through
  gorm.io/driver/sqlite, which is how the contract suite exercises it.

LOCKING:
  WithCustomerTx opens a gorm transaction and reads the customer row with
  clause.Locking{Strength: "UPDATE"}:
  - PostgreSQL: SELECT ... FOR UPDATE, bounded by SET LOCAL lock_timeout
  - SQLite:     the dialect drops FOR UPDATE; BEGIN IMMEDIATE (_txlock) holds
                the writer lock instead
  Lock timeouts (55P03), serialization failures (40001), deadlocks (40P01)
  and SQLITE_BUSY surface as bonus.ErrConcurrencyConflict.

SCHEMA:
  AutoMigrate on Open. Natural keys carry unique indexes, the card number one
  partial (empty cards never collide). transactions.customer_key references
  customers.customer_key. Amount columns keep bonus.MaxScale decimal places.

LOGGING:
  gorm logs through zap (logger.go): SQL errors and slow statements only.

SEE ALSO:
  - store/sqlite: database/sql flavour of the same store
  - bonus/store.go: The locking contract
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/bonus-ledger/bonus"
)

// =============================================================================
// MODELS
// =============================================================================

type customerRow struct {
	Key                 string          `gorm:"column:customer_key;primaryKey;type:varchar(64)"`
	Name                string          `gorm:"uniqueIndex:idx_customers_name;type:varchar(200);not null"`
	CardNumber          string          `gorm:"uniqueIndex:idx_customers_card,where:card_number <> '';type:varchar(64);not null;default:''"`
	BonusStartupValue   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	SpecialBonusPercent decimal.Decimal `gorm:"type:decimal(9,4);not null;default:0"`
	TotalBonusEarned    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	TotalBonusUsed      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	TotalBonusRemaining decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	CreatedAt           time.Time       `gorm:"not null"`
	EditedAt            time.Time       `gorm:"not null"`
}

func (customerRow) TableName() string { return "customers" }

type transactionRow struct {
	ID             string          `gorm:"primaryKey;type:varchar(64)"`
	CustomerKey    string          `gorm:"type:varchar(64);not null;index:idx_transactions_customer,priority:1;index:idx_transactions_order,priority:1;uniqueIndex:idx_transactions_idempotency,priority:1,where:idempotency_key IS NOT NULL"`
	BranchID       string          `gorm:"type:varchar(64);not null;default:''"`
	OrderKey       string          `gorm:"type:varchar(128);not null;default:'';index:idx_transactions_order,priority:2"`
	PaymentKey     string          `gorm:"type:varchar(128);not null;default:''"`
	AmountDue      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	BonusEarned    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	BonusUsed      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	LineDeleted    bool            `gorm:"not null;default:false;index:idx_transactions_customer,priority:2"`
	TxType         string          `gorm:"type:varchar(32);not null;default:''"`
	Note           string          `gorm:"type:text;not null;default:''"`
	IdempotencyKey *string         `gorm:"type:varchar(128);uniqueIndex:idx_transactions_idempotency,priority:2"`
	AddedAt        time.Time       `gorm:"not null;index:idx_transactions_customer,priority:3"`
	EditedAt       time.Time       `gorm:"not null"`

	// Belongs-to: the constraint lives on transactions.customer_key.
	Customer customerRow `gorm:"foreignKey:CustomerKey;references:Key;constraint:OnDelete:RESTRICT"`
}

func (transactionRow) TableName() string { return "transactions" }

// =============================================================================
// STORE
// =============================================================================

// Config selects the backend and pool sizes.
type Config struct {
	Driver       string // "postgres" or "sqlite"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int

	// LockTimeout bounds the wait for a customer row lock on PostgreSQL.
	LockTimeout time.Duration

	// Logger receives SQL errors and slow queries. Nil discards them.
	Logger *zap.Logger
}

type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// Open connects, configures the pool and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewLogger(cfg.Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s, err := New(db, cfg.LockTimeout)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, lockTimeout time.Duration) (*Store, error) {
	if err := db.AutoMigrate(&customerRow{}, &transactionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// =============================================================================
// UNITS OF WORK (bonus.TxStore)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(bonus.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(conn{tx})
	})
	return classify(err)
}

// WithCustomerTx locks the customer row for the lifetime of the transaction.
func (s *Store) WithCustomerTx(ctx context.Context, key bonus.CustomerKey, fn func(bonus.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.lockTimeout > 0 && tx.Dialector.Name() == "postgres" {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}

		var row customerRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("customer_key").
			Where("customer_key = ?", string(key)).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return bonus.ErrCustomerNotFound
		}
		if err != nil {
			return err
		}
		return fn(conn{tx})
	})
	return classify(err)
}

// =============================================================================
// bonus.Store
// =============================================================================

func (s *Store) InsertCustomer(ctx context.Context, c bonus.Customer) error {
	return conn{s.db.WithContext(ctx)}.InsertCustomer(ctx, c)
}

func (s *Store) GetCustomer(ctx context.Context, key bonus.CustomerKey) (bonus.Customer, error) {
	return conn{s.db.WithContext(ctx)}.GetCustomer(ctx, key)
}

func (s *Store) FindCustomers(ctx context.Context, f bonus.CustomerFilter) ([]bonus.Customer, error) {
	return conn{s.db.WithContext(ctx)}.FindCustomers(ctx, f)
}

func (s *Store) ListCustomerKeys(ctx context.Context) ([]bonus.CustomerKey, error) {
	return conn{s.db.WithContext(ctx)}.ListCustomerKeys(ctx)
}

func (s *Store) UpdateCustomer(ctx context.Context, c bonus.Customer) error {
	return conn{s.db.WithContext(ctx)}.UpdateCustomer(ctx, c)
}

func (s *Store) InsertTransaction(ctx context.Context, tx bonus.Transaction) error {
	return conn{s.db.WithContext(ctx)}.InsertTransaction(ctx, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id bonus.TransactionID) (bonus.Transaction, error) {
	return conn{s.db.WithContext(ctx)}.GetTransaction(ctx, id)
}

func (s *Store) FindTransactionsByOrder(ctx context.Context, key bonus.CustomerKey, orderKey string) ([]bonus.Transaction, error) {
	return conn{s.db.WithContext(ctx)}.FindTransactionsByOrder(ctx, key, orderKey)
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key bonus.CustomerKey, idem string) (bonus.Transaction, error) {
	return conn{s.db.WithContext(ctx)}.FindTransactionByIdempotencyKey(ctx, key, idem)
}

func (s *Store) UpdateTransaction(ctx context.Context, tx bonus.Transaction) error {
	return conn{s.db.WithContext(ctx)}.UpdateTransaction(ctx, tx)
}

func (s *Store) Transactions(ctx context.Context, key bonus.CustomerKey, includeDeleted bool) ([]bonus.Transaction, error) {
	return conn{s.db.WithContext(ctx)}.Transactions(ctx, key, includeDeleted)
}

// conn runs queries on a session: the pool, or the open transaction.
type conn struct {
	db *gorm.DB
}

func (c conn) InsertCustomer(ctx context.Context, cust bonus.Customer) error {
	row := fromCustomer(cust)
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return bonus.ErrDuplicateCustomer
		}
		return classify(err)
	}
	return nil
}

func (c conn) GetCustomer(ctx context.Context, key bonus.CustomerKey) (bonus.Customer, error) {
	var row customerRow
	err := c.db.WithContext(ctx).Where("customer_key = ?", string(key)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bonus.Customer{}, bonus.ErrCustomerNotFound
	}
	if err != nil {
		return bonus.Customer{}, classify(err)
	}
	return row.toCustomer(), nil
}

func (c conn) FindCustomers(ctx context.Context, f bonus.CustomerFilter) ([]bonus.Customer, error) {
	if f.Name == "" && f.CardNumber == "" {
		return nil, nil
	}
	q := c.db.WithContext(ctx).Model(&customerRow{})
	switch {
	case f.Name != "" && f.CardNumber != "":
		q = q.Where("name = ? OR card_number = ?", f.Name, f.CardNumber)
	case f.Name != "":
		q = q.Where("name = ?", f.Name)
	default:
		q = q.Where("card_number = ?", f.CardNumber)
	}

	var rows []customerRow
	if err := q.Order("customer_key").Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]bonus.Customer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCustomer())
	}
	return out, nil
}

func (c conn) ListCustomerKeys(ctx context.Context) ([]bonus.CustomerKey, error) {
	var keys []string
	if err := c.db.WithContext(ctx).Model(&customerRow{}).Order("customer_key").Pluck("customer_key", &keys).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]bonus.CustomerKey, len(keys))
	for i, k := range keys {
		out[i] = bonus.CustomerKey(k)
	}
	return out, nil
}

func (c conn) UpdateCustomer(ctx context.Context, cust bonus.Customer) error {
	res := c.db.WithContext(ctx).Model(&customerRow{}).
		Where("customer_key = ?", string(cust.Key)).
		Updates(map[string]any{
			"bonus_startup_value":   cust.BonusStartupValue,
			"special_bonus_percent": cust.SpecialBonusPercent,
			"total_bonus_earned":    cust.TotalBonusEarned,
			"total_bonus_used":      cust.TotalBonusUsed,
			"total_bonus_remaining": cust.TotalBonusRemaining,
			"edited_at":             cust.EditedAt.UTC(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return bonus.ErrCustomerNotFound
	}
	return nil
}

func (c conn) InsertTransaction(ctx context.Context, tx bonus.Transaction) error {
	row := fromTransaction(tx)
	if err := c.db.WithContext(ctx).Omit("Customer").Create(&row).Error; err != nil {
		if isForeignKeyViolation(err) {
			return bonus.ErrCustomerNotFound
		}
		return classify(err)
	}
	return nil
}

func (c conn) GetTransaction(ctx context.Context, id bonus.TransactionID) (bonus.Transaction, error) {
	var row transactionRow
	err := c.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bonus.Transaction{}, bonus.ErrTransactionNotFound
	}
	if err != nil {
		return bonus.Transaction{}, classify(err)
	}
	return row.toTransaction(), nil
}

func (c conn) FindTransactionsByOrder(ctx context.Context, key bonus.CustomerKey, orderKey string) ([]bonus.Transaction, error) {
	return c.findTransactions(ctx,
		c.db.WithContext(ctx).Where("customer_key = ? AND order_key = ?", string(key), orderKey))
}

func (c conn) FindTransactionByIdempotencyKey(ctx context.Context, key bonus.CustomerKey, idem string) (bonus.Transaction, error) {
	var row transactionRow
	err := c.db.WithContext(ctx).
		Where("customer_key = ? AND idempotency_key = ?", string(key), idem).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bonus.Transaction{}, bonus.ErrTransactionNotFound
	}
	if err != nil {
		return bonus.Transaction{}, classify(err)
	}
	return row.toTransaction(), nil
}

func (c conn) UpdateTransaction(ctx context.Context, tx bonus.Transaction) error {
	res := c.db.WithContext(ctx).Model(&transactionRow{}).
		Where("id = ?", string(tx.ID)).
		Updates(map[string]any{
			"branch_id":    tx.BranchID,
			"order_key":    tx.OrderKey,
			"payment_key":  tx.PaymentKey,
			"amount_due":   tx.AmountDue,
			"bonus_earned": tx.BonusEarned,
			"bonus_used":   tx.BonusUsed,
			"line_deleted": tx.LineDeleted,
			"tx_type":      tx.Type,
			"note":         tx.Note,
			"edited_at":    tx.EditedAt.UTC(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return bonus.ErrTransactionNotFound
	}
	return nil
}

func (c conn) Transactions(ctx context.Context, key bonus.CustomerKey, includeDeleted bool) ([]bonus.Transaction, error) {
	q := c.db.WithContext(ctx).Where("customer_key = ?", string(key))
	if !includeDeleted {
		q = q.Where("line_deleted = ?", false)
	}
	return c.findTransactions(ctx, q)
}

func (c conn) findTransactions(_ context.Context, q *gorm.DB) ([]bonus.Transaction, error) {
	var rows []transactionRow
	if err := q.Order("added_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]bonus.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTransaction())
	}
	return out, nil
}

// =============================================================================
// MAPPING
// =============================================================================

func fromCustomer(c bonus.Customer) customerRow {
	return customerRow{
		Key:                 string(c.Key),
		Name:                c.Name,
		CardNumber:          c.CardNumber,
		BonusStartupValue:   c.BonusStartupValue,
		SpecialBonusPercent: c.SpecialBonusPercent,
		TotalBonusEarned:    c.TotalBonusEarned,
		TotalBonusUsed:      c.TotalBonusUsed,
		TotalBonusRemaining: c.TotalBonusRemaining,
		CreatedAt:           c.CreatedAt.UTC(),
		EditedAt:            c.EditedAt.UTC(),
	}
}

func (r customerRow) toCustomer() bonus.Customer {
	return bonus.Customer{
		Key:                 bonus.CustomerKey(r.Key),
		Name:                r.Name,
		CardNumber:          r.CardNumber,
		BonusStartupValue:   r.BonusStartupValue,
		SpecialBonusPercent: r.SpecialBonusPercent,
		TotalBonusEarned:    r.TotalBonusEarned,
		TotalBonusUsed:      r.TotalBonusUsed,
		TotalBonusRemaining: r.TotalBonusRemaining,
		CreatedAt:           r.CreatedAt,
		EditedAt:            r.EditedAt,
	}
}

func fromTransaction(tx bonus.Transaction) transactionRow {
	row := transactionRow{
		ID:          string(tx.ID),
		CustomerKey: string(tx.CustomerKey),
		BranchID:    tx.BranchID,
		OrderKey:    tx.OrderKey,
		PaymentKey:  tx.PaymentKey,
		AmountDue:   tx.AmountDue,
		BonusEarned: tx.BonusEarned,
		BonusUsed:   tx.BonusUsed,
		LineDeleted: tx.LineDeleted,
		TxType:      tx.Type,
		Note:        tx.Note,
		AddedAt:     tx.AddedAt.UTC(),
		EditedAt:    tx.EditedAt.UTC(),
	}
	if tx.IdempotencyKey != "" {
		idem := tx.IdempotencyKey
		row.IdempotencyKey = &idem
	}
	return row
}

func (r transactionRow) toTransaction() bonus.Transaction {
	tx := bonus.Transaction{
		ID:          bonus.TransactionID(r.ID),
		CustomerKey: bonus.CustomerKey(r.CustomerKey),
		BranchID:    r.BranchID,
		OrderKey:    r.OrderKey,
		PaymentKey:  r.PaymentKey,
		AmountDue:   r.AmountDue,
		BonusEarned: r.BonusEarned,
		BonusUsed:   r.BonusUsed,
		LineDeleted: r.LineDeleted,
		Type:        r.TxType,
		Note:        r.Note,
		AddedAt:     r.AddedAt,
		EditedAt:    r.EditedAt,
	}
	if r.IdempotencyKey != nil {
		tx.IdempotencyKey = *r.IdempotencyKey
	}
	return tx
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// PostgreSQL SQLSTATE codes.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// classify marks lock and serialization failures as concurrency conflicts.
// Errors that already carry a bonus sentinel pass through.
func classify(err error) error {
	if err == nil || errors.Is(err, bonus.ErrConcurrencyConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", bonus.ErrConcurrencyConflict, err)
		}
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", bonus.ErrConcurrencyConflict, err)
	}
	return err
}
