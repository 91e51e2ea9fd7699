/*
Package sqlite provides a SQLite-backed bonus.TxStore.

PURPOSE:
  Embedded single-file storage for one tenant partition. Used by default for
  small installations and in tests; the gormstore package covers PostgreSQL.

KEY TABLES:
  customers:    One ledger record per customer, totals cached as TEXT decimals
  transactions: The transaction log, soft-deleted via line_deleted

INDEXES:
  - idx_customers_name / idx_customers_card: natural keys are unique per tenant
  - idx_transactions_customer: hot path of every recomputation
  - idx_transactions_order: alternate-key lookups (customer, order key)
  - idx_transactions_idempotency: one row per (customer, idempotency key)

LOCKING:
  The DSN sets _txlock=immediate, so every BeginTx issues BEGIN IMMEDIATE and
  takes the database writer lock up front. That lock is held until commit and
  covers the customer row. Other writers wait up to _busy_timeout, then get
  SQLITE_BUSY, which is mapped to bonus.ErrConcurrencyConflict.

  The pool is capped at one connection; ":memory:" databases are per
  connection, and SQLite has a single writer anyway.

FORMATS:
  Decimals are stored as TEXT to keep them exact. Times are UTC with a fixed
  nanosecond layout, so lexical order equals chronological order.

USAGE:
  store, err := sqlite.New("./data/bonus.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := bonus.NewLedger(store, bonus.Options{})

SEE ALSO:
  - bonus/store.go: Interface definitions and the locking contract
  - bonus/storetest: Contract suite run against this store
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/bonus-ledger/bonus"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements bonus.TxStore using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a SQLite store at dbPath. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		customer_key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		card_number TEXT NOT NULL DEFAULT '',
		bonus_startup_value TEXT NOT NULL,
		special_bonus_percent TEXT NOT NULL,
		total_bonus_earned TEXT NOT NULL,
		total_bonus_used TEXT NOT NULL,
		total_bonus_remaining TEXT NOT NULL,
		created_at TEXT NOT NULL,
		edited_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_name
		ON customers(name);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_card
		ON customers(card_number) WHERE card_number <> '';

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		customer_key TEXT NOT NULL REFERENCES customers(customer_key),
		branch_id TEXT NOT NULL DEFAULT '',
		order_key TEXT NOT NULL DEFAULT '',
		payment_key TEXT NOT NULL DEFAULT '',
		amount_due TEXT NOT NULL,
		bonus_earned TEXT NOT NULL,
		bonus_used TEXT NOT NULL,
		line_deleted INTEGER NOT NULL DEFAULT 0,
		tx_type TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		added_at TEXT NOT NULL,
		edited_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_customer
		ON transactions(customer_key, line_deleted, added_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_order
		ON transactions(customer_key, order_key);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(customer_key, idempotency_key) WHERE idempotency_key IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER - shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements bonus.Store on top of a querier. Outside a unit of work it
// wraps the pool; inside, the open *sql.Tx.
type conn struct {
	q querier
}

func (s *Store) InsertCustomer(ctx context.Context, c bonus.Customer) error {
	return conn{s.db}.InsertCustomer(ctx, c)
}

func (s *Store) GetCustomer(ctx context.Context, key bonus.CustomerKey) (bonus.Customer, error) {
	return conn{s.db}.GetCustomer(ctx, key)
}

func (s *Store) FindCustomers(ctx context.Context, f bonus.CustomerFilter) ([]bonus.Customer, error) {
	return conn{s.db}.FindCustomers(ctx, f)
}

func (s *Store) ListCustomerKeys(ctx context.Context) ([]bonus.CustomerKey, error) {
	return conn{s.db}.ListCustomerKeys(ctx)
}

func (s *Store) UpdateCustomer(ctx context.Context, c bonus.Customer) error {
	return conn{s.db}.UpdateCustomer(ctx, c)
}

func (s *Store) InsertTransaction(ctx context.Context, tx bonus.Transaction) error {
	return conn{s.db}.InsertTransaction(ctx, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id bonus.TransactionID) (bonus.Transaction, error) {
	return conn{s.db}.GetTransaction(ctx, id)
}

func (s *Store) FindTransactionsByOrder(ctx context.Context, key bonus.CustomerKey, orderKey string) ([]bonus.Transaction, error) {
	return conn{s.db}.FindTransactionsByOrder(ctx, key, orderKey)
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key bonus.CustomerKey, idem string) (bonus.Transaction, error) {
	return conn{s.db}.FindTransactionByIdempotencyKey(ctx, key, idem)
}

func (s *Store) UpdateTransaction(ctx context.Context, tx bonus.Transaction) error {
	return conn{s.db}.UpdateTransaction(ctx, tx)
}

func (s *Store) Transactions(ctx context.Context, key bonus.CustomerKey, includeDeleted bool) ([]bonus.Transaction, error) {
	return conn{s.db}.Transactions(ctx, key, includeDeleted)
}

// =============================================================================
// UNITS OF WORK (bonus.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(bonus.Store) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(conn{tx})
	})
}

// WithCustomerTx executes fn within a database transaction after checking
// the customer exists. BEGIN IMMEDIATE already holds the writer lock.
func (s *Store) WithCustomerTx(ctx context.Context, key bonus.CustomerKey, fn func(bonus.Store) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM customers WHERE customer_key = ?`, key).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return bonus.ErrCustomerNotFound
		}
		if err != nil {
			return classify(err)
		}
		return fn(conn{tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `customer_key, name, card_number, bonus_startup_value, special_bonus_percent,
	total_bonus_earned, total_bonus_used, total_bonus_remaining, created_at, edited_at`

func (c conn) InsertCustomer(ctx context.Context, cust bonus.Customer) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO customers (`+customerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cust.Key,
		cust.Name,
		cust.CardNumber,
		cust.BonusStartupValue.String(),
		cust.SpecialBonusPercent.String(),
		cust.TotalBonusEarned.String(),
		cust.TotalBonusUsed.String(),
		cust.TotalBonusRemaining.String(),
		formatTime(cust.CreatedAt),
		formatTime(cust.EditedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return bonus.ErrDuplicateCustomer
		}
		return classify(fmt.Errorf("failed to insert customer: %w", err))
	}
	return nil
}

func (c conn) GetCustomer(ctx context.Context, key bonus.CustomerKey) (bonus.Customer, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE customer_key = ?`, key)
	cust, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bonus.Customer{}, bonus.ErrCustomerNotFound
	}
	if err != nil {
		return bonus.Customer{}, classify(fmt.Errorf("failed to get customer: %w", err))
	}
	return cust, nil
}

func (c conn) FindCustomers(ctx context.Context, f bonus.CustomerFilter) ([]bonus.Customer, error) {
	var (
		conds []string
		args  []any
	)
	if f.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, f.Name)
	}
	if f.CardNumber != "" {
		conds = append(conds, "card_number = ?")
		args = append(args, f.CardNumber)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := `SELECT ` + customerColumns + ` FROM customers WHERE ` + strings.Join(conds, " OR ") + ` ORDER BY customer_key`
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query customers: %w", err))
	}
	defer rows.Close()

	var out []bonus.Customer
	for rows.Next() {
		cust, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cust)
	}
	return out, rows.Err()
}

func (c conn) ListCustomerKeys(ctx context.Context) ([]bonus.CustomerKey, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT customer_key FROM customers ORDER BY customer_key`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list customers: %w", err))
	}
	defer rows.Close()

	var keys []bonus.CustomerKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, bonus.CustomerKey(k))
	}
	return keys, rows.Err()
}

func (c conn) UpdateCustomer(ctx context.Context, cust bonus.Customer) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE customers SET
			bonus_startup_value = ?, special_bonus_percent = ?,
			total_bonus_earned = ?, total_bonus_used = ?, total_bonus_remaining = ?,
			edited_at = ?
		WHERE customer_key = ?`,
		cust.BonusStartupValue.String(),
		cust.SpecialBonusPercent.String(),
		cust.TotalBonusEarned.String(),
		cust.TotalBonusUsed.String(),
		cust.TotalBonusRemaining.String(),
		formatTime(cust.EditedAt),
		cust.Key,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update customer: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bonus.ErrCustomerNotFound
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, customer_key, branch_id, order_key, payment_key, amount_due,
	bonus_earned, bonus_used, line_deleted, tx_type, note, idempotency_key, added_at, edited_at`

func (c conn) InsertTransaction(ctx context.Context, tx bonus.Transaction) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.CustomerKey,
		tx.BranchID,
		tx.OrderKey,
		tx.PaymentKey,
		tx.AmountDue.String(),
		tx.BonusEarned.String(),
		tx.BonusUsed.String(),
		tx.LineDeleted,
		tx.Type,
		tx.Note,
		nullString(tx.IdempotencyKey),
		formatTime(tx.AddedAt),
		formatTime(tx.EditedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return bonus.ErrCustomerNotFound
		}
		return classify(fmt.Errorf("failed to insert transaction: %w", err))
	}
	return nil
}

func (c conn) GetTransaction(ctx context.Context, id bonus.TransactionID) (bonus.Transaction, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bonus.Transaction{}, bonus.ErrTransactionNotFound
	}
	if err != nil {
		return bonus.Transaction{}, classify(fmt.Errorf("failed to get transaction: %w", err))
	}
	return tx, nil
}

func (c conn) FindTransactionsByOrder(ctx context.Context, key bonus.CustomerKey, orderKey string) ([]bonus.Transaction, error) {
	return c.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE customer_key = ? AND order_key = ?
		ORDER BY added_at ASC, rowid ASC`, key, orderKey)
}

func (c conn) FindTransactionByIdempotencyKey(ctx context.Context, key bonus.CustomerKey, idem string) (bonus.Transaction, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE customer_key = ? AND idempotency_key = ?`, key, idem)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bonus.Transaction{}, bonus.ErrTransactionNotFound
	}
	if err != nil {
		return bonus.Transaction{}, classify(fmt.Errorf("failed to get transaction: %w", err))
	}
	return tx, nil
}

// UpdateTransaction rewrites the mutable columns. id, customer_key,
// idempotency_key and added_at never change.
func (c conn) UpdateTransaction(ctx context.Context, tx bonus.Transaction) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE transactions SET
			branch_id = ?, order_key = ?, payment_key = ?, amount_due = ?,
			bonus_earned = ?, bonus_used = ?, line_deleted = ?,
			tx_type = ?, note = ?, edited_at = ?
		WHERE id = ?`,
		tx.BranchID,
		tx.OrderKey,
		tx.PaymentKey,
		tx.AmountDue.String(),
		tx.BonusEarned.String(),
		tx.BonusUsed.String(),
		tx.LineDeleted,
		tx.Type,
		tx.Note,
		formatTime(tx.EditedAt),
		tx.ID,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to update transaction: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bonus.ErrTransactionNotFound
	}
	return nil
}

func (c conn) Transactions(ctx context.Context, key bonus.CustomerKey, includeDeleted bool) ([]bonus.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE customer_key = ?`
	if !includeDeleted {
		query += ` AND line_deleted = 0`
	}
	query += ` ORDER BY added_at ASC, rowid ASC`
	return c.queryTransactions(ctx, query, key)
}

func (c conn) queryTransactions(ctx context.Context, query string, args ...any) ([]bonus.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var txs []bonus.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (bonus.Customer, error) {
	var (
		c                                  bonus.Customer
		key                                string
		startup, pct, earned, used, remain string
		createdAt, editedAt                string
	)
	if err := row.Scan(&key, &c.Name, &c.CardNumber, &startup, &pct, &earned, &used, &remain, &createdAt, &editedAt); err != nil {
		return bonus.Customer{}, err
	}
	c.Key = bonus.CustomerKey(key)

	var err error
	if c.BonusStartupValue, err = decimal.NewFromString(startup); err != nil {
		return bonus.Customer{}, fmt.Errorf("customer %s: bad startup value: %w", key, err)
	}
	if c.SpecialBonusPercent, err = decimal.NewFromString(pct); err != nil {
		return bonus.Customer{}, fmt.Errorf("customer %s: bad special percent: %w", key, err)
	}
	if c.TotalBonusEarned, err = decimal.NewFromString(earned); err != nil {
		return bonus.Customer{}, fmt.Errorf("customer %s: bad earned total: %w", key, err)
	}
	if c.TotalBonusUsed, err = decimal.NewFromString(used); err != nil {
		return bonus.Customer{}, fmt.Errorf("customer %s: bad used total: %w", key, err)
	}
	if c.TotalBonusRemaining, err = decimal.NewFromString(remain); err != nil {
		return bonus.Customer{}, fmt.Errorf("customer %s: bad remaining total: %w", key, err)
	}
	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	c.EditedAt, _ = time.Parse(timeLayout, editedAt)
	return c, nil
}

func scanTransaction(row scanner) (bonus.Transaction, error) {
	var (
		tx                      bonus.Transaction
		id, key                 string
		amountDue, earned, used string
		idem                    sql.NullString
		addedAt, editedAt       string
	)
	err := row.Scan(&id, &key, &tx.BranchID, &tx.OrderKey, &tx.PaymentKey, &amountDue,
		&earned, &used, &tx.LineDeleted, &tx.Type, &tx.Note, &idem, &addedAt, &editedAt)
	if err != nil {
		return bonus.Transaction{}, err
	}
	tx.ID = bonus.TransactionID(id)
	tx.CustomerKey = bonus.CustomerKey(key)
	tx.IdempotencyKey = idem.String

	if tx.AmountDue, err = decimal.NewFromString(amountDue); err != nil {
		return bonus.Transaction{}, fmt.Errorf("transaction %s: bad amount due: %w", id, err)
	}
	if tx.BonusEarned, err = decimal.NewFromString(earned); err != nil {
		return bonus.Transaction{}, fmt.Errorf("transaction %s: bad bonus earned: %w", id, err)
	}
	if tx.BonusUsed, err = decimal.NewFromString(used); err != nil {
		return bonus.Transaction{}, fmt.Errorf("transaction %s: bad bonus used: %w", id, err)
	}
	tx.AddedAt, _ = time.Parse(timeLayout, addedAt)
	tx.EditedAt, _ = time.Parse(timeLayout, editedAt)
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// classify marks busy and locked databases as concurrency conflicts.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", bonus.ErrConcurrencyConflict, err)
	}
	return err
}
