/*
store.go - Persistence contracts for customers and the transaction log

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks SQL; stores never run balance math. Every write the engine
  makes goes through a TxStore unit of work.

KEY INTERFACES:
  Store:   Reads and writes for one tenant partition
  TxStore: Store plus the two unit-of-work entry points

LOCKING CONTRACT:
  WithCustomerTx must run fn inside a single store transaction that holds an
  exclusive lock on the customer's ledger row until commit or rollback:
  - PostgreSQL: SELECT ... FOR UPDATE on the customers row
  - SQLite:     BEGIN IMMEDIATE (database-wide writer lock)
  - Memory:     the store mutex
  If fn returns an error, nothing fn wrote may survive.

SOFT DELETE:
  There is no DeleteTransaction. Rows are flagged via UpdateTransaction.

ERRORS:
  Stores return ErrCustomerNotFound / ErrTransactionNotFound for missing rows,
  ErrDuplicateCustomer for natural-key collisions and ErrConcurrencyConflict
  for lock timeouts, busy databases and serialization failures.

IMPLEMENTATIONS:
  - bonus/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/gormstore/gorm.go: PostgreSQL (and SQLite) through gorm

SEE ALSO:
  - ledger.go: The only caller of the write methods
  - storetest/storetest.go: Contract suite every implementation must pass
*/
package bonus

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// InsertCustomer persists a new ledger record. ErrDuplicateCustomer on
	// natural-key collision.
	InsertCustomer(ctx context.Context, c Customer) error

	// GetCustomer returns the record or ErrCustomerNotFound.
	GetCustomer(ctx context.Context, key CustomerKey) (Customer, error)

	// FindCustomers returns customers matching any set field of the filter.
	FindCustomers(ctx context.Context, f CustomerFilter) ([]Customer, error)

	// ListCustomerKeys returns every customer key in the partition.
	ListCustomerKeys(ctx context.Context) ([]CustomerKey, error)

	// UpdateCustomer overwrites base parameters, derived totals and EditedAt.
	UpdateCustomer(ctx context.Context, c Customer) error

	// InsertTransaction appends a row.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns the row or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// FindTransactionsByOrder returns rows for (customer, order key), any state.
	FindTransactionsByOrder(ctx context.Context, key CustomerKey, orderKey string) ([]Transaction, error)

	// FindTransactionByIdempotencyKey returns the row carrying the key, or
	// ErrTransactionNotFound.
	FindTransactionByIdempotencyKey(ctx context.Context, key CustomerKey, idempotencyKey string) (Transaction, error)

	// UpdateTransaction overwrites the mutable fields of an existing row.
	UpdateTransaction(ctx context.Context, tx Transaction) error

	// Transactions returns the customer's rows ordered by AddedAt.
	Transactions(ctx context.Context, key CustomerKey, includeDeleted bool) ([]Transaction, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

type TxStore interface {
	Store

	// WithTx executes fn within a store transaction without a customer lock.
	// Used for customer creation. Rolled back if fn returns an error.
	WithTx(ctx context.Context, fn func(Store) error) error

	// WithCustomerTx executes fn within a store transaction holding the
	// customer's row lock. ErrCustomerNotFound if the customer does not exist.
	WithCustomerTx(ctx context.Context, key CustomerKey, fn func(Store) error) error
}
