// Package store provides the in-memory bonus.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/bonus-ledger/bonus"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps one tenant partition in maps. Units of work hold the store
// mutex for their whole duration, which is the memory equivalent of the
// customer row lock.
type Memory struct {
	mu           sync.RWMutex
	customers    map[bonus.CustomerKey]bonus.Customer
	transactions map[bonus.TransactionID]bonus.Transaction
	byCustomer   map[bonus.CustomerKey][]bonus.TransactionID
}

func NewMemory() *Memory {
	return &Memory{
		customers:    make(map[bonus.CustomerKey]bonus.Customer),
		transactions: make(map[bonus.TransactionID]bonus.Transaction),
		byCustomer:   make(map[bonus.CustomerKey][]bonus.TransactionID),
	}
}

// view implements bonus.Store over the maps. It takes no locks; callers do.
type view struct{ m *Memory }

func (m *Memory) InsertCustomer(ctx context.Context, c bonus.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view{m}.InsertCustomer(ctx, c)
}

func (m *Memory) GetCustomer(ctx context.Context, key bonus.CustomerKey) (bonus.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return view{m}.GetCustomer(ctx, key)
}

func (m *Memory) FindCustomers(ctx context.Context, f bonus.CustomerFilter) ([]bonus.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return view{m}.FindCustomers(ctx, f)
}

func (m *Memory) ListCustomerKeys(ctx context.Context) ([]bonus.CustomerKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return view{m}.ListCustomerKeys(ctx)
}

func (m *Memory) UpdateCustomer(ctx context.Context, c bonus.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view{m}.UpdateCustomer(ctx, c)
}

func (m *Memory) InsertTransaction(ctx context.Context, tx bonus.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view{m}.InsertTransaction(ctx, tx)
}

func (m *Memory) GetTransaction(ctx context.Context, id bonus.TransactionID) (bonus.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return view{m}.GetTransaction(ctx, id)
}

func (m *Memory) FindTransactionsByOrder(ctx context.Context, key bonus.CustomerKey, orderKey string) ([]bonus.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return view{m}.FindTransactionsByOrder(ctx, key, orderKey)
}

func (m *Memory) FindTransactionByIdempotencyKey(ctx context.Context, key bonus.CustomerKey, idem string) (bonus.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return view{m}.FindTransactionByIdempotencyKey(ctx, key, idem)
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx bonus.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return view{m}.UpdateTransaction(ctx, tx)
}

func (m *Memory) Transactions(ctx context.Context, key bonus.CustomerKey, includeDeleted bool) ([]bonus.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return view{m}.Transactions(ctx, key, includeDeleted)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn with the store locked. Simulated with snapshot +
// rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(bonus.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(view{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// WithCustomerTx is WithTx plus an existence check on the customer.
func (m *Memory) WithCustomerTx(ctx context.Context, key bonus.CustomerKey, fn func(bonus.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &bonus.ConflictError{CustomerKey: key, Err: err}
	}
	if _, ok := m.customers[key]; !ok {
		return bonus.ErrCustomerNotFound
	}

	snap := m.snapshot()
	if err := fn(view{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	customers    map[bonus.CustomerKey]bonus.Customer
	transactions map[bonus.TransactionID]bonus.Transaction
	byCustomer   map[bonus.CustomerKey][]bonus.TransactionID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		customers:    make(map[bonus.CustomerKey]bonus.Customer, len(m.customers)),
		transactions: make(map[bonus.TransactionID]bonus.Transaction, len(m.transactions)),
		byCustomer:   make(map[bonus.CustomerKey][]bonus.TransactionID, len(m.byCustomer)),
	}
	for k, v := range m.customers {
		s.customers[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.byCustomer {
		s.byCustomer[k] = append([]bonus.TransactionID(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.customers = s.customers
	m.transactions = s.transactions
	m.byCustomer = s.byCustomer
}

// =============================================================================
// VIEW (lock-free; used inside units of work)
// =============================================================================

func (v view) InsertCustomer(_ context.Context, c bonus.Customer) error {
	if _, ok := v.m.customers[c.Key]; ok {
		return bonus.ErrDuplicateCustomer
	}
	for _, other := range v.m.customers {
		if other.Name == c.Name || (c.CardNumber != "" && other.CardNumber == c.CardNumber) {
			return bonus.ErrDuplicateCustomer
		}
	}
	v.m.customers[c.Key] = c
	return nil
}

func (v view) GetCustomer(_ context.Context, key bonus.CustomerKey) (bonus.Customer, error) {
	c, ok := v.m.customers[key]
	if !ok {
		return bonus.Customer{}, bonus.ErrCustomerNotFound
	}
	return c, nil
}

func (v view) FindCustomers(_ context.Context, f bonus.CustomerFilter) ([]bonus.Customer, error) {
	var out []bonus.Customer
	for _, c := range v.m.customers {
		if (f.Name != "" && c.Name == f.Name) || (f.CardNumber != "" && c.CardNumber == f.CardNumber) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (v view) ListCustomerKeys(_ context.Context) ([]bonus.CustomerKey, error) {
	keys := make([]bonus.CustomerKey, 0, len(v.m.customers))
	for k := range v.m.customers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (v view) UpdateCustomer(_ context.Context, c bonus.Customer) error {
	cur, ok := v.m.customers[c.Key]
	if !ok {
		return bonus.ErrCustomerNotFound
	}
	// Identity and natural keys are not editable through this path.
	c.Name, c.CardNumber, c.CreatedAt = cur.Name, cur.CardNumber, cur.CreatedAt
	v.m.customers[c.Key] = c
	return nil
}

func (v view) InsertTransaction(_ context.Context, tx bonus.Transaction) error {
	if _, ok := v.m.customers[tx.CustomerKey]; !ok {
		return bonus.ErrCustomerNotFound
	}
	v.m.transactions[tx.ID] = tx
	v.m.byCustomer[tx.CustomerKey] = append(v.m.byCustomer[tx.CustomerKey], tx.ID)
	return nil
}

func (v view) GetTransaction(_ context.Context, id bonus.TransactionID) (bonus.Transaction, error) {
	tx, ok := v.m.transactions[id]
	if !ok {
		return bonus.Transaction{}, bonus.ErrTransactionNotFound
	}
	return tx, nil
}

func (v view) FindTransactionsByOrder(_ context.Context, key bonus.CustomerKey, orderKey string) ([]bonus.Transaction, error) {
	var out []bonus.Transaction
	for _, id := range v.m.byCustomer[key] {
		if tx := v.m.transactions[id]; tx.OrderKey == orderKey {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (v view) FindTransactionByIdempotencyKey(_ context.Context, key bonus.CustomerKey, idem string) (bonus.Transaction, error) {
	for _, id := range v.m.byCustomer[key] {
		if tx := v.m.transactions[id]; tx.IdempotencyKey == idem {
			return tx, nil
		}
	}
	return bonus.Transaction{}, bonus.ErrTransactionNotFound
}

func (v view) UpdateTransaction(_ context.Context, tx bonus.Transaction) error {
	cur, ok := v.m.transactions[tx.ID]
	if !ok {
		return bonus.ErrTransactionNotFound
	}
	// Immutable columns stay as first written.
	tx.CustomerKey, tx.AddedAt, tx.IdempotencyKey = cur.CustomerKey, cur.AddedAt, cur.IdempotencyKey
	v.m.transactions[tx.ID] = tx
	return nil
}

func (v view) Transactions(_ context.Context, key bonus.CustomerKey, includeDeleted bool) ([]bonus.Transaction, error) {
	ids := v.m.byCustomer[key]
	out := make([]bonus.Transaction, 0, len(ids))
	for _, id := range ids {
		tx := v.m.transactions[id]
		if tx.LineDeleted && !includeDeleted {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}
