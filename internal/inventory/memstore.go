package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopcore/inventory/internal/orders"
)

// MemStore is an in-memory Store with the same transaction and versioning
// semantics as PGStore: writes are staged per transaction and applied only
// on commit, product and order saves compare-and-swap the version stamp.
// Used by tests and local runs without a database.
type MemStore struct {
	mu        sync.Mutex
	products  map[string]*Product
	orders    map[string]*orders.Order
	conflicts map[string]int // pending forced conflicts per product, for tests
	beforeTx  func()         // test hook, see BeforeTx
}

func NewMemStore() *MemStore {
	return &MemStore{
		products:  make(map[string]*Product),
		orders:    make(map[string]*orders.Order),
		conflicts: make(map[string]int),
	}
}

func (m *MemStore) PutProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	m.products[p.ID] = &p
}

func (m *MemStore) PutOrder(o orders.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Version == 0 {
		o.Version = 1
	}
	if cur, ok := m.orders[o.ID]; ok && o.Version <= cur.Version {
		o.Version = cur.Version + 1
	}
	m.orders[o.ID] = &o
}

// Snapshot returns a copy of a product for assertions.
func (m *MemStore) Snapshot(productID string) (Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return Product{}, false
	}
	return *p, true
}

// OrderSnapshot returns a copy of an order for assertions.
func (m *MemStore) OrderSnapshot(orderID string) (orders.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return orders.Order{}, false
	}
	return *o, true
}

// ForceConflict makes the next n product saves fail with ErrConflict, as if
// a concurrent writer had committed first.
func (m *MemStore) ForceConflict(productID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[productID] = n
}

// BeforeTx installs a hook run at the start of every transaction, before the
// store lock is taken. Tests use it to commit a concurrent write between a
// candidate scan and the transaction that acts on the candidate.
func (m *MemStore) BeforeTx(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeTx = fn
}

func (m *MemStore) Product(ctx context.Context, productID string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) ListProducts(ctx context.Context) ([]*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Product, 0, len(m.products))
	for _, p := range m.products {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (m *MemStore) ExpiredOrders(ctx context.Context, cutoff time.Time) ([]*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*orders.Order
	for _, o := range m.orders {
		if o.Status == orders.StatusPending &&
			o.PaymentStatus == orders.PaymentPending &&
			o.PaymentMethod == orders.MethodCard &&
			o.CreatedAt.Before(cutoff) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	hook := m.beforeTx
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:    m,
		products: make(map[string]*Product),
		orders:   make(map[string]*orders.Order),
	}
	if err := fn(tx); err != nil {
		return err // staged writes discarded
	}
	for id, p := range tx.products {
		m.products[id] = p
	}
	for id, o := range tx.orders {
		m.orders[id] = o
	}
	return nil
}

// memTx stages writes; the caller's mutex is held for the whole transaction.
type memTx struct {
	store    *MemStore
	products map[string]*Product
	orders   map[string]*orders.Order
}

func (t *memTx) Product(ctx context.Context, productID string) (*Product, error) {
	if p, ok := t.products[productID]; ok {
		cp := *p
		return &cp, nil
	}
	p, ok := t.store.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) SaveProduct(ctx context.Context, p *Product) error {
	if n := t.store.conflicts[p.ID]; n > 0 {
		t.store.conflicts[p.ID] = n - 1
		return ErrConflict
	}
	cur, ok := t.products[p.ID]
	if !ok {
		cur, ok = t.store.products[p.ID]
		if !ok {
			return ErrProductNotFound
		}
	}
	if cur.Version != p.Version {
		return ErrConflict
	}
	cp := *p
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	t.products[cp.ID] = &cp
	p.Version = cp.Version
	return nil
}

func (t *memTx) Order(ctx context.Context, orderID string) (*orders.Order, error) {
	if o, ok := t.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	o, ok := t.store.orders[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) SaveOrderStatus(ctx context.Context, o *orders.Order, change *orders.StatusChange) error {
	if change == nil {
		return nil
	}
	cur, ok := t.orders[o.ID]
	if !ok {
		cur, ok = t.store.orders[o.ID]
		if !ok {
			return orders.ErrOrderNotFound
		}
	}
	if cur.Version != o.Version {
		return ErrConflict
	}
	cp := *o
	cp.Version++
	t.orders[o.ID] = &cp
	o.Version = cp.Version
	return nil
}

func (t *memTx) OpenReservedQuantity(ctx context.Context, productID string) (int, error) {
	sum := 0
	seen := make(map[string]bool)
	count := func(o *orders.Order) {
		if seen[o.ID] || !o.Open() {
			return
		}
		seen[o.ID] = true
		for _, it := range o.Items {
			if it.ProductID == productID {
				sum += it.Qty
			}
		}
	}
	for _, o := range t.orders {
		count(o)
	}
	for _, o := range t.store.orders {
		if _, staged := t.orders[o.ID]; staged {
			continue
		}
		count(o)
	}
	return sum, nil
}
