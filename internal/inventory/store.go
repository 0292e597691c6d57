package inventory

import (
	"context"
	"time"

	"github.com/shopcore/inventory/internal/orders"
)

// Tx is the view inside one atomic unit. Implementations roll back every
// write when the callback passed to WithTx returns an error, so an
// order-level operation either lands for all line items or for none.
type Tx interface {
	// Product loads a fresh copy inside the transaction.
	Product(ctx context.Context, productID string) (*Product, error)

	// SaveProduct persists with a compare-and-swap on Version and bumps it.
	// ErrConflict when another writer committed since the load.
	SaveProduct(ctx context.Context, p *Product) error

	// Order reloads one order inside the transaction (the sweep rechecks
	// candidates here so a rerun against an already-cancelled order is a
	// no-op).
	Order(ctx context.Context, orderID string) (*orders.Order, error)

	// SaveOrderStatus persists a transition produced by Order.UpdateStatus,
	// compare-and-swapping on the order's Version like SaveProduct does.
	// ErrConflict when another writer committed since the load.
	SaveOrderStatus(ctx context.Context, o *orders.Order, change *orders.StatusChange) error

	// OpenReservedQuantity sums item quantities across open orders (status
	// pending/processing, payment not paid/refunded) referencing a product.
	// Ground truth for reconciliation.
	OpenReservedQuantity(ctx context.Context, productID string) (int, error)
}

// Store is the persistence boundary the service orchestrates against.
type Store interface {
	// Product is a plain read outside any transaction.
	Product(ctx context.Context, productID string) (*Product, error)

	// ExpiredOrders scans for stale card orders: status pending, payment
	// pending, created before cutoff. Read-only candidate list for the
	// sweep; each candidate is re-verified inside its own transaction.
	ExpiredOrders(ctx context.Context, cutoff time.Time) ([]*orders.Order, error)

	// WithTx runs fn in one transaction; an error aborts and rolls back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
