package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopcore/inventory/internal/orders"
)

// PGStore is the Postgres-backed Store. Product and order writes are guarded
// by their version columns: UPDATE ... WHERE version = loaded version, zero
// rows affected means another writer won and the transaction aborts with
// ErrConflict.
type PGStore struct{ DB *pgxpool.Pool }

func (s *PGStore) Product(ctx context.Context, productID string) (*Product, error) {
	return scanProduct(s.DB.QueryRow(ctx, selectProduct, productID))
}

func (s *PGStore) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, sku, name, image, stock, reserved_stock, low_stock_threshold, price_cents, version, created_at, updated_at
		FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) ExpiredOrders(ctx context.Context, cutoff time.Time) ([]*orders.Order, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status=$1 AND payment_status=$2 AND payment_method=$3 AND created_at < $4
		ORDER BY created_at`,
		orders.StatusPending, orders.PaymentPending, orders.MethodCard, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*orders.Order, 0, len(ids))
	for _, id := range ids {
		o, err := loadOrder(ctx, s.DB, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *PGStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct{ tx pgx.Tx }

const selectProduct = `
	SELECT id, sku, name, image, stock, reserved_stock, low_stock_threshold, price_cents, version, created_at, updated_at
	FROM products WHERE id=$1`

func (t *pgTx) Product(ctx context.Context, productID string) (*Product, error) {
	return scanProduct(t.tx.QueryRow(ctx, selectProduct, productID))
}

func (t *pgTx) SaveProduct(ctx context.Context, p *Product) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products
		SET stock=$2, reserved_stock=$3, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$4`,
		p.ID, p.Stock, p.ReservedStock, p.Version)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// the row was loaded in this tx, so a miss means a concurrent writer
		return ErrConflict
	}
	p.Version++
	return nil
}

func (t *pgTx) Order(ctx context.Context, orderID string) (*orders.Order, error) {
	return loadOrder(ctx, t.tx, orderID)
}

func (t *pgTx) SaveOrderStatus(ctx context.Context, o *orders.Order, change *orders.StatusChange) error {
	if change == nil {
		return nil
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, version=version+1, updated_at=$4
		WHERE id=$1 AND version=$5`,
		o.ID, o.Status, o.PaymentStatus, o.UpdatedAt, o.Version)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// the order was loaded in this tx, so a miss means a concurrent
		// writer (a payment can land between our read and this write)
		return ErrConflict
	}
	o.Version++
	_, err = t.tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, status, note, created_at)
		VALUES ($1,$2,$3,$4)`, o.ID, change.Status, change.Note, change.At)
	return err
}

func (t *pgTx) OpenReservedQuantity(ctx context.Context, productID string) (int, error) {
	var sum int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(oi.qty), 0)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.product_id = $1
		  AND o.status IN ($2, $3)
		  AND o.payment_status NOT IN ($4, $5)`,
		productID,
		orders.StatusPending, orders.StatusProcessing,
		orders.PaymentPaid, orders.PaymentRefunded).Scan(&sum)
	return sum, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Image, &p.Stock, &p.ReservedStock,
		&p.LowStockThreshold, &p.PriceCents, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// loadOrder works against both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOrder(ctx context.Context, q querier, orderID string) (*orders.Order, error) {
	var o orders.Order
	err := q.QueryRow(ctx, `
		SELECT id, order_number, user_id, status, payment_status, payment_method, total_cents, version, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.Number, &o.UserID, &o.Status, &o.PaymentStatus, &o.PaymentMethod, &o.TotalCents, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT product_id, name, price_cents, qty, image, subtotal_cents
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.PriceCents, &it.Qty, &it.Image, &it.SubtotalCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}
