package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrOrderNotFound = errors.New("order not found")

	// ErrStaleOrder: the row's version moved on since this order was loaded,
	// so the write was refused. Reload and retry.
	ErrStaleOrder = errors.New("order modified concurrently")
)

type Repo struct{ DB *pgxpool.Pool }

// Create persists a new order in one transaction, assigning the order number
// from the daily sequence (max existing sequence for today + 1). A unique
// index on order_number turns a same-millisecond race into an insert error
// the caller can retry.
func (r *Repo) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	var last string
	err = tx.QueryRow(ctx, `
		SELECT order_number FROM orders
		WHERE order_number LIKE $1 || '%'
		ORDER BY order_number DESC LIMIT 1`, DayPrefix(now)).Scan(&last)
	seq := 1
	if err == nil {
		seq = SequenceOf(last) + 1
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	o.Number = NumberFor(now, seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, user_id, status, payment_status, payment_method, total_cents, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.Number, o.UserID, o.Status, o.PaymentStatus, o.PaymentMethod, o.TotalCents, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, name, price_cents, qty, image, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			o.ID, it.ProductID, it.Name, it.PriceCents, it.Qty, it.Image, it.SubtotalCents)
		if err != nil {
			return err
		}
	}

	for _, h := range o.History {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_status_history(order_id, status, note, created_at)
			VALUES ($1,$2,$3,$4)`, o.ID, h.Status, h.Note, h.At)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Get loads one order with its item snapshot and status history.
func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := r.DB.QueryRow(ctx, `
		SELECT id, order_number, user_id, status, payment_status, payment_method, total_cents, version, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.Number, &o.UserID, &o.Status, &o.PaymentStatus, &o.PaymentMethod, &o.TotalCents, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT product_id, name, price_cents, qty, image, subtotal_cents
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.PriceCents, &it.Qty, &it.Image, &it.SubtotalCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := r.DB.Query(ctx, `
		SELECT status, note, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var h StatusChange
		if err := hrows.Scan(&h.Status, &h.Note, &h.At); err != nil {
			return nil, err
		}
		o.History = append(o.History, h)
	}
	return &o, hrows.Err()
}

// MarkPaid flips payment_status pending -> paid and the order to processing.
// The payment_status gate makes webhook redelivery a no-op: the second
// delivery sees zero rows updated and reports already=true.
func (r *Repo) MarkPaid(ctx context.Context, orderID, note string) (already bool, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET payment_status=$2, status=$3, version=version+1, updated_at=now()
		WHERE id=$1 AND payment_status=$4 AND status=$5`,
		orderID, PaymentPaid, StatusProcessing, PaymentPending, StatusPending)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		// either already paid or gone; let the caller distinguish via Get
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrOrderNotFound
		}
		return true, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, status, note, created_at)
		VALUES ($1,$2,$3,now())`, orderID, StatusProcessing, note)
	if err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

// SaveStatus persists an in-memory transition made via Order.UpdateStatus.
// A nil change (same-state no-op) writes nothing. The update is gated on the
// version the order was loaded with: a concurrent writer (payment webhook,
// sweep) makes the gate miss and the caller gets ErrStaleOrder instead of
// silently overwriting the newer state.
func (r *Repo) SaveStatus(ctx context.Context, o *Order, change *StatusChange) error {
	if change == nil {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, version=version+1, updated_at=$4
		WHERE id=$1 AND version=$5`,
		o.ID, o.Status, o.PaymentStatus, o.UpdatedAt, o.Version)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStaleOrder
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, status, note, created_at)
		VALUES ($1,$2,$3,$4)`, o.ID, change.Status, change.Note, change.At)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.Version++
	return nil
}
