package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	kafkax "github.com/shopcore/inventory/internal/kafka"
	"github.com/shopcore/inventory/internal/orders"
)

// Service owns every write to the stock ledger. Each order-level call runs
// as one store transaction spanning all line items: either every mutation
// lands or none do. Optimistic conflicts surface as ErrConflict; the caller
// decides whether to retry the whole call.
type Service struct {
	Store       Store
	Logger      zerolog.Logger
	LowStock    *kafkax.Producer // optional: publishes inventory.low_stock
	ServiceName string
}

// Reservation is the per-item receipt returned by ReserveStockForOrder.
type Reservation struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Remaining int    `json:"remaining"` // available stock after the hold
}

type ItemAvailability struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	Requested  int    `json:"requested"`
	Available  int    `json:"available"`
	Sufficient bool   `json:"sufficient"`
}

type AvailabilityResult struct {
	Items        []ItemAvailability `json:"items"`
	AllAvailable bool               `json:"all_available"`
}

type LowStockAlert struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

type ExpiredOrder struct {
	OrderID string             `json:"order_id"`
	Number  string             `json:"order_number"`
	Items   []orders.OrderItem `json:"items"`
}

type SweepResult struct {
	Released int            `json:"released"`
	Orders   []ExpiredOrder `json:"orders,omitempty"`
}

type SyncResult struct {
	ProductID  string `json:"product_id"`
	Stored     int    `json:"stored"`
	Expected   int    `json:"expected"`
	Difference int    `json:"difference"`
	Corrected  bool   `json:"corrected"`
}

// CheckStockAvailability is the read-only batch pre-check before committing
// to a reservation: a fast user-facing rejection without opening a
// transaction. Product reads run in parallel.
func (s *Service) CheckStockAvailability(ctx context.Context, items []orders.OrderItem) (*AvailabilityResult, error) {
	res := &AvailabilityResult{
		Items:        make([]ItemAvailability, len(items)),
		AllAvailable: true,
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			p, err := s.Store.Product(ctx, it.ProductID)
			if err != nil {
				return fmt.Errorf("product %s: %w", it.ProductID, err)
			}
			res.Items[i] = ItemAvailability{
				ProductID:  p.ID,
				Name:       p.Name,
				Requested:  it.Qty,
				Available:  p.AvailableStock(),
				Sufficient: p.IsQuantityAvailable(it.Qty),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, it := range res.Items {
		if !it.Sufficient {
			res.AllAvailable = false
			break
		}
	}
	return res, nil
}

// ReserveStockForOrder holds stock for every line item inside one
// transaction. Any insufficiency or conflict aborts the whole call; no
// partial reservation survives.
func (s *Service) ReserveStockForOrder(ctx context.Context, items []orders.OrderItem) ([]Reservation, error) {
	receipts := make([]Reservation, 0, len(items))
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		for _, it := range items {
			p, err := tx.Product(ctx, it.ProductID)
			if err != nil {
				return err
			}
			if err := p.Reserve(it.Qty); err != nil {
				return err
			}
			if err := tx.SaveProduct(ctx, p); err != nil {
				return err
			}
			receipts = append(receipts, Reservation{
				ProductID: p.ID, Qty: it.Qty, Remaining: p.AvailableStock(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, &ReservationError{Reason: err.Error(), Err: err}
	}
	return receipts, nil
}

// ReleaseStockForOrder returns reservations when an unpaid order is
// cancelled or expires. Idempotent: releases clamp at zero, so a second call
// for the same items is a no-op.
func (s *Service) ReleaseStockForOrder(ctx context.Context, items []orders.OrderItem) error {
	return s.Store.WithTx(ctx, func(tx Tx) error {
		for _, it := range items {
			p, err := tx.Product(ctx, it.ProductID)
			if err != nil {
				return err
			}
			p.ReleaseReserved(it.Qty)
			if err := tx.SaveProduct(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeductStockForOrder consumes the reservation when payment is confirmed.
// Returns the products now at or below their low-stock threshold so the
// caller can notify operators; the alert is an observation, not part of the
// ledger invariant.
func (s *Service) DeductStockForOrder(ctx context.Context, orderID string, items []orders.OrderItem) ([]LowStockAlert, error) {
	var alerts []LowStockAlert
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		alerts = alerts[:0]
		for _, it := range items {
			p, err := tx.Product(ctx, it.ProductID)
			if err != nil {
				return err
			}
			if err := p.Deduct(it.Qty); err != nil {
				return err
			}
			if err := tx.SaveProduct(ctx, p); err != nil {
				return err
			}
			if p.AvailableStock() <= p.LowStockThreshold {
				alerts = append(alerts, LowStockAlert{
					ProductID: p.ID, SKU: p.SKU, Name: p.Name,
					Available: p.AvailableStock(), Threshold: p.LowStockThreshold,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(alerts) > 0 {
		s.publishLowStock(orderID, alerts)
	}
	return alerts, nil
}

// RestoreStockForOrder returns physical stock when a paid order is cancelled
// after deduction (refund/return path).
func (s *Service) RestoreStockForOrder(ctx context.Context, items []orders.OrderItem) error {
	return s.Store.WithTx(ctx, func(tx Tx) error {
		for _, it := range items {
			p, err := tx.Product(ctx, it.ProductID)
			if err != nil {
				return err
			}
			p.Restore(it.Qty)
			if err := tx.SaveProduct(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseExpiredReservations cancels stale unpaid card orders and releases
// their holds. COD orders are never swept: they stay pending until delivery.
// Each order is handled in its own transaction and failures are logged and
// skipped, so one bad order cannot stall the rest of the sweep.
func (s *Service) ReleaseExpiredReservations(ctx context.Context, timeout time.Duration) (*SweepResult, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	candidates, err := s.Store.ExpiredOrders(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan expired orders: %w", err)
	}

	res := &SweepResult{}
	for _, cand := range candidates {
		var released *ExpiredOrder
		err := s.Store.WithTx(ctx, func(tx Tx) error {
			o, err := tx.Order(ctx, cand.ID)
			if err != nil {
				return err
			}
			// recheck under the tx: a concurrent payment or an earlier
			// sweep run may have moved the order on
			if o.Status != orders.StatusPending ||
				o.PaymentStatus != orders.PaymentPending ||
				o.PaymentMethod != orders.MethodCard {
				return nil
			}
			for _, it := range o.Items {
				p, err := tx.Product(ctx, it.ProductID)
				if err != nil {
					return err
				}
				p.ReleaseReserved(it.Qty)
				if err := tx.SaveProduct(ctx, p); err != nil {
					return err
				}
			}
			change, err := o.UpdateStatus(orders.StatusCancelled, "Payment timeout - stock reservation expired")
			if err != nil {
				return err
			}
			if err := tx.SaveOrderStatus(ctx, o, change); err != nil {
				return err
			}
			released = &ExpiredOrder{OrderID: o.ID, Number: o.Number, Items: o.Items}
			return nil
		})
		if err != nil {
			s.Logger.Error().Err(err).Str("order_id", cand.ID).Msg("expire reservation failed, skipping order")
			continue
		}
		if released != nil {
			res.Released++
			res.Orders = append(res.Orders, *released)
		}
	}
	return res, nil
}

// SyncInventory recomputes a product's reserved stock from the set of open
// orders referencing it and overwrites the stored value when they differ.
// This is the drift-correction escape hatch, independent of the incremental
// mutators.
func (s *Service) SyncInventory(ctx context.Context, productID string) (*SyncResult, error) {
	var res SyncResult
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.Product(ctx, productID)
		if err != nil {
			return err
		}
		expected, err := tx.OpenReservedQuantity(ctx, productID)
		if err != nil {
			return err
		}
		if expected > p.Stock {
			// reserved may never exceed owned stock
			expected = p.Stock
		}
		res = SyncResult{
			ProductID:  productID,
			Stored:     p.ReservedStock,
			Expected:   expected,
			Difference: expected - p.ReservedStock,
		}
		if res.Difference == 0 {
			return nil
		}
		p.ReservedStock = expected
		if err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		res.Corrected = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Corrected {
		s.Logger.Warn().Str("product_id", productID).
			Int("stored", res.Stored).Int("expected", res.Expected).
			Int("difference", res.Difference).Msg("reserved stock drift corrected")
	}
	return &res, nil
}

func (s *Service) publishLowStock(orderID string, alerts []LowStockAlert) {
	if s.LowStock == nil {
		return
	}
	items := make([]orders.LowStockItem, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, orders.LowStockItem{
			ProductID: a.ProductID, SKU: a.SKU, Name: a.Name,
			Available: a.Available, Threshold: a.Threshold,
		})
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventLowStock,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(orders.LowStockPayload{OrderID: orderID, Items: items}),
	}
	s.LowStock.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventLowStock)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
