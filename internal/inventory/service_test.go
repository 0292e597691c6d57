package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopcore/inventory/internal/orders"
)

func newTestService(store *MemStore) *Service {
	return &Service{Store: store, Logger: zerolog.Nop(), ServiceName: "test"}
}

func items(pairs ...any) []orders.OrderItem {
	out := make([]orders.OrderItem, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, orders.OrderItem{
			ProductID: pairs[i].(string),
			Qty:       pairs[i+1].(int),
		})
	}
	return out
}

func TestCheckStockAvailability(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 10})
	store.PutProduct(Product{ID: "p2", Name: "Gadget", Stock: 5, ReservedStock: 4})
	svc := newTestService(store)

	res, err := svc.CheckStockAvailability(context.Background(), items("p1", 3, "p2", 2))
	require.NoError(t, err)
	assert.False(t, res.AllAvailable)
	assert.True(t, res.Items[0].Sufficient)
	assert.False(t, res.Items[1].Sufficient)
	assert.Equal(t, 1, res.Items[1].Available)

	res, err = svc.CheckStockAvailability(context.Background(), items("p1", 3, "p2", 1))
	require.NoError(t, err)
	assert.True(t, res.AllAvailable)

	_, err = svc.CheckStockAvailability(context.Background(), items("missing", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProductNotFound))
}

func TestReserveHappyPathThenDeduct(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, LowStockThreshold: 5})
	svc := newTestService(store)

	receipts, err := svc.ReserveStockForOrder(context.Background(), items("p1", 10))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, 90, receipts[0].Remaining)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 100, p.Stock)
	assert.Equal(t, 10, p.ReservedStock)

	_, err = svc.DeductStockForOrder(context.Background(), "o1", items("p1", 10))
	require.NoError(t, err)

	p, _ = store.Snapshot("p1")
	assert.Equal(t, 90, p.Stock)
	assert.Equal(t, 0, p.ReservedStock)
}

func TestReserveRollsBackOnPartialFailure(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100})
	store.PutProduct(Product{ID: "p2", Name: "Gadget", Stock: 1})
	svc := newTestService(store)

	_, err := svc.ReserveStockForOrder(context.Background(), items("p1", 10, "p2", 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientStock))

	var resErr *ReservationError
	require.True(t, errors.As(err, &resErr))
	assert.NotEmpty(t, resErr.Reason)

	// first item's reservation must not be observable afterwards
	p1, _ := store.Snapshot("p1")
	assert.Equal(t, 0, p1.ReservedStock)
	p2, _ := store.Snapshot("p2")
	assert.Equal(t, 0, p2.ReservedStock)
}

func TestReserveMissingProductAborts(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100})
	svc := newTestService(store)

	_, err := svc.ReserveStockForOrder(context.Background(), items("p1", 1, "ghost", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProductNotFound))

	p1, _ := store.Snapshot("p1")
	assert.Equal(t, 0, p1.ReservedStock)
}

func TestReserveSurfacesConflict(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100})
	store.ForceConflict("p1", 1)
	svc := newTestService(store)

	_, err := svc.ReserveStockForOrder(context.Background(), items("p1", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 0, p.ReservedStock)

	// caller-driven retry with fresh reads succeeds
	_, err = svc.ReserveStockForOrder(context.Background(), items("p1", 1))
	require.NoError(t, err)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 10})
	svc := newTestService(store)

	const demand = 25
	var wg sync.WaitGroup
	results := make(chan error, demand)
	for i := 0; i < demand; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReserveStockForOrder(context.Background(), items("p1", 1))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok, failed := 0, 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			require.True(t, errors.Is(err, ErrInsufficientStock))
			failed++
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, demand-10, failed)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 10, p.ReservedStock)
	assert.Equal(t, 0, p.AvailableStock())
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 10})
	svc := newTestService(store)

	require.NoError(t, svc.ReleaseStockForOrder(context.Background(), items("p1", 10)))
	p, _ := store.Snapshot("p1")
	assert.Equal(t, 0, p.ReservedStock)
	assert.Equal(t, 100, p.Stock)

	// second release of the same items is a no-op
	require.NoError(t, svc.ReleaseStockForOrder(context.Background(), items("p1", 10)))
	p, _ = store.Snapshot("p1")
	assert.Equal(t, 0, p.ReservedStock)
}

func TestDeductReportsLowStock(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", SKU: "W-1", Name: "Widget", Stock: 12, ReservedStock: 8, LowStockThreshold: 5})
	svc := newTestService(store)

	alerts, err := svc.DeductStockForOrder(context.Background(), "o1", items("p1", 8))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "p1", alerts[0].ProductID)
	assert.Equal(t, 4, alerts[0].Available)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestDeductToleratesReservationDrift(t *testing.T) {
	store := NewMemStore()
	// drifted ledger: payment arrives but the reservation is gone
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 10, ReservedStock: 0})
	svc := newTestService(store)

	_, err := svc.DeductStockForOrder(context.Background(), "o1", items("p1", 3))
	require.NoError(t, err)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 7, p.Stock)
	assert.Equal(t, 0, p.ReservedStock)
}

func TestRestoreAfterPaidCancellation(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 90})
	svc := newTestService(store)

	require.NoError(t, svc.RestoreStockForOrder(context.Background(), items("p1", 10)))
	p, _ := store.Snapshot("p1")
	assert.Equal(t, 100, p.Stock)
}

func mustOrder(t *testing.T, id string, method orders.PaymentMethod, age time.Duration, its []orders.OrderItem) orders.Order {
	t.Helper()
	o, err := orders.New(id, "u1", method, its)
	require.NoError(t, err)
	o.CreatedAt = time.Now().UTC().Add(-age)
	return *o
}

func TestSyncInventoryCorrectsDrift(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 50})
	// only 30 units truly referenced by open orders
	store.PutOrder(mustOrder(t, "o1", orders.MethodCard, time.Minute, items("p1", 20)))
	store.PutOrder(mustOrder(t, "o2", orders.MethodCard, time.Minute, items("p1", 10)))
	// paid and cancelled orders do not count
	paid := mustOrder(t, "o3", orders.MethodCard, time.Minute, items("p1", 7))
	paid.PaymentStatus = orders.PaymentPaid
	store.PutOrder(paid)
	cancelled := mustOrder(t, "o4", orders.MethodCard, time.Minute, items("p1", 9))
	cancelled.Status = orders.StatusCancelled
	store.PutOrder(cancelled)

	svc := newTestService(store)
	res, err := svc.SyncInventory(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 50, res.Stored)
	assert.Equal(t, 30, res.Expected)
	assert.Equal(t, -20, res.Difference)
	assert.True(t, res.Corrected)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 30, p.ReservedStock)

	// second run is a no-op
	res, err = svc.SyncInventory(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Difference)
	assert.False(t, res.Corrected)
}

func TestSyncInventoryMissingProduct(t *testing.T) {
	svc := newTestService(NewMemStore())
	_, err := svc.SyncInventory(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProductNotFound))
}
