package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopcore/inventory/internal/orders"
)

func newTestSweeper(store *MemStore, timeout time.Duration) *Sweeper {
	return &Sweeper{
		Service:     newTestService(store),
		Interval:    time.Hour, // ticks never fire in tests; RunOnce drives it
		Timeout:     timeout,
		Logger:      zerolog.Nop(),
		ServiceName: "test-sweeper",
	}
}

func TestSweepReleasesExpiredCardOrders(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 10})
	// card order created 6 minutes ago, still pending and unpaid
	store.PutOrder(mustOrder(t, "o1", orders.MethodCard, 6*time.Minute, items("p1", 10)))

	sw := newTestSweeper(store, 5*time.Minute)
	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "o1", res.Orders[0].OrderID)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 0, p.ReservedStock)
	assert.Equal(t, 100, p.Stock)

	o, ok := store.OrderSnapshot("o1")
	require.True(t, ok)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	last := o.History[len(o.History)-1]
	assert.Equal(t, orders.StatusCancelled, last.Status)
	assert.Contains(t, last.Note, "Payment timeout")
}

func TestSweepSparesCODOrders(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 10})
	// identical staleness, but cash-on-delivery
	store.PutOrder(mustOrder(t, "o1", orders.MethodCOD, 6*time.Minute, items("p1", 10)))

	sw := newTestSweeper(store, 5*time.Minute)
	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Released)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 10, p.ReservedStock)
	o, _ := store.OrderSnapshot("o1")
	assert.Equal(t, orders.StatusPending, o.Status)
}

func TestSweepSparesFreshOrders(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 10})
	store.PutOrder(mustOrder(t, "o1", orders.MethodCard, 2*time.Minute, items("p1", 10)))

	sw := newTestSweeper(store, 5*time.Minute)
	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Released)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 10, p.ReservedStock)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 10})
	store.PutOrder(mustOrder(t, "o1", orders.MethodCard, 6*time.Minute, items("p1", 10)))

	sw := newTestSweeper(store, 5*time.Minute)
	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)

	// rerun against the now-cancelled order is a no-op
	res, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Released)

	p, _ := store.Snapshot("p1")
	assert.Equal(t, 0, p.ReservedStock)
}

func TestSweepContinuesPastFailingOrder(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 4})
	store.PutProduct(Product{ID: "p2", Name: "Gadget", Stock: 100, ReservedStock: 6})
	store.PutOrder(mustOrder(t, "bad", orders.MethodCard, 6*time.Minute, items("p1", 4)))
	store.PutOrder(mustOrder(t, "good", orders.MethodCard, 6*time.Minute, items("p2", 6)))
	store.ForceConflict("p1", 10) // every save of p1 fails this sweep

	sw := newTestSweeper(store, 5*time.Minute)
	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)

	p2, _ := store.Snapshot("p2")
	assert.Equal(t, 0, p2.ReservedStock)
	o, _ := store.OrderSnapshot("good")
	assert.Equal(t, orders.StatusCancelled, o.Status)

	// the failing order is untouched, left for the next tick
	p1, _ := store.Snapshot("p1")
	assert.Equal(t, 4, p1.ReservedStock)
	bad, _ := store.OrderSnapshot("bad")
	assert.Equal(t, orders.StatusPending, bad.Status)
}

func TestSweepSkipsOrderPaidAfterScan(t *testing.T) {
	store := NewMemStore()
	store.PutProduct(Product{ID: "p1", Name: "Widget", Stock: 100, ReservedStock: 10})
	store.PutOrder(mustOrder(t, "o1", orders.MethodCard, 6*time.Minute, items("p1", 10)))

	// the payment webhook commits between the candidate scan and the
	// sweep's transaction: order paid and processing, stock deducted
	store.BeforeTx(func() {
		o, ok := store.OrderSnapshot("o1")
		if !ok || o.PaymentStatus == orders.PaymentPaid {
			return
		}
		o.Status = orders.StatusProcessing
		o.PaymentStatus = orders.PaymentPaid
		store.PutOrder(o)

		p, _ := store.Snapshot("p1")
		require.NoError(t, p.Deduct(10))
		store.PutProduct(p)
	})

	sw := newTestSweeper(store, 5*time.Minute)
	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Released)

	// the paid order keeps its state and its deducted stock
	o, _ := store.OrderSnapshot("o1")
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)
	p, _ := store.Snapshot("p1")
	assert.Equal(t, 90, p.Stock)
	assert.Equal(t, 0, p.ReservedStock)
}

func TestSweeperStartStop(t *testing.T) {
	store := NewMemStore()
	sw := newTestSweeper(store, 5*time.Minute)
	sw.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Start(ctx)
	time.Sleep(35 * time.Millisecond)
	sw.Stop() // must not hang or panic with an empty store
}
