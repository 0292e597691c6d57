package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopcore/inventory/internal/orders"
)

func TestSaveOrderStatusRefusesStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	store.PutOrder(mustOrder(t, "o1", orders.MethodCard, time.Minute, items("p1", 1)))

	// two writers load the same order; the payment side commits first
	stale, ok := store.OrderSnapshot("o1")
	require.True(t, ok)
	fresh, _ := store.OrderSnapshot("o1")

	change, err := fresh.UpdateStatus(orders.StatusProcessing, "Payment confirmed")
	require.NoError(t, err)
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		return tx.SaveOrderStatus(ctx, &fresh, change)
	}))

	// the loser's write is refused, not silently applied over the paid state
	lateChange, err := stale.UpdateStatus(orders.StatusCancelled, "Payment timeout - stock reservation expired")
	require.NoError(t, err)
	err = store.WithTx(ctx, func(tx Tx) error {
		return tx.SaveOrderStatus(ctx, &stale, lateChange)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	o, _ := store.OrderSnapshot("o1")
	assert.Equal(t, orders.StatusProcessing, o.Status)
}

func TestSaveOrderStatusUnknownOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	ghost := mustOrder(t, "ghost", orders.MethodCard, time.Minute, items("p1", 1))
	change, err := ghost.UpdateStatus(orders.StatusCancelled, "cleanup")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Tx) error {
		return tx.SaveOrderStatus(ctx, &ghost, change)
	})
	assert.True(t, errors.Is(err, orders.ErrOrderNotFound))
}
