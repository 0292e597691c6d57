package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/shopcore/inventory/internal/kafka"
	"github.com/shopcore/inventory/internal/orders"
)

// Sweeper drives the expiration sweep on a fixed interval. It is injected
// rather than module-global so tests call RunOnce synchronously instead of
// waiting on a timer. Re-running against an already-cancelled order is a
// no-op, so overlapping or restarted sweeps are safe.
type Sweeper struct {
	Service     *Service
	Interval    time.Duration
	Timeout     time.Duration
	Logger      zerolog.Logger
	Producer    *kafkax.Producer // optional: publishes order.reservation.expired
	ServiceName string

	stop chan struct{}
	done chan struct{}
}

// Start launches the sweep loop. Stop (or ctx cancellation) terminates it.
func (w *Sweeper) Start(ctx context.Context) {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-t.C:
				if _, err := w.RunOnce(ctx); err != nil {
					w.Logger.Error().Err(err).Msg("expiration sweep failed")
				}
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight tick to finish.
func (w *Sweeper) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
}

// RunOnce performs a single sweep and publishes one event per expired order.
func (w *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	res, err := w.Service.ReleaseExpiredReservations(ctx, w.Timeout)
	if err != nil {
		return nil, err
	}
	if res.Released > 0 {
		w.Logger.Info().Int("released", res.Released).Msg("released expired reservations")
	}
	for _, eo := range res.Orders {
		w.publishExpired(eo)
	}
	return res, nil
}

func (w *Sweeper) publishExpired(eo ExpiredOrder) {
	if w.Producer == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventReservationExpired,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      w.ServiceName,
		CorrelationID: eo.OrderID,
		Payload: kafkax.MustMarshal(orders.ReservationExpiredPayload{
			OrderID: eo.OrderID, OrderNumber: eo.Number, Items: eo.Items,
		}),
	}
	w.Producer.Publish(orders.PartitionKey(eo.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventReservationExpired)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
