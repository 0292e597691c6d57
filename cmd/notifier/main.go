package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/shopcore/inventory/internal/config"
	kafkax "github.com/shopcore/inventory/internal/kafka"
	"github.com/shopcore/inventory/internal/orders"
	"github.com/shopcore/inventory/internal/redisx"
)

// Notifier consumes inventory lifecycle events and surfaces them to
// operators. Stands in for the mail/ops integrations that would hang off
// these topics in production.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName+"-notifier").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	group := getenv("NOTIFIER_GROUP", "inventory-notifier")
	workers := mustAtoi(os.Getenv("NOTIFIER_WORKERS"), "4")

	handler := func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
			return err
		}

		// dedup by event id, redelivery is normal with manual commits
		dkey := fmt.Sprintf(redisx.KeyDedup, "notifier", env.EventID)
		if seen, _ := redisx.Exists(ctx, rdb, dkey); seen {
			return nil
		}
		_ = rdb.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

		switch env.EventType {
		case orders.EventLowStock:
			p, err := kafkax.UnwrapPayload[orders.LowStockPayload](env.Payload)
			if err != nil {
				return err
			}
			for _, it := range p.Items {
				logger.Warn().
					Str("product_id", it.ProductID).
					Str("sku", it.SKU).
					Int("available", it.Available).
					Int("threshold", it.Threshold).
					Msg("low stock")
			}
		case orders.EventReservationExpired:
			p, err := kafkax.UnwrapPayload[orders.ReservationExpiredPayload](env.Payload)
			if err != nil {
				return err
			}
			logger.Info().
				Str("order_id", p.OrderID).
				Str("order_number", p.OrderNumber).
				Int("items", len(p.Items)).
				Msg("reservation expired, order cancelled")
		default:
			// other topics share the envelope; nothing to do here
		}
		return nil
	}

	for _, topic := range []string{orders.TopicLowStock, orders.TopicReservationExpired} {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topic, workers, logger)
		topic := topic
		go func() {
			logger.Info().Str("topic", topic).Int("workers", workers).Msg("notifier consumer started")
			if err := cons.Start(ctx, handler); err != nil {
				logger.Error().Err(err).Str("topic", topic).Msg("consumer exit")
				cancel()
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down notifier...")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}
