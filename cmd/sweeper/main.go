package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/shopcore/inventory/internal/config"
	"github.com/shopcore/inventory/internal/inventory"
	kafkax "github.com/shopcore/inventory/internal/kafka"
	"github.com/shopcore/inventory/internal/orders"
	"github.com/shopcore/inventory/internal/postgres"
)

// Sweep daemon: every SweepInterval it cancels stale unpaid card orders and
// releases their reservations.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName+"-sweeper").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	pExpired := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicReservationExpired, 1024)
	pExpired.Start(ctx)

	svc := &inventory.Service{
		Store:       &inventory.PGStore{DB: db},
		Logger:      logger,
		ServiceName: cfg.ServiceName + "-sweeper",
	}
	sw := &inventory.Sweeper{
		Service:     svc,
		Interval:    cfg.SweepInterval,
		Timeout:     cfg.ReservationTimeout,
		Logger:      logger,
		Producer:    pExpired,
		ServiceName: cfg.ServiceName + "-sweeper",
	}
	sw.Start(ctx)
	logger.Info().
		Dur("interval", cfg.SweepInterval).
		Dur("timeout", cfg.ReservationTimeout).
		Msg("sweeper started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down sweeper...")

	sw.Stop()
	pExpired.Close()
	cancel()
	pExpired.WaitClosed()
}
