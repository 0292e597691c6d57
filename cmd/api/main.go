package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/shopcore/inventory/internal/config"
	"github.com/shopcore/inventory/internal/httpx"
	"github.com/shopcore/inventory/internal/inventory"
	kafkax "github.com/shopcore/inventory/internal/kafka"
	"github.com/shopcore/inventory/internal/orders"
	"github.com/shopcore/inventory/internal/postgres"
	"github.com/shopcore/inventory/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per topic
	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024)
	pCreated.Start(ctx)
	pPaid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024)
	pPaid.Start(ctx)
	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 1024)
	pCancelled.Start(ctx)
	pLowStock := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicLowStock, 1024)
	pLowStock.Start(ctx)

	// Core service over the Postgres store
	store := &inventory.PGStore{DB: db}
	svc := &inventory.Service{
		Store:       store,
		Logger:      logger,
		LowStock:    pLowStock,
		ServiceName: cfg.ServiceName,
	}

	repo := &orders.Repo{DB: db}
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Repo:      repo,
		Inv:       svc,
		Catalog:   store,
		Redis:     rdb,
		Created:   pCreated,
		Paid:      pPaid,
		Cancelled: pCancelled,
		Logger:    logger,
		Service:   cfg.ServiceName,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)

	// close inboxes -> flush & close writers
	pCreated.Close()
	pPaid.Close()
	pCancelled.Close()
	pLowStock.Close()
	cancel()
	pCreated.WaitClosed()
	pPaid.WaitClosed()
	pCancelled.WaitClosed()
	pLowStock.WaitClosed()
}
