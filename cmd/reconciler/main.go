package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/marketplace-checkout/internal/config"
	kafkax "github.com/ariefcatur/marketplace-checkout/internal/kafka"
	"github.com/ariefcatur/marketplace-checkout/internal/observability"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
	"github.com/ariefcatur/marketplace-checkout/internal/postgres"
	"github.com/ariefcatur/marketplace-checkout/internal/reconciler"
	"github.com/ariefcatur/marketplace-checkout/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Store != "postgres" {
		log.Fatalf("reconciler needs STORE=postgres, got %q", cfg.Store)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName+"-reconciler")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{})
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db, logger)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for follow-up events
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start()
	defer prod.Close()

	gateway, err := payment.NewClient(payment.ClientConfig{
		BaseURL:     cfg.GatewayBaseURL,
		SecretKey:   cfg.GatewaySecretKey,
		Timeout:     cfg.GatewayTimeout,
		MaxAttempts: cfg.GatewayMaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("payment gateway", zap.Error(err))
	}
	rec, err := orders.NewReconciler(orders.Deps{
		Store:     store,
		Gateway:   gateway,
		Publisher: kafkax.NewEventPublisher(prod),
		Cache:     redisx.NewOrderCache(rdb),
		Logger:    logger,
		Producer:  cfg.ServiceName + "-reconciler",
	}, orders.ReconcilerConfig{MaxVerifications: cfg.MaxVerifications})
	if err != nil {
		logger.Fatal("reconciler", zap.Error(err))
	}

	svc := &reconciler.Service{
		Reconciler: rec,
		Dedup:      redisx.NewDedup(rdb, "reconciler"),
		RetryDelay: cfg.RetryDelay,
		Log:        logger,
	}
	sweeper := &reconciler.Sweeper{
		Attempts:         store,
		Reconciler:       rec,
		Interval:         cfg.SweepInterval,
		MinAge:           cfg.SweepMinAge,
		MaxVerifications: rec.MaxVerifications(),
		Concurrency:      cfg.ReconcilerWorkers,
		Log:              logger,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcilerGroup, orders.TopicPaymentPending, cfg.ReconcilerWorkers, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("retry consumer started",
			zap.String("group", cfg.ReconcilerGroup),
			zap.String("topic", orders.TopicPaymentPending),
			zap.Int("workers", cfg.ReconcilerWorkers),
		)
		return cons.Start(gctx, svc.HandlePaymentPending)
	})
	g.Go(func() error {
		logger.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval))
		return sweeper.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("reconciler exit", zap.Error(err))
	}
	logger.Info("shutting down")
}
