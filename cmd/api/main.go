package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/config"
	"github.com/ariefcatur/marketplace-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/marketplace-checkout/internal/kafka"
	"github.com/ariefcatur/marketplace-checkout/internal/memstore"
	"github.com/ariefcatur/marketplace-checkout/internal/observability"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
	"github.com/ariefcatur/marketplace-checkout/internal/postgres"
	"github.com/ariefcatur/marketplace-checkout/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]httpx.HealthCheck{}

	// Store
	var store orders.Store
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		store = memstore.New()
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{})
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db, logger); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
		store = postgres.NewStore(db, logger)
		checks["postgres"] = db.Ping
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	checks["redis"] = func(ctx context.Context) error { return redisx.Ping(ctx, rdb) }
	cache := redisx.NewOrderCache(rdb)

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start()

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

	deps := orders.Deps{
		Store:     store,
		Gateway:   gateway,
		Publisher: kafkax.NewEventPublisher(prod),
		Cache:     cache,
		Logger:    logger,
		Producer:  cfg.ServiceName,
	}
	placement, err := orders.NewPlacementService(deps, orders.Pricing{
		Currency:      cfg.Currency,
		ShippingMinor: cfg.ShippingMinor,
		TaxRate:       cfg.TaxRate,
	})
	if err != nil {
		logger.Fatal("placement service", zap.Error(err))
	}
	initiator, err := orders.NewPaymentInitiator(deps, orders.InitiatorConfig{
		ReferencePrefix: cfg.ReferencePrefix,
		CallbackURL:     cfg.CallbackURL,
	})
	if err != nil {
		logger.Fatal("payment initiator", zap.Error(err))
	}
	reconciler, err := orders.NewReconciler(deps, orders.ReconcilerConfig{MaxVerifications: cfg.MaxVerifications})
	if err != nil {
		logger.Fatal("reconciler", zap.Error(err))
	}
	cancellation, err := orders.NewCancellationService(deps)
	if err != nil {
		logger.Fatal("cancellation service", zap.Error(err))
	}
	fulfilment, err := orders.NewFulfilmentService(deps)
	if err != nil {
		logger.Fatal("fulfilment service", zap.Error(err))
	}

	router := httpx.NewRouter(logger, checks)
	(&httpx.CheckoutHandler{
		Cart:      orders.NewCartReader(store),
		Placer:    placement,
		Initiator: initiator,
		Orders:    orders.NewOrderReader(store),
		Canceller: cancellation,
		Cache:     cache,
	}).Register(router)
	(&httpx.PaymentsHandler{
		Reconciler:    reconciler,
		WebhookSecret: cfg.WebhookSecret,
		Dedup:         redisx.NewDedup(rdb, "webhook"),
	}).Register(router)
	(&httpx.AdminHandler{Fulfiller: fulfilment}).Register(router)

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close() // flush buffered events
	cancel()
}
