package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"kenfuse-payment-svc/cache"
	"kenfuse-payment-svc/config"
	"kenfuse-payment-svc/database"
	"kenfuse-payment-svc/fulfillment"
	"kenfuse-payment-svc/gateway/card"
	"kenfuse-payment-svc/gateway/mpesa"
	"kenfuse-payment-svc/handlers"
	"kenfuse-payment-svc/kafka"
	"kenfuse-payment-svc/middleware"
	"kenfuse-payment-svc/payments"
	"kenfuse-payment-svc/reconciler"
	"kenfuse-payment-svc/store"
	"kenfuse-payment-svc/subscription"

	"go.uber.org/zap"
)

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := middleware.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	db, err := database.InitDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, logger); err != nil {
		return err
	}

	var tokens mpesa.TokenCache
	rdb, err := cache.InitRedis(cfg, logger)
	if err != nil {
		logger.Warn("Redis unavailable, caching gateway tokens in memory", zap.Error(err))
		tokens = mpesa.NewMemoryTokenCache()
	} else {
		defer rdb.Close()
		tokens = cache.NewTokenCache(rdb)
	}

	mpesaClient := mpesa.NewClient(cfg.Mpesa, logger, mpesa.WithTokenCache(tokens))
	cardClient := card.NewClient(cfg.Stripe, logger)

	paymentStore := store.NewPaymentStore(db, logger)
	userStore := store.NewUserStore(db, logger)
	fulfiller := fulfillment.New(db, logger)

	var (
		wg       sync.WaitGroup
		notifier reconciler.Notifier = fulfiller
		useKafka bool
	)
	if cfg.KafkaEnabled {
		producer, err := kafka.InitProducer(cfg, logger)
		if err != nil {
			logger.Warn("Kafka unavailable, fulfilling payments inline", zap.Error(err))
		} else {
			publisher := kafka.NewPublisher(producer, cfg.KafkaTopic, logger)
			defer publisher.Close()
			notifier = publisher
			useKafka = true

			consumer := kafka.NewConsumer(cfg, fulfiller, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer consumer.Close()
				if err := consumer.Run(ctx); err != nil {
					logger.Error("Kafka consumer error", zap.Error(err))
				}
			}()
		}
	}

	paymentService := payments.NewService(paymentStore, mpesaClient, cardClient, logger, payments.Config{
		GatewayTimeout:  cfg.GatewayTimeout,
		DefaultCurrency: cfg.DefaultCurrency,
		ReferencePrefix: cfg.Mpesa.Reference,
	})
	rec := reconciler.New(paymentStore, notifier, logger)
	orchestrator := subscription.NewOrchestrator(userStore, paymentService, nil, logger)

	if applied, err := fulfiller.Sweep(ctx, 0); err != nil {
		logger.Error("Startup fulfillment sweep had failures", zap.Int("applied", applied), zap.Error(err))
	} else if applied > 0 {
		logger.Info("Startup fulfillment sweep applied pending effects", zap.Int("applied", applied))
	}

	router := newRouter(cfg, logger, routes{
		payments:     handlers.NewPaymentHandler(paymentService, logger),
		callbacks:    handlers.NewCallbackHandler(rec, cardClient, logger),
		subscription: handlers.NewSubscriptionHandler(orchestrator, logger),
		admin:        handlers.NewAdminHandler(fulfiller, logger),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("Payment Service started", zap.String("addr", srv.Addr), zap.Bool("kafka", useKafka))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("Shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	wg.Wait()
	logger.Info("Server exited")
	return serveErr
}
