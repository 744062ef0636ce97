package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dvhzldn/almond-river-records-sub000/api/routes"
	"github.com/dvhzldn/almond-river-records-sub000/internal/bootstrap"
	"github.com/dvhzldn/almond-river-records-sub000/internal/catalogsync"
	"github.com/dvhzldn/almond-river-records-sub000/internal/checkout"
	"github.com/dvhzldn/almond-river-records-sub000/internal/payments"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/migrate"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

const (
	webhookGuardScope = "payments-webhook"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stack, err := bootstrap.NewStack(context.Background(), bootstrap.Deps{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Registerer: promRegistry,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build fulfillment stack", err)
		os.Exit(1)
	}

	guard, err := payments.NewIdempotencyGuard(redisClient, cfg.Webhooks.IdempotencyTTL, webhookGuardScope)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook guard", err)
		os.Exit(1)
	}
	webhookService, err := payments.NewWebhookService(payments.WebhookServiceParams{
		Orders:   stack.Orders,
		Gateways: stack.Gateways,
		Outbox:   stack.Outbox,
		DB:       dbClient,
		Guard:    guard,
		Events:   stack.Events,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment webhook service", err)
		os.Exit(1)
	}

	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		Gateway:     stack.Gateways.Primary(),
		Statuses:    stack.Gateways,
		Orders:      stack.Orders,
		Stock:       stack.Stock,
		Catalog:     stack.Catalog,
		Outbox:      stack.Outbox,
		DB:          dbClient,
		Events:      stack.Events,
		Logger:      logg,
		Currency:    cfg.Payments.Currency,
		ReturnURL:   cfg.Payments.ReturnURL,
		RedirectURL: cfg.Payments.RedirectURL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create checkout service", err)
		os.Exit(1)
	}

	catalogSync, err := catalogsync.NewService(catalogsync.Params{
		Store:       stack.Stock,
		ContentType: cfg.Catalog.ContentType,
		Locale:      cfg.Catalog.Locale,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog sync service", err)
		os.Exit(1)
	}

	params := routes.Params{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Redis:       redisClient,
		Gatherer:    promRegistry,
		Fulfillment: stack.Orchestrator,
		Checkouts:   checkoutService,
		Payments:    webhookService,
		Catalog:     catalogSync,
	}
	if stack.Stripe != nil {
		params.Stripe = stack.Stripe
	}

	addr := ":" + cfg.App.Port
	id, err := os.Hostname()
	if err != nil {
		id = "local"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"instance":    id,
		"serviceKind": cfg.Service.Kind,
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(params),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}()

	logg.Info(ctx, "starting api server")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
