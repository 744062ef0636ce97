package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dvhzldn/almond-river-records-sub000/internal/analytics"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/bigquery"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/idempotency"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/registry"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/pubsub"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "analytics-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "analytics-worker"

	logg = logger.New(logger.Options{
		ServiceName: "analytics-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg, pubsub.RoleAnalytics)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	bqClient, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg,
		analytics.FulfillmentEventsTable(cfg.BigQuery.FulfillmentEventsTable))
	requireResource(ctx, logg, "bigquery client", err)
	defer func() {
		if err := bqClient.Close(); err != nil {
			logg.Error(ctx, "failed to close bigquery client", err)
		}
	}()

	subscription := pubsubClient.Subscriber()
	if subscription == nil {
		requireResource(ctx, logg, "analytics subscription", errors.New("subscription not configured"))
	}

	manager, err := idempotency.NewManager(redisClient, cfg.Eventing.ConsumerIdempotencyTTL, cfg.Eventing.ConsumerClaimLease)
	requireResource(ctx, logg, "idempotency manager", err)

	consumer, err := analytics.NewConsumer(analytics.ConsumerParams{
		Subscription: subscription,
		Inserter:     bqClient,
		Table:        cfg.BigQuery.FulfillmentEventsTable,
		Decoder:      registry.NewOrderDecoderRegistry(),
		Idempotency:  manager,
		Logger:       logg,
	})
	requireResource(ctx, logg, "analytics consumer", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(runCtx, "analytics worker ready")

	if err := consumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "analytics worker failed", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
