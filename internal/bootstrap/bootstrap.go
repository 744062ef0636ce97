// Package bootstrap builds the service graph shared by the api, worker,
// cron-worker and fulfillmentctl binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/fulfillment"
	"github.com/dvhzldn/almond-river-records-sub000/internal/inventory"
	"github.com/dvhzldn/almond-river-records-sub000/internal/ledger"
	"github.com/dvhzldn/almond-river-records-sub000/internal/notifications"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/internal/payments"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/catalog"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/email"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/metrics"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/sheets"
	pkgstripe "github.com/dvhzldn/almond-river-records-sub000/pkg/stripe"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/sumup"
)

// Deps are the already-open connections a Stack is built on.
type Deps struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Registerer prometheus.Registerer
}

// Stack is the fulfillment service graph.
type Stack struct {
	Orders        orders.Repository
	Stock         inventory.Store
	CatalogClient *catalog.Client
	Catalog       *inventory.Updater
	Events        *events.Recorder
	Outbox        *outbox.Service
	Gateways      *payments.Gateways
	Stripe        *pkgstripe.Client
	Metrics       *metrics.FulfillmentMetrics
	Orchestrator  *fulfillment.Orchestrator
}

// NewStack wires the orchestrator and everything it depends on.
func NewStack(ctx context.Context, d Deps) (*Stack, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("config is required")
	case d.Logger == nil:
		return nil, errors.New("logger is required")
	case d.DB == nil:
		return nil, errors.New("database client is required")
	case d.Redis == nil:
		return nil, errors.New("redis client is required")
	}
	cfg, logg := d.Config, d.Logger

	recorder, err := events.NewRecorder(d.DB.DB(), logg)
	if err != nil {
		return nil, fmt.Errorf("event recorder: %w", err)
	}
	orderRepo := orders.NewRepository(d.DB.DB())
	stock := inventory.NewStore(d.DB.DB())

	gateways, stripeClient, err := Payments(ctx, cfg, logg)
	if err != nil {
		return nil, err
	}

	catalogClient, err := CatalogClient(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("catalog client: %w", err)
	}
	updater, err := inventory.NewUpdater(inventory.UpdaterParams{
		Catalog:     catalogClient,
		Locale:      cfg.Catalog.Locale,
		Events:      recorder,
		Logger:      logg,
		MaxAttempts: cfg.Fulfillment.InventoryMaxAttempts,
		BaseDelay:   cfg.Fulfillment.InventoryBaseDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("inventory updater: %w", err)
	}

	sheetClient, err := sheets.NewClient(ctx, cfg.Ledger, cfg.GCP, logg)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}
	appender, err := ledger.NewAppender(ledger.AppenderParams{
		Sheet:           sheetClient,
		Range:           cfg.Ledger.Range,
		ReferenceColumn: cfg.Ledger.ReferenceColumn,
		Events:          recorder,
		Logger:          logg,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger appender: %w", err)
	}

	sender, err := email.NewSender(cfg.Sendgrid)
	if err != nil {
		return nil, fmt.Errorf("sendgrid sender: %w", err)
	}
	notifier, err := notifications.NewNotifier(notifications.NotifierParams{
		Orders: orderRepo,
		Mailer: sender,
		Events: recorder,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}

	gate, err := orders.NewGate(orderRepo, logg)
	if err != nil {
		return nil, fmt.Errorf("payment gate: %w", err)
	}

	outboxSvc := outbox.NewService(outbox.NewRepository(d.DB.DB()), logg)
	fulfillmentMetrics := metrics.NewFulfillmentMetrics(d.Registerer)

	orchestrator, err := fulfillment.NewOrchestrator(fulfillment.Params{
		Gate:          gate,
		Orders:        orderRepo,
		Notifier:      notifier,
		Stock:         stock,
		Catalog:       updater,
		Ledger:        appender,
		Outbox:        outboxSvc,
		DB:            d.DB,
		Events:        recorder,
		Metrics:       fulfillmentMetrics,
		Locks:         fulfillment.RedisLocks(d.Redis, cfg.Fulfillment.LockLease(catalog.RequestTimeout)),
		Logger:        logg,
		AwaitAttempts: cfg.Fulfillment.AwaitMaxAttempts,
		AwaitDelay:    cfg.Fulfillment.AwaitBaseDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	return &Stack{
		Orders:        orderRepo,
		Stock:         stock,
		CatalogClient: catalogClient,
		Catalog:       updater,
		Events:        recorder,
		Outbox:        outboxSvc,
		Gateways:      gateways,
		Stripe:        stripeClient,
		Metrics:       fulfillmentMetrics,
		Orchestrator:  orchestrator,
	}, nil
}

// Payments registers every gateway with credentials. The configured provider
// is primary; the other stays registered so status lookups for its older
// checkouts still resolve. The Stripe client is nil when Stripe is not set up.
func Payments(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*payments.Gateways, *pkgstripe.Client, error) {
	var (
		sumupGateway  payments.Gateway
		stripeGateway payments.Gateway
		stripeClient  *pkgstripe.Client
	)

	if strings.TrimSpace(cfg.SumUp.APIKey) != "" {
		client, err := sumup.NewClient(cfg.SumUp)
		if err != nil {
			return nil, nil, fmt.Errorf("sumup client: %w", err)
		}
		gw, err := payments.NewSumUpGateway(client)
		if err != nil {
			return nil, nil, err
		}
		sumupGateway = gw
	}
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		client, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, nil, fmt.Errorf("stripe client: %w", err)
		}
		gw, err := payments.NewStripeGateway(client.CheckoutSessions())
		if err != nil {
			return nil, nil, err
		}
		stripeGateway = gw
		stripeClient = client
	}

	primary, secondary := sumupGateway, stripeGateway
	if cfg.Payments.NormalizedProvider() == config.PaymentProviderStripe {
		primary, secondary = stripeGateway, sumupGateway
	}
	if primary == nil {
		return nil, nil, fmt.Errorf("%s credentials are required", cfg.Payments.NormalizedProvider())
	}
	var others []payments.Gateway
	if secondary != nil {
		others = append(others, secondary)
	}
	gateways, err := payments.NewGateways(primary, others...)
	if err != nil {
		return nil, nil, err
	}
	return gateways, stripeClient, nil
}

// CatalogClient builds the management API client from config.
func CatalogClient(cfg config.CatalogConfig) (*catalog.Client, error) {
	return catalog.NewClient(cfg.SpaceID, cfg.ManagementToken,
		catalog.WithBaseURL(cfg.BaseURL),
		catalog.WithUploadURL(cfg.UploadURL),
		catalog.WithEnvironment(cfg.Environment),
		catalog.WithLocale(cfg.Locale),
		catalog.WithRateLimit(cfg.RequestsPerSec),
		catalog.WithAssetPolling(cfg.ProcessTimeout, cfg.ProcessInterval),
	)
}
