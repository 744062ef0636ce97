package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stripe/stripe-go/v84"

	"github.com/dvhzldn/almond-river-records-sub000/api/controllers"
	webhookcontrollers "github.com/dvhzldn/almond-river-records-sub000/api/controllers/webhooks"
	"github.com/dvhzldn/almond-river-records-sub000/api/middleware"
	"github.com/dvhzldn/almond-river-records-sub000/internal/catalogsync"
	"github.com/dvhzldn/almond-river-records-sub000/internal/checkout"
	"github.com/dvhzldn/almond-river-records-sub000/internal/fulfillment"
	"github.com/dvhzldn/almond-river-records-sub000/internal/payments"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

// Fulfiller runs the fulfillment orchestrator.
type Fulfiller interface {
	Fulfill(ctx context.Context, reference string) (fulfillment.Result, error)
}

// Checkouts creates checkouts and answers the payment status page.
type Checkouts interface {
	CreateCheckout(ctx context.Context, in checkout.Input) (*checkout.Result, error)
	PaymentStatus(ctx context.Context, reference string) enums.PaymentPageState
}

// PaymentWebhooks applies gateway notifications.
type PaymentWebhooks interface {
	Handle(ctx context.Context, n payments.Notification) (payments.Outcome, error)
	HandleStripeEvent(ctx context.Context, event *stripe.Event) (payments.Outcome, bool, error)
}

// CatalogSync mirrors catalog webhooks into the local store.
type CatalogSync interface {
	Apply(ctx context.Context, ev catalogsync.Event) (catalogsync.Action, error)
}

// StripeVerifier authenticates Stripe webhook deliveries.
type StripeVerifier interface {
	VerifyEvent(payload []byte, header string) (stripe.Event, error)
}

// Params wires the API router.
type Params struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          db.Pinger
	Redis       *redis.Client
	Gatherer    prometheus.Gatherer
	Fulfillment Fulfiller
	Checkouts   Checkouts
	Payments    PaymentWebhooks
	Catalog     CatalogSync
	Stripe      StripeVerifier
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.PublicURL),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, p.DB, pingerOf(p.Redis), logg))
	})
	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalAuth(cfg.Internal, logg))
		r.Post("/fulfillments", controllers.TriggerFulfillment(p.Fulfillment, logg))
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/payments", webhookcontrollers.PaymentWebhook(p.Payments, logg))
		r.Post("/catalog", webhookcontrollers.CatalogWebhook(p.Catalog, cfg.Webhooks.CatalogSecret, logg))
		if p.Stripe != nil {
			r.Post("/stripe", webhookcontrollers.StripeWebhook(p.Payments, p.Stripe, logg))
		}
	})

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"checkout",
		cfg.RateLimit.CheckoutWindow,
		cfg.RateLimit.CheckoutIPLimit,
		cfg.RateLimit.CheckoutEmailLimit,
	)
	r.With(
		middleware.RateLimit(checkoutPolicy, limiterOf(p.Redis), logg),
		middleware.Idempotency(responseStoreOf(p.Redis), logg),
	).Post("/api/v1/checkouts", controllers.CreateCheckout(p.Checkouts, logg))
	r.Get("/api/v1/checkouts/{reference}/status", controllers.CheckoutStatus(p.Checkouts))

	return r
}

type redisPinger interface {
	Ping(ctx context.Context) error
}

type fixedWindowLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type responseStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
}

// A nil *redis.Client must reach the middleware as a nil interface.

func pingerOf(c *redis.Client) redisPinger {
	if c == nil {
		return nil
	}
	return c
}

func limiterOf(c *redis.Client) fixedWindowLimiter {
	if c == nil {
		return nil
	}
	return c
}

func responseStoreOf(c *redis.Client) responseStore {
	if c == nil {
		return nil
	}
	return c
}
