package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

// signatureTolerance bounds how old a Stripe-Signature timestamp may be.
const signatureTolerance = 5 * time.Minute

var (
	errAPIKeyRequired = errors.New("stripe api key is required")
	errSecretRequired = errors.New("stripe webhook secret is required")
)

// keyPrefixes lists the secret and restricted key prefixes each environment accepts.
var keyPrefixes = map[string][]string{
	"test": {"sk_test_", "rk_test_"},
	"live": {"sk_live_", "rk_live_"},
}

// CheckoutSessions is the slice of the Stripe API used for hosted checkouts.
type CheckoutSessions interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	Retrieve(ctx context.Context, id string, params *stripe.CheckoutSessionRetrieveParams) (*stripe.CheckoutSession, error)
}

// Client holds the checkout sessions API and the webhook secret for one
// Stripe environment.
type Client struct {
	sessions      CheckoutSessions
	environment   string
	signingSecret string
}

// NewClient builds a Stripe client for the configured key and environment.
// The key is held by the client only; the package-level stripe.Key is left unset.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env := strings.ToLower(strings.TrimSpace(cfg.Environment()))
	if env == "" {
		env = "test"
	}
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, fmt.Errorf("stripe environment must be test or live, got %q", env)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	secret := strings.TrimSpace(cfg.Secret)
	switch {
	case apiKey == "":
		return nil, errAPIKeyRequired
	case secret == "":
		return nil, errSecretRequired
	case !hasAnyPrefix(apiKey, prefixes):
		return nil, fmt.Errorf("stripe %s environment requires a key starting with %s", env, strings.Join(prefixes, " or "))
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "stripe_env", env), "stripe client initialized")
	}
	return &Client{
		sessions:      stripe.NewClient(apiKey).V1CheckoutSessions,
		environment:   env,
		signingSecret: secret,
	}, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// CheckoutSessions returns the Checkout Sessions service.
func (c *Client) CheckoutSessions() CheckoutSessions {
	if c == nil {
		return nil
	}
	return c.sessions
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// VerifyEvent checks the Stripe-Signature header against the raw payload and
// decodes the event. Events signed more than five minutes ago are rejected.
func (c *Client) VerifyEvent(payload []byte, header string) (stripe.Event, error) {
	if c == nil || c.signingSecret == "" {
		return stripe.Event{}, errSecretRequired
	}
	return webhook.ConstructEventWithTolerance(payload, header, c.signingSecret, signatureTolerance)
}
