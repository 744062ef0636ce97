package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

// CheckoutRequest describes the hosted checkout to open.
type CheckoutRequest struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerEmail string
	Items         []LineItem
	ReturnURL     string
	RedirectURL   string
}

// LineItem is one record in the checkout, used by gateways that itemise.
type LineItem struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// Checkout is a gateway checkout session.
type Checkout struct {
	ID        string
	Reference string
	HostedURL string
	Status    enums.PaymentStatus
}

// Gateway is the payment provider port.
type Gateway interface {
	Provider() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	CheckoutStatus(ctx context.Context, checkoutID string) (enums.PaymentStatus, error)
}

// Gateways routes status lookups to the provider that created the checkout.
type Gateways struct {
	byProvider map[string]Gateway
	primary    Gateway
}

// NewGateways registers the gateways. The first one is used for new checkouts.
func NewGateways(primary Gateway, others ...Gateway) (*Gateways, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary payment gateway required")
	}
	g := &Gateways{byProvider: map[string]Gateway{}, primary: primary}
	for _, gw := range append([]Gateway{primary}, others...) {
		if gw == nil {
			continue
		}
		g.byProvider[strings.ToLower(gw.Provider())] = gw
	}
	return g, nil
}

// Primary returns the gateway new checkouts are created with.
func (g *Gateways) Primary() Gateway {
	return g.primary
}

// Get returns the gateway for provider.
func (g *Gateways) Get(provider string) (Gateway, error) {
	gw, ok := g.byProvider[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown payment provider %q", provider))
	}
	return gw, nil
}

// Status asks provider for the live status of a checkout.
func (g *Gateways) Status(ctx context.Context, provider, checkoutID string) (enums.PaymentStatus, error) {
	if strings.TrimSpace(checkoutID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "checkout id is required")
	}
	gw, err := g.Get(provider)
	if err != nil {
		return "", err
	}
	return gw.CheckoutStatus(ctx, checkoutID)
}
