package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	pkgstripe "github.com/dvhzldn/almond-river-records-sub000/pkg/stripe"
)

const metadataReference = "checkout_reference"

// StripeGateway opens Stripe Checkout Sessions in payment mode.
type StripeGateway struct {
	sessions pkgstripe.CheckoutSessions
}

func NewStripeGateway(sessions pkgstripe.CheckoutSessions) (*StripeGateway, error) {
	if sessions == nil {
		return nil, errors.New("stripe checkout sessions required")
	}
	return &StripeGateway{sessions: sessions}, nil
}

func (g *StripeGateway) Provider() string { return config.PaymentProviderStripe }

func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if len(req.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item is required")
	}
	currency := strings.ToLower(req.Currency)
	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(req.RedirectURL),
		CancelURL:         stripe.String(req.ReturnURL),
		Metadata:          map[string]string{metadataReference: req.Reference},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionCreateLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.Price.Shift(2).Round(0).IntPart()),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		})
	}

	session, err := g.sessions.Create(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe checkout session")
	}
	return &Checkout{
		ID:        session.ID,
		Reference: req.Reference,
		HostedURL: session.URL,
		Status:    stripeStatus(session),
	}, nil
}

func (g *StripeGateway) CheckoutStatus(ctx context.Context, checkoutID string) (enums.PaymentStatus, error) {
	session, err := g.sessions.Retrieve(ctx, checkoutID, &stripe.CheckoutSessionRetrieveParams{})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieve stripe checkout session")
	}
	return stripeStatus(session), nil
}

func stripeStatus(session *stripe.CheckoutSession) enums.PaymentStatus {
	if session == nil {
		return enums.PaymentStatusPending
	}
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return enums.PaymentStatusPaid
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusPending
	}
}
