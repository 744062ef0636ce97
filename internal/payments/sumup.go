package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/sumup"
)

type sumupAPI interface {
	CreateCheckout(ctx context.Context, req sumup.CreateCheckoutRequest) (*sumup.Checkout, error)
	GetCheckout(ctx context.Context, id string) (*sumup.Checkout, error)
}

// SumUpGateway adapts the SumUp checkouts API to Gateway.
type SumUpGateway struct {
	api sumupAPI
}

func NewSumUpGateway(api sumupAPI) (*SumUpGateway, error) {
	if api == nil {
		return nil, errors.New("sumup client required")
	}
	return &SumUpGateway{api: api}, nil
}

func (g *SumUpGateway) Provider() string { return config.PaymentProviderSumUp }

func (g *SumUpGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	created, err := g.api.CreateCheckout(ctx, sumup.CreateCheckoutRequest{
		Reference:   req.Reference,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		return nil, err
	}
	return &Checkout{
		ID:        created.ID,
		Reference: created.CheckoutReference,
		HostedURL: created.HostedCheckoutURL,
		Status:    sumupStatus(created.Status),
	}, nil
}

func (g *SumUpGateway) CheckoutStatus(ctx context.Context, checkoutID string) (enums.PaymentStatus, error) {
	checkout, err := g.api.GetCheckout(ctx, checkoutID)
	if err != nil {
		return "", err
	}
	return sumupStatus(checkout.Status), nil
}

func sumupStatus(raw string) enums.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case sumup.StatusPaid:
		return enums.PaymentStatusPaid
	case sumup.StatusFailed, sumup.StatusExpired:
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusPending
	}
}

// ReportedStatus normalizes the status carried by a SumUp webhook. A blank
// status stays blank so Handle relies on the gateway lookup alone.
func ReportedStatus(raw string) enums.PaymentStatus {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return sumupStatus(raw)
}
