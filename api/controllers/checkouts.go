package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dvhzldn/almond-river-records-sub000/api/responses"
	"github.com/dvhzldn/almond-river-records-sub000/api/validators"
	"github.com/dvhzldn/almond-river-records-sub000/internal/checkout"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const maxReferenceLength = 90

type checkoutService interface {
	CreateCheckout(ctx context.Context, in checkout.Input) (*checkout.Result, error)
	PaymentStatus(ctx context.Context, reference string) enums.PaymentPageState
}

type customerRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone,omitempty" validate:"omitempty,max=40"`
	Line1    string `json:"line1" validate:"required"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city" validate:"required"`
	Postcode string `json:"postcode" validate:"required,max=16"`
	Country  string `json:"country" validate:"required,iso3166_1_alpha2"`
}

type createCheckoutRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Items    []string        `json:"items" validate:"required,min=1,dive,required"`
	Customer customerRequest `json:"customer"`
}

// CreateCheckout opens a hosted payment page for the requested records.
func CreateCheckout(svc checkoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout unavailable"))
			return
		}

		var req createCheckoutRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.CreateCheckout(ctx, checkout.Input{
			Amount:   req.Amount,
			Currency: req.Currency,
			Items:    req.Items,
			Customer: checkout.Customer{
				Name:     req.Customer.Name,
				Email:    req.Customer.Email,
				Phone:    req.Customer.Phone,
				Line1:    req.Customer.Line1,
				Line2:    req.Customer.Line2,
				City:     req.Customer.City,
				Postcode: req.Customer.Postcode,
				Country:  req.Customer.Country,
			},
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// CheckoutStatus backs the payment-success page. It reports the live gateway
// state only; fulfillment problems are never surfaced here.
func CheckoutStatus(svc checkoutService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := enums.PaymentPageUnknown
		reference := validators.SanitizeString(chi.URLParam(r, "reference"), maxReferenceLength)
		if svc != nil && reference != "" {
			state = svc.PaymentStatus(r.Context(), reference)
		}
		responses.WriteSuccess(w, map[string]enums.PaymentPageState{"state": state})
	}
}
