package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/dvhzldn/almond-river-records-sub000/api/responses"
	"github.com/dvhzldn/almond-river-records-sub000/api/validators"
	"github.com/dvhzldn/almond-river-records-sub000/internal/fulfillment"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

type fulfiller interface {
	Fulfill(ctx context.Context, reference string) (fulfillment.Result, error)
}

type triggerFulfillmentRequest struct {
	CheckoutReference string `json:"checkoutReference" validate:"required,max=90"`
}

// TriggerFulfillment runs the orchestrator for one checkout reference. It is
// the single entry point webhooks, the scheduler and the success page use.
func TriggerFulfillment(svc fulfiller, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment unavailable"))
			return
		}

		var req triggerFulfillmentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		reference := strings.TrimSpace(req.CheckoutReference)
		if reference == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "checkoutReference is required"))
			return
		}

		result, err := svc.Fulfill(ctx, reference)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
