package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dvhzldn/almond-river-records-sub000/api/responses"
	"github.com/dvhzldn/almond-river-records-sub000/api/validators"
	"github.com/dvhzldn/almond-river-records-sub000/internal/payments"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const sumupSource = "sumup"

type paymentNotifier interface {
	Handle(ctx context.Context, n payments.Notification) (payments.Outcome, error)
}

type paymentWebhookRequest struct {
	EventType string `json:"event_type" validate:"required"`
	ID        string `json:"id"`
	Payload   struct {
		CheckoutID string `json:"checkout_id" validate:"required"`
		Reference  string `json:"reference" validate:"required,max=90"`
		Status     string `json:"status"`
	} `json:"payload"`
}

// PaymentWebhook applies a gateway status notification. The reported status
// is only a hint; the service re-reads the checkout from the gateway.
func PaymentWebhook(svc paymentNotifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		var req paymentWebhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook payload"))
			return
		}
		if err := validators.ValidateStruct(&req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"webhook_event": req.EventType,
				"webhook_id":    req.ID,
			})
		}
		outcome, err := svc.Handle(ctx, payments.Notification{
			Source:     sumupSource,
			CheckoutID: req.Payload.CheckoutID,
			Reference:  req.Payload.Reference,
			Status:     payments.ReportedStatus(req.Payload.Status),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, outcome)
	}
}
