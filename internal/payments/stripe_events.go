package payments

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v84"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

const stripeSource = "stripe"

// HandleStripeEvent applies checkout session events. Other event types are
// acknowledged without effect; the bool reports whether the event was handled.
func (s *WebhookService) HandleStripeEvent(ctx context.Context, event *stripe.Event) (Outcome, bool, error) {
	if event == nil || event.Data == nil {
		return Outcome{}, false, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
	default:
		return Outcome{}, false, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Outcome{}, false, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
	}
	reference := session.ClientReferenceID
	if reference == "" {
		reference = session.Metadata[metadataReference]
	}

	reported := stripeStatus(&session)
	if event.Type == stripe.EventTypeCheckoutSessionAsyncPaymentFailed {
		reported = enums.PaymentStatusFailed
	}

	outcome, err := s.Handle(ctx, Notification{
		Source:     stripeSource,
		CheckoutID: session.ID,
		Reference:  reference,
		Status:     reported,
	})
	return outcome, true, err
}
