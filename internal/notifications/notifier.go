package notifications

import (
	"context"
	"errors"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/email"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

// ErrEmailSendFailed means the confirmation flag was claimed but delivery failed.
// The flag stays set, so the email will not be retried automatically.
var ErrEmailSendFailed = pkgerrors.New(pkgerrors.CodeDependency, "confirmation email send failed")

type flagClaimer interface {
	ClaimConfirmationEmail(ctx context.Context, reference string) (bool, error)
}

type mailer interface {
	Send(ctx context.Context, msg email.Message) error
}

// NotifierParams wires the Notifier.
type NotifierParams struct {
	Orders flagClaimer
	Mailer mailer
	Events events.Sink
	Logger *logger.Logger
}

// Notifier sends at most one confirmation email per order.
type Notifier struct {
	orders flagClaimer
	mailer mailer
	events events.Sink
	logg   *logger.Logger
}

func NewNotifier(p NotifierParams) (*Notifier, error) {
	if p.Orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if p.Mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if p.Events == nil {
		p.Events = events.Discard{}
	}
	return &Notifier{orders: p.Orders, mailer: p.Mailer, events: p.Events, logg: p.Logger}, nil
}

// SendOnce claims the order's confirmation flag and, if this call won the
// claim, sends the email. The flag is written before sending: a crash or a
// send failure after the claim means the customer gets no email, never two.
// The bool reports whether an email was sent.
func (n *Notifier) SendOnce(ctx context.Context, order *models.Order) (bool, error) {
	if order == nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	reference := order.CheckoutReference

	if order.ConfirmationEmailSent {
		n.skipped(ctx, reference)
		return false, nil
	}

	claimed, err := n.orders.ClaimConfirmationEmail(ctx, reference)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim confirmation email flag")
	}
	if !claimed {
		n.skipped(ctx, reference)
		return false, nil
	}
	order.ConfirmationEmailSent = true

	text, html, err := renderConfirmation(order)
	if err == nil {
		err = n.mailer.Send(ctx, email.Message{
			To:        order.CustomerEmail,
			ToName:    order.CustomerName,
			Subject:   confirmationSubject,
			PlainText: text,
			HTML:      html,
		})
	}
	if err != nil {
		n.events.Record(ctx, events.Entry{
			Event:     enums.FulfillmentEventEmailSendFailed,
			Reference: reference,
			Message:   "confirmation email failed after flag was set",
			Metadata:  map[string]any{"error": err.Error()},
		})
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, errors.Join(ErrEmailSendFailed, err), "send confirmation email")
	}

	n.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventEmailSent,
		Reference: reference,
		Message:   "confirmation email sent",
		Metadata:  map[string]any{"to": order.CustomerEmail},
	})
	return true, nil
}

func (n *Notifier) skipped(ctx context.Context, reference string) {
	n.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventEmailSkipped,
		Reference: reference,
		Message:   "confirmation email already sent",
	})
}
