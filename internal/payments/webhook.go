package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
)

type statusLookup interface {
	Status(ctx context.Context, provider, checkoutID string) (enums.PaymentStatus, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type deliveryGuard interface {
	CheckAndMark(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Notification is a payment status report from a gateway webhook.
type Notification struct {
	Source     string
	CheckoutID string
	Reference  string
	Status     enums.PaymentStatus
}

// Outcome describes what a notification did to the order.
type Outcome struct {
	Reference string            `json:"checkoutReference"`
	Status    enums.OrderStatus `json:"status"`
	Changed   bool              `json:"changed"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

// WebhookServiceParams wires the WebhookService.
type WebhookServiceParams struct {
	Orders   orders.Repository
	Gateways statusLookup
	Outbox   outbox.Emitter
	DB       txRunner
	Guard    deliveryGuard
	Events   events.Sink
	Logger   *logger.Logger
}

// WebhookService applies gateway-reported payment statuses to orders.
type WebhookService struct {
	orders   orders.Repository
	gateways statusLookup
	outbox   outbox.Emitter
	db       txRunner
	guard    deliveryGuard
	events   events.Sink
	logg     *logger.Logger
	now      func() time.Time
}

func NewWebhookService(p WebhookServiceParams) (*WebhookService, error) {
	switch {
	case p.Orders == nil:
		return nil, errors.New("orders repository is required")
	case p.Gateways == nil:
		return nil, errors.New("payment gateways are required")
	case p.Outbox == nil:
		return nil, errors.New("outbox emitter is required")
	case p.DB == nil:
		return nil, errors.New("db is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	}
	if p.Events == nil {
		p.Events = events.Discard{}
	}
	return &WebhookService{
		orders:   p.Orders,
		gateways: p.Gateways,
		outbox:   p.Outbox,
		db:       p.DB,
		guard:    p.Guard,
		events:   p.Events,
		logg:     p.Logger,
		now:      time.Now,
	}, nil
}

// Handle verifies a reported status against the gateway and applies the
// verified one. Repeated deliveries of the same checkout status are skipped.
func (s *WebhookService) Handle(ctx context.Context, n Notification) (Outcome, error) {
	reference := strings.TrimSpace(n.Reference)
	if reference == "" {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "checkout reference is required")
	}
	ctx = s.logg.WithCheckoutReference(events.WithReference(ctx, reference), reference)
	s.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventWebhookReceived,
		Reference: reference,
		Message:   "payment webhook received",
		Metadata: map[string]any{
			"source":      n.Source,
			"checkout_id": n.CheckoutID,
			"status":      string(n.Status),
		},
	})

	order, err := s.orders.FindByReference(ctx, reference)
	if err != nil {
		return Outcome{}, err
	}
	checkoutID := strings.TrimSpace(n.CheckoutID)
	if checkoutID == "" {
		checkoutID = order.PaymentID
	}
	if order.PaymentID != "" && checkoutID != order.PaymentID {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "checkout does not belong to this order")
	}

	verified, err := s.gateways.Status(ctx, order.PaymentProvider, checkoutID)
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "verify payment status")
	}
	if n.Status != "" && verified != n.Status {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"reported": string(n.Status),
			"verified": string(verified),
		}), "webhook status differs from gateway")
	}

	key := checkoutID + ":" + string(verified)
	if s.guard != nil {
		seen, err := s.guard.CheckAndMark(ctx, key)
		if err != nil {
			return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check webhook idempotency")
		}
		if seen {
			return Outcome{Reference: reference, Status: order.Status, Duplicate: true}, nil
		}
	}

	outcome, err := s.ApplyStatus(ctx, reference, verified.OrderStatus(), n.Source)
	if err != nil && s.guard != nil {
		_ = s.guard.Delete(ctx, key)
	}
	return outcome, err
}

// ApplyStatus moves the order to status when allowed. A move to PAID queues
// order.paid in the same transaction.
func (s *WebhookService) ApplyStatus(ctx context.Context, reference string, status enums.OrderStatus, source string) (Outcome, error) {
	at := s.now().UTC()
	var updated *models.Order
	var changed bool
	var previous enums.OrderStatus

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		current, err := repo.FindByReference(ctx, reference)
		if err != nil {
			return err
		}
		previous = current.Status

		updated, changed, err = repo.ApplyStatus(ctx, reference, status, at)
		if err != nil {
			return err
		}
		if !changed || status != enums.OrderStatusPaid {
			return nil
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderPaid,
			AggregateType: enums.AggregateOrder,
			AggregateID:   updated.ID,
			Actor:         &outbox.ActorRef{Kind: "payment-webhook", ID: source},
			OccurredAt:    at,
			Data: payloads.OrderPaidEvent{
				OrderID:           updated.ID,
				CheckoutReference: updated.CheckoutReference,
				PaymentID:         updated.PaymentID,
				Amount:            updated.Amount,
				Currency:          updated.Currency,
				PaidAt:            at,
				Source:            source,
			},
		})
	})
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			return Outcome{}, err
		}
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply payment status")
	}

	outcome := Outcome{Reference: reference, Status: updated.Status, Changed: changed}
	if changed {
		s.events.Record(ctx, events.Entry{
			Event:     enums.FulfillmentEventStatusUpdate,
			Reference: reference,
			Message:   fmt.Sprintf("status %s -> %s", previous, status),
			Metadata: map[string]any{
				"from":   string(previous),
				"to":     string(status),
				"source": source,
			},
		})
	}
	return outcome, nil
}
