package fulfillment

import (
	"context"
	"encoding/json"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/idempotency"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
)

const fulfillmentConsumer = "fulfillment-worker"

type fulfiller interface {
	Fulfill(ctx context.Context, reference string) (Result, error)
}

type processedTracker interface {
	Claim(ctx context.Context, consumer string, eventID uuid.UUID) (idempotency.Claim, error)
	Complete(ctx context.Context, consumer string, eventID uuid.UUID) error
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Consumer fulfills orders announced by order.paid events.
type Consumer struct {
	orchestrator fulfiller
	subscription *pubsub.Subscriber
	idempotency  processedTracker
	logg         *logger.Logger
}

// NewConsumer builds the order.paid consumer.
func NewConsumer(orchestrator fulfiller, subscription *pubsub.Subscriber, manager processedTracker, logg *logger.Logger) (*Consumer, error) {
	if orchestrator == nil {
		return nil, errors.New("orchestrator required")
	}
	if subscription == nil {
		return nil, errors.New("orders subscription required")
	}
	if manager == nil {
		return nil, errors.New("idempotency manager required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Consumer{
		orchestrator: orchestrator,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run receives messages until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventOrderPaid) {
		c.logg.Info(logCtx, "skipping non order.paid event")
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	claim, err := c.idempotency.Claim(ctx, fulfillmentConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	switch claim {
	case idempotency.Done:
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	case idempotency.InFlight:
		c.logg.Info(logCtx, "event held by another delivery")
		return processResult{nack: true}
	}

	var payload payloads.OrderPaidEvent
	if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.CheckoutReference == "" {
		if err == nil {
			err = errors.New("checkout reference missing")
		}
		c.logg.Error(logCtx, "failed to parse payload", err)
		c.complete(logCtx, eventID)
		return processResult{ack: true}
	}

	logCtx = c.logg.WithCheckoutReference(logCtx, payload.CheckoutReference)
	result, err := c.orchestrator.Fulfill(logCtx, payload.CheckoutReference)
	if err != nil {
		if permanent(err) {
			c.logg.Error(logCtx, "fulfillment rejected, dropping event", err)
			c.complete(logCtx, eventID)
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "fulfillment failed", err)
		if err := c.idempotency.Release(ctx, fulfillmentConsumer, eventID); err != nil {
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "idempotency release failed; redelivery waits for the lease")
		}
		return processResult{nack: true}
	}
	c.complete(logCtx, eventID)

	c.logg.Info(c.logg.WithFields(logCtx, map[string]any{
		"already_fulfilled": result.AlreadyFulfilled,
		"failed_items":      len(result.FailedItemIDs),
	}), "order paid event handled")
	return processResult{ack: true}
}

// complete records the event as handled. A failure only means a redelivery
// reaches the orchestrator again, which is idempotent per checkout reference.
func (c *Consumer) complete(ctx context.Context, eventID uuid.UUID) {
	if err := c.idempotency.Complete(ctx, fulfillmentConsumer, eventID); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "idempotency complete failed")
	}
}

func permanent(err error) bool {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeNotFound, pkgerrors.CodeValidation:
		return true
	}
	return false
}
