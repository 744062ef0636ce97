package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/idempotency"
)

const analyticsConsumerName = "analytics"

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

type payloadDecoder interface {
	Decode(eventType enums.OutboxEventType, version int, payload json.RawMessage) (interface{}, error)
}

type idempotencyChecker interface {
	Claim(ctx context.Context, consumer string, eventID uuid.UUID) (idempotency.Claim, error)
	Complete(ctx context.Context, consumer string, eventID uuid.UUID) error
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// ConsumerParams wires the analytics Consumer.
type ConsumerParams struct {
	Subscription *pubsub.Subscriber
	Inserter     tableInserter
	Table        string
	Decoder      payloadDecoder
	Idempotency  idempotencyChecker
	Logger       *logger.Logger
}

// Consumer streams order lifecycle events into the BigQuery fulfillment table.
type Consumer struct {
	subscription *pubsub.Subscriber
	inserter     tableInserter
	table        string
	decoder      payloadDecoder
	manager      idempotencyChecker
	logg         *logger.Logger
}

func NewConsumer(p ConsumerParams) (*Consumer, error) {
	switch {
	case p.Subscription == nil:
		return nil, errors.New("analytics subscription is required")
	case p.Inserter == nil:
		return nil, errors.New("bigquery client is required")
	case strings.TrimSpace(p.Table) == "":
		return nil, errors.New("bigquery table name is required")
	case p.Decoder == nil:
		return nil, errors.New("payload decoder is required")
	case p.Idempotency == nil:
		return nil, errors.New("idempotency manager is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		subscription: p.Subscription,
		inserter:     p.Inserter,
		table:        strings.TrimSpace(p.Table),
		decoder:      p.Decoder,
		manager:      p.Idempotency,
		logg:         p.Logger,
	}, nil
}

type processResult struct {
	nack bool
}

// Run consumes messages until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(innerCtx context.Context, msg *pubsub.Message) {
		if c.process(innerCtx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := enums.OutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": string(eventType),
	})
	if !eventType.IsValid() {
		c.logg.Warn(logCtx, "event not handled by analytics consumer")
		return processResult{}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "invalid analytics envelope", err)
		return processResult{}
	}
	eventID, err := uuid.Parse(strings.TrimSpace(envelope.EventID))
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{}
	}
	logCtx = c.logg.WithField(logCtx, "event_id", eventID.String())

	row, err := c.buildRow(eventType, envelope)
	if err != nil {
		c.logg.Error(logCtx, "failed to build fulfillment row", err)
		return processResult{}
	}
	logCtx = c.logg.WithCheckoutReference(logCtx, row.CheckoutReference)

	claim, err := c.manager.Claim(logCtx, analyticsConsumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	switch claim {
	case idempotency.Done:
		c.logg.Info(logCtx, "event already processed")
		return processResult{}
	case idempotency.InFlight:
		return processResult{nack: true}
	}

	if err := c.inserter.InsertRows(logCtx, c.table, []any{row}); err != nil {
		c.logg.Error(logCtx, "failed to insert fulfillment row", err)
		_ = c.manager.Release(logCtx, analyticsConsumerName, eventID)
		return processResult{nack: true}
	}
	if err := c.manager.Complete(logCtx, analyticsConsumerName, eventID); err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "idempotency complete failed")
	}

	c.logg.Info(logCtx, "fulfillment event ingested")
	return processResult{}
}

func (c *Consumer) buildRow(eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) (*FulfillmentEventRow, error) {
	version := envelope.Version
	if version == 0 {
		version = 1
	}
	decoded, err := c.decoder.Decode(eventType, version, envelope.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return rowFor(eventType, envelope, decoded)
}
