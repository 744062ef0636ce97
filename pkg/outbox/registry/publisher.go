package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
)

// orderPayload is what every lifecycle payload must expose for the relay to
// route it: the order it belongs to and the checkout reference keying it.
type orderPayload interface {
	payloads.Referenced
	Order() uuid.UUID
}

// EventDescriptor routes one event type. An event goes to every topic listed,
// in order.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topics        []string
	newPayload    func() orderPayload
}

type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError marks a row the relay must dead-letter instead of retrying.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

// NewEventRegistry sends order.paid to the fulfillment worker's topic and
// every lifecycle event, order.paid included, to the analytics topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	switch {
	case cfg.OrdersTopic == "":
		return nil, errors.New("orders topic is required")
	case cfg.AnalyticsTopic == "":
		return nil, errors.New("analytics topic is required")
	}
	orders, analytics := cfg.OrdersTopic, cfg.AnalyticsTopic

	reg := &EventRegistry{entries: map[enums.OutboxEventType]EventDescriptor{}}
	reg.add(enums.EventOrderCreated, []string{analytics}, func() orderPayload { return &payloads.OrderCreatedEvent{} })
	reg.add(enums.EventOrderPaid, []string{orders, analytics}, func() orderPayload { return &payloads.OrderPaidEvent{} })
	reg.add(enums.EventOrderFulfilled, []string{analytics}, func() orderPayload { return &payloads.OrderFulfilledEvent{} })
	return reg, nil
}

func (r *EventRegistry) add(eventType enums.OutboxEventType, topics []string, newPayload func() orderPayload) {
	r.entries[eventType] = EventDescriptor{
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		Topics:        topics,
		newPayload:    newPayload,
	}
}

// Resolve decodes a row's payload and checks it describes the order the row
// is filed under. Every failure is non-retryable: the row will never become
// publishable by waiting.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return nil, nonRetryable("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, nonRetryable("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case event.AggregateID == uuid.Nil:
		return nil, nonRetryable("missing aggregate_id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, nonRetryable("decode envelope: %w", err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nonRetryable("payload missing for %s", event.EventType)
	}

	payload := desc.newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, nonRetryable("decode %s payload: %w", event.EventType, err)
	}
	if payload.Reference() == "" {
		return nil, nonRetryable("%s payload has no checkout reference", event.EventType)
	}
	if payload.Order() != event.AggregateID {
		return nil, nonRetryable("%s payload is for order %s, row is filed under %s", event.EventType, payload.Order(), event.AggregateID)
	}

	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}

func nonRetryable(format string, args ...any) error {
	return NewNonRetryableError(fmt.Errorf(format, args...))
}
