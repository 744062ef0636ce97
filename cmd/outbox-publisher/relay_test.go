package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/registry"
)

func TestRelayDefersLaterEventsForFailedReference(t *testing.T) {
	created := orderEvent(t, enums.EventOrderCreated, 0)
	paid := orderEvent(t, enums.EventOrderPaid, 0)
	other := orderEvent(t, enums.EventOrderCreated, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{created, paid, other}}
	reg := &fakeRegistry{payloads: map[uuid.UUID]any{
		created.ID: &payloads.OrderCreatedEvent{CheckoutReference: "ref-a"},
		paid.ID:    &payloads.OrderPaidEvent{CheckoutReference: "ref-a"},
		other.ID:   &payloads.OrderCreatedEvent{CheckoutReference: "ref-b"},
	}}
	pub := &fakePublisher{results: []error{errors.New("unavailable"), nil}}
	recorder := &fakeMetrics{}
	relay := newTestRelay(t, repo, pub, reg, &fakeDeadLetters{}, 5)
	relay.metrics = recorder

	moved, err := relay.drain(context.Background())
	if err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if !moved {
		t.Fatalf("expected drain to report progress")
	}
	if len(pub.messages) != 2 {
		t.Fatalf("expected two publishes, got %d", len(pub.messages))
	}
	if key := pub.messages[0].OrderingKey; key != "ref-a" {
		t.Fatalf("unexpected ordering key %q", key)
	}
	if key := pub.messages[1].OrderingKey; key != "ref-b" {
		t.Fatalf("unexpected ordering key %q", key)
	}
	if len(pub.resumed) != 1 || pub.resumed[0] != "ref-a" {
		t.Fatalf("expected ref-a to be resumed, got %v", pub.resumed)
	}
	if len(repo.failed) != 1 || repo.failed[0] != created.ID {
		t.Fatalf("expected only order.created marked failed, got %v", repo.failed)
	}
	if len(repo.published) != 1 || repo.published[0] != other.ID {
		t.Fatalf("expected only the other checkout published, got %v", repo.published)
	}
	if !recorder.has("order.paid:deferred") {
		t.Fatalf("expected deferred metric, got %v", recorder.calls)
	}
}

func TestRelayDeadLetteredEventDoesNotHoldReference(t *testing.T) {
	created := orderEvent(t, enums.EventOrderCreated, 4)
	paid := orderEvent(t, enums.EventOrderPaid, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{created, paid}}
	reg := &fakeRegistry{payloads: map[uuid.UUID]any{
		created.ID: &payloads.OrderCreatedEvent{CheckoutReference: "ref-a"},
		paid.ID:    &payloads.OrderPaidEvent{CheckoutReference: "ref-a"},
	}}
	pub := &fakePublisher{results: []error{errors.New("deadline exceeded"), nil}}
	dead := &fakeDeadLetters{}
	relay := newTestRelay(t, repo, pub, reg, dead, 5)

	if _, err := relay.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(dead.entries) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead.entries))
	}
	if dead.entries[0].EventID != created.ID || dead.entries[0].ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("unexpected dead letter %+v", dead.entries[0])
	}
	if len(repo.terminal) != 1 || repo.terminal[0] != created.ID {
		t.Fatalf("expected order.created pinned terminal, got %v", repo.terminal)
	}
	if len(repo.published) != 1 || repo.published[0] != paid.ID {
		t.Fatalf("expected order.paid published after dead letter, got %v", repo.published)
	}
}

func TestRelayRetryOnlyDrainReportsNoProgress(t *testing.T) {
	created := orderEvent(t, enums.EventOrderCreated, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{created}}
	reg := &fakeRegistry{payloads: map[uuid.UUID]any{
		created.ID: &payloads.OrderCreatedEvent{CheckoutReference: "ref-a"},
	}}
	relay := newTestRelay(t, repo, &fakePublisher{results: []error{errors.New("unavailable")}}, reg, &fakeDeadLetters{}, 5)

	moved, err := relay.drain(context.Background())
	if err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if moved {
		t.Fatalf("a drain with only retries should back off")
	}
	if len(repo.failed) != 1 {
		t.Fatalf("expected failure recorded, got %v", repo.failed)
	}
}

func TestRelayPublishesOrderAttributes(t *testing.T) {
	paid := orderEvent(t, enums.EventOrderPaid, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{paid}}
	reg := &fakeRegistry{payloads: map[uuid.UUID]any{
		paid.ID: &payloads.OrderPaidEvent{CheckoutReference: "ref-paid", PaymentID: "pay-1"},
	}}
	pub := &fakePublisher{results: []error{nil}}
	recorder := &fakeMetrics{}
	relay := newTestRelay(t, repo, pub, reg, &fakeDeadLetters{}, 5)
	relay.metrics = recorder

	if _, err := relay.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.Attributes["event_type"] != "order.paid" || msg.Attributes["aggregate_id"] != paid.AggregateID.String() {
		t.Fatalf("unexpected attributes %+v", msg.Attributes)
	}
	if msg.Attributes["checkout_reference"] != "ref-paid" || msg.OrderingKey != "ref-paid" {
		t.Fatalf("expected checkout reference on message, got %+v / %q", msg.Attributes, msg.OrderingKey)
	}
	if !bytes.Equal(msg.Data, paid.Payload) {
		t.Fatalf("message data should be the stored envelope")
	}
	if len(recorder.calls) != 1 || recorder.calls[0] != "order.paid:published" {
		t.Fatalf("unexpected metric calls %v", recorder.calls)
	}
}

func TestRelayKeysUnreferencedPayloadByOrder(t *testing.T) {
	event := orderEvent(t, enums.EventOrderCreated, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{event}}
	reg := &fakeRegistry{payloads: map[uuid.UUID]any{event.ID: &payloads.OrderCreatedEvent{}}}
	pub := &fakePublisher{results: []error{nil}}
	relay := newTestRelay(t, repo, pub, reg, &fakeDeadLetters{}, 5)

	if _, err := relay.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	msg := pub.messages[0]
	if msg.OrderingKey != event.AggregateID.String() {
		t.Fatalf("expected aggregate id ordering key, got %q", msg.OrderingKey)
	}
	if _, ok := msg.Attributes["checkout_reference"]; ok {
		t.Fatalf("checkout_reference attribute should be absent")
	}
}

func TestRelayDeadLettersUnresolvableEvent(t *testing.T) {
	event := orderEvent(t, enums.EventOrderCreated, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{event}}
	reg := &fakeRegistry{err: registry.NewNonRetryableError(errors.New("invalid payload"))}
	dead := &fakeDeadLetters{}
	relay := newTestRelay(t, repo, &fakePublisher{}, reg, dead, 5)

	moved, err := relay.drain(context.Background())
	if err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if !moved {
		t.Fatalf("expected drain to report progress")
	}
	if len(dead.entries) != 1 {
		t.Fatalf("expected dead letter, got %d", len(dead.entries))
	}
	entry := dead.entries[0]
	if entry.EventID != event.ID || !bytes.Equal(entry.Payload, event.Payload) {
		t.Fatalf("dead letter does not match event: %+v", entry)
	}
	if entry.ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected error reason: %s", entry.ErrorReason)
	}
}

func TestRelayReusesTopicPublisherUntilClose(t *testing.T) {
	first := orderEvent(t, enums.EventOrderCreated, 0)
	second := orderEvent(t, enums.EventOrderFulfilled, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{first, second}}
	reg := &fakeRegistry{payloads: map[uuid.UUID]any{
		first.ID:  &payloads.OrderCreatedEvent{CheckoutReference: "ref-a"},
		second.ID: &payloads.OrderFulfilledEvent{CheckoutReference: "ref-b"},
	}}
	pub := &fakePublisher{results: []error{nil, nil}}
	relay := newTestRelay(t, repo, pub, reg, &fakeDeadLetters{}, 5)
	opened := 0
	relay.open = func(string) publisher {
		opened++
		return pub
	}

	if _, err := relay.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if opened != 1 {
		t.Fatalf("expected one publisher per topic, opened %d", opened)
	}
	relay.Close()
	if pub.stopped != 1 {
		t.Fatalf("expected publisher stopped once, got %d", pub.stopped)
	}
}

func TestRelayFansOutToEveryTopic(t *testing.T) {
	event := orderEvent(t, enums.EventOrderPaid, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{event}}
	reg := &fakeRegistry{
		payloads: map[uuid.UUID]any{event.ID: &payloads.OrderPaidEvent{CheckoutReference: "ref-paid"}},
		topics:   []string{"orders-topic", "analytics-topic"},
	}
	orders := &fakePublisher{results: []error{nil}}
	analytics := &fakePublisher{results: []error{nil}}
	relay := newTestRelay(t, repo, nil, reg, &fakeDeadLetters{}, 5)
	relay.open = func(topic string) publisher {
		if topic == "orders-topic" {
			return orders
		}
		return analytics
	}

	if _, err := relay.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(orders.messages) != 1 || len(analytics.messages) != 1 {
		t.Fatalf("expected one message per topic, got %d and %d", len(orders.messages), len(analytics.messages))
	}
	if len(repo.published) != 1 {
		t.Fatalf("expected row marked published once, got %v", repo.published)
	}
}

func TestRelayRetriesRowWhenLaterTopicFails(t *testing.T) {
	event := orderEvent(t, enums.EventOrderPaid, 0)
	repo := &fakeOutbox{events: []models.OutboxEvent{event}}
	reg := &fakeRegistry{
		payloads: map[uuid.UUID]any{event.ID: &payloads.OrderPaidEvent{CheckoutReference: "ref-paid"}},
		topics:   []string{"orders-topic", "analytics-topic"},
	}
	orders := &fakePublisher{results: []error{nil}}
	analytics := &fakePublisher{results: []error{errors.New("unavailable")}}
	relay := newTestRelay(t, repo, nil, reg, &fakeDeadLetters{}, 5)
	relay.open = func(topic string) publisher {
		if topic == "orders-topic" {
			return orders
		}
		return analytics
	}

	if _, err := relay.drain(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(repo.published) != 0 || len(repo.failed) != 1 {
		t.Fatalf("expected row left for retry, published=%v failed=%v", repo.published, repo.failed)
	}
	if len(analytics.resumed) != 1 || analytics.resumed[0] != "ref-paid" {
		t.Fatalf("expected analytics key resumed, got %v", analytics.resumed)
	}
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "outbox-relay-test", Output: io.Discard})
	if _, err := NewRelay(RelayParams{Logger: logg, DB: &fakeDB{}, PubSub: &fakePubSubClient{}, Outbox: &fakeOutbox{}, Registry: &fakeRegistry{}}); err == nil {
		t.Fatalf("expected missing dead letter store to fail")
	}
	relay, err := NewRelay(RelayParams{Logger: logg, DB: &fakeDB{}, PubSub: &fakePubSubClient{}, Outbox: &fakeOutbox{}, Registry: &fakeRegistry{}, DeadLetters: &fakeDeadLetters{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if relay.batchSize != defaultBatchSize || relay.maxAttempts != defaultMaxAttempts || relay.pollInterval != defaultPollInterval {
		t.Fatalf("defaults not applied: %d %d %s", relay.batchSize, relay.maxAttempts, relay.pollInterval)
	}
}

func newTestRelay(t *testing.T, repo outboxStore, pub publisher, reg resolver, dead deadLetterStore, maxAttempts int) *Relay {
	t.Helper()
	relay, err := NewRelay(RelayParams{
		Logger:        logger.New(logger.Options{ServiceName: "outbox-relay-test", Output: io.Discard}),
		DB:            &fakeDB{},
		PubSub:        &fakePubSubClient{},
		Outbox:        repo,
		Registry:      reg,
		DeadLetters:   dead,
		BatchSize:     10,
		MaxAttempts:   maxAttempts,
		PollInterval:  100 * time.Millisecond,
		OpenPublisher: func(string) publisher { return pub },
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	return relay
}

func orderEvent(tb testing.TB, eventType enums.OutboxEventType, attempts int) models.OutboxEvent {
	tb.Helper()
	id := uuid.New()
	env, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    id.String(),
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{}`),
	})
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       env,
		AttemptCount:  attempts,
		CreatedAt:     time.Now().UTC(),
	}
}

type fakeOutbox struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  []uuid.UUID
}

func (f *fakeOutbox) FetchUnpublishedForPublish(*gorm.DB, int, int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeOutbox) MarkPublishedTx(_ *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeOutbox) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeOutbox) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error, _ int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error { return nil }

func (f *fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct{}

func (f *fakePubSubClient) Ping(context.Context) error { return nil }

func (f *fakePubSubClient) Publisher(string) *gcppubsub.Publisher { return nil }

type fakePublisher struct {
	results  []error
	messages []*gcppubsub.Message
	resumed  []string
	stopped  int
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	if len(f.results) == 0 {
		return nil
	}
	result := fakePublishResult{err: f.results[0]}
	f.results = f.results[1:]
	return result
}

func (f *fakePublisher) ResumePublish(key string) { f.resumed = append(f.resumed, key) }

func (f *fakePublisher) Stop() { f.stopped++ }

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "server-id", f.err
}

type fakeRegistry struct {
	payloads map[uuid.UUID]any
	topics   []string
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	topics := f.topics
	if topics == nil {
		topics = []string{"orders-topic"}
	}
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			EventType:     event.EventType,
			AggregateType: event.AggregateType,
			Topics:        topics,
		},
		Envelope: outbox.PayloadEnvelope{Version: 1, EventID: event.ID.String(), OccurredAt: event.CreatedAt},
		Payload:  f.payloads[event.ID],
	}, nil
}

type fakeDeadLetters struct {
	entries []models.OutboxDLQ
}

func (f *fakeDeadLetters) InsertTx(_ *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeMetrics struct {
	calls []string
}

func (f *fakeMetrics) IncPublish(eventType, result string) {
	f.calls = append(f.calls, eventType+":"+result)
}

func (f *fakeMetrics) has(call string) bool {
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}
