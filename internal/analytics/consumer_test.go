package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/idempotency"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/registry"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

var occurred = time.Date(2026, 2, 1, 18, 0, 0, 0, time.UTC)

type fakeInserter struct {
	table string
	rows  []any
	err   error
}

func (f *fakeInserter) InsertRows(_ context.Context, table string, rows []any) error {
	if f.err != nil {
		return f.err
	}
	f.table = table
	f.rows = append(f.rows, rows...)
	return nil
}

func newTestConsumer(t *testing.T, inserter *fakeInserter) (*Consumer, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	manager, err := idempotency.NewManager(redis.Wrap(goredis.NewClient(&goredis.Options{Addr: srv.Addr()})), time.Hour, 10*time.Minute)
	require.NoError(t, err)
	return &Consumer{
		inserter: inserter,
		table:    "fulfillment_events",
		decoder:  registry.NewOrderDecoderRegistry(),
		manager:  manager,
		logg:     logger.New(logger.Options{ServiceName: "analytics-test"}),
	}, srv
}

func message(t *testing.T, eventType enums.OutboxEventType, eventID uuid.UUID, data any) *pubsub.Message {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID.String(),
		OccurredAt: occurred,
		Data:       raw,
	})
	require.NoError(t, err)
	return &pubsub.Message{
		ID:         "m-" + eventID.String()[:8],
		Data:       body,
		Attributes: map[string]string{"event_type": string(eventType)},
	}
}

func fulfilledPayload() payloads.OrderFulfilledEvent {
	return payloads.OrderFulfilledEvent{
		OrderID:           uuid.New(),
		CheckoutReference: "20260201-rec1-rec2-1769968800000",
		Amount:            decimal.RequireFromString("32.50"),
		Currency:          "GBP",
		ItemIDs:           []string{"rec1", "rec2"},
		FulfilledAt:       occurred,
	}
}

func TestProcessWritesOneRowPerEvent(t *testing.T) {
	inserter := &fakeInserter{}
	c, _ := newTestConsumer(t, inserter)
	eventID := uuid.New()
	msg := message(t, enums.EventOrderFulfilled, eventID, fulfilledPayload())

	assert.False(t, c.process(context.Background(), msg).nack)
	assert.False(t, c.process(context.Background(), msg).nack)

	require.Len(t, inserter.rows, 1)
	assert.Equal(t, "fulfillment_events", inserter.table)
	row, ok := inserter.rows[0].(*FulfillmentEventRow)
	require.True(t, ok)
	assert.Equal(t, eventID.String(), row.EventID)
	assert.Equal(t, "order.fulfilled", row.EventType)
	assert.Equal(t, "20260201-rec1-rec2-1769968800000", row.CheckoutReference)
	assert.Equal(t, 0, row.Amount.Cmp(big.NewRat(65, 2)))
	assert.Equal(t, "GBP", row.Currency)
	assert.Equal(t, int64(2), row.ItemCount)
	assert.True(t, row.OccurredAt.Equal(occurred))
	assert.True(t, row.Payload.Valid)
}

func TestProcessOrderCreatedCountsItems(t *testing.T) {
	inserter := &fakeInserter{}
	c, _ := newTestConsumer(t, inserter)

	c.process(context.Background(), message(t, enums.EventOrderCreated, uuid.New(), payloads.OrderCreatedEvent{
		OrderID:           uuid.New(),
		CheckoutReference: "ref-1",
		Amount:            decimal.RequireFromString("12.50"),
		Currency:          "GBP",
		ItemIDs:           []string{"rec1"},
	}))
	require.Len(t, inserter.rows, 1)
	assert.Equal(t, int64(1), inserter.rows[0].(*FulfillmentEventRow).ItemCount)
}

func TestProcessInsertFailureNacksAndAllowsRetry(t *testing.T) {
	inserter := &fakeInserter{err: errors.New("bigquery unavailable")}
	c, _ := newTestConsumer(t, inserter)
	msg := message(t, enums.EventOrderFulfilled, uuid.New(), fulfilledPayload())

	assert.True(t, c.process(context.Background(), msg).nack)

	inserter.err = nil
	assert.False(t, c.process(context.Background(), msg).nack)
	assert.Len(t, inserter.rows, 1)
}

func TestProcessDropsMalformedMessages(t *testing.T) {
	inserter := &fakeInserter{}
	c, _ := newTestConsumer(t, inserter)

	unknown := message(t, enums.EventOrderFulfilled, uuid.New(), fulfilledPayload())
	unknown.Attributes["event_type"] = "store.created"
	assert.False(t, c.process(context.Background(), unknown).nack)

	garbled := &pubsub.Message{ID: "bad", Data: []byte("{"), Attributes: map[string]string{"event_type": "order.created"}}
	assert.False(t, c.process(context.Background(), garbled).nack)

	noRef := fulfilledPayload()
	noRef.CheckoutReference = ""
	assert.False(t, c.process(context.Background(), message(t, enums.EventOrderFulfilled, uuid.New(), noRef)).nack)

	assert.Empty(t, inserter.rows)
}

func TestProcessNacksWhenRedisDown(t *testing.T) {
	inserter := &fakeInserter{}
	c, srv := newTestConsumer(t, inserter)
	srv.Close()

	assert.True(t, c.process(context.Background(), message(t, enums.EventOrderFulfilled, uuid.New(), fulfilledPayload())).nack)
	assert.Empty(t, inserter.rows)
}

func TestNewConsumerValidates(t *testing.T) {
	_, err := NewConsumer(ConsumerParams{})
	require.Error(t, err)
}

func TestFulfillmentEventsTableKeysRowsByEvent(t *testing.T) {
	table := FulfillmentEventsTable("fulfillment_events")
	assert.Equal(t, "occurred_at", table.PartitionBy)
	assert.Equal(t, "checkout_reference", table.ClusterBy[0])

	row := &FulfillmentEventRow{EventID: "evt-9"}
	assert.Equal(t, "evt-9", row.InsertID())
}
