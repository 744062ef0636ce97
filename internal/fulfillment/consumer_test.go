package fulfillment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/idempotency"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

type fakeFulfiller struct {
	refs []string
	err  error
}

func (f *fakeFulfiller) Fulfill(_ context.Context, reference string) (Result, error) {
	f.refs = append(f.refs, reference)
	if f.err != nil {
		return Result{Reference: reference}, f.err
	}
	return Result{Reference: reference}, nil
}

func newTestConsumer(t *testing.T, f fulfiller) (*Consumer, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	manager, err := idempotency.NewManager(client, time.Hour, 10*time.Minute)
	require.NoError(t, err)
	return &Consumer{
		orchestrator: f,
		idempotency:  manager,
		logg:         logger.New(logger.Options{ServiceName: "fulfillment-consumer-test"}),
	}, srv
}

func paidMessage(t *testing.T, eventID uuid.UUID, reference string) *pubsub.Message {
	t.Helper()
	data, err := json.Marshal(payloads.OrderPaidEvent{
		OrderID:           uuid.New(),
		CheckoutReference: reference,
		PaymentID:         "chk-1",
		Source:            "webhook",
	})
	require.NoError(t, err)
	body, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID.String(),
		OccurredAt: baseTime,
		Data:       data,
	})
	require.NoError(t, err)
	return &pubsub.Message{
		ID:         "msg-" + eventID.String()[:8],
		Data:       body,
		Attributes: map[string]string{"event_type": string(enums.EventOrderPaid)},
	}
}

func TestConsumerFulfillsOncePerEvent(t *testing.T) {
	f := &fakeFulfiller{}
	c, _ := newTestConsumer(t, f)
	eventID := uuid.New()

	res := c.process(context.Background(), paidMessage(t, eventID, "ref-A"))
	assert.True(t, res.ack)

	res = c.process(context.Background(), paidMessage(t, eventID, "ref-A"))
	assert.True(t, res.ack)
	assert.Equal(t, []string{"ref-A"}, f.refs)
}

func TestConsumerNacksRetryableFailuresAndForgetsEvent(t *testing.T) {
	f := &fakeFulfiller{err: orders.ErrFulfillmentTimeout}
	c, _ := newTestConsumer(t, f)
	eventID := uuid.New()

	res := c.process(context.Background(), paidMessage(t, eventID, "ref-B"))
	assert.True(t, res.nack)

	f.err = nil
	res = c.process(context.Background(), paidMessage(t, eventID, "ref-B"))
	assert.True(t, res.ack)
	assert.Equal(t, []string{"ref-B", "ref-B"}, f.refs)
}

func TestConsumerWaitsOutAnotherDeliverysLease(t *testing.T) {
	f := &fakeFulfiller{}
	c, srv := newTestConsumer(t, f)
	eventID := uuid.New()

	claim, err := c.idempotency.Claim(context.Background(), fulfillmentConsumer, eventID)
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, claim)

	res := c.process(context.Background(), paidMessage(t, eventID, "ref-L"))
	assert.True(t, res.nack)
	assert.Empty(t, f.refs)

	srv.FastForward(11 * time.Minute)
	res = c.process(context.Background(), paidMessage(t, eventID, "ref-L"))
	assert.True(t, res.ack)
	assert.Equal(t, []string{"ref-L"}, f.refs)
}

func TestConsumerAcksPermanentFailures(t *testing.T) {
	f := &fakeFulfiller{err: pkgerrors.Wrap(pkgerrors.CodeNotFound, orders.ErrOrderNotFound, "no order")}
	c, _ := newTestConsumer(t, f)

	res := c.process(context.Background(), paidMessage(t, uuid.New(), "ref-C"))
	assert.True(t, res.ack)
	assert.False(t, res.nack)
}

func TestConsumerSkipsOtherEventsAndBadPayloads(t *testing.T) {
	f := &fakeFulfiller{}
	c, _ := newTestConsumer(t, f)

	msg := paidMessage(t, uuid.New(), "ref-D")
	msg.Attributes["event_type"] = string(enums.EventOrderFulfilled)
	assert.True(t, c.process(context.Background(), msg).ack)

	garbage := &pubsub.Message{ID: "x", Data: []byte("{"), Attributes: map[string]string{"event_type": string(enums.EventOrderPaid)}}
	assert.True(t, c.process(context.Background(), garbage).ack)

	assert.True(t, c.process(context.Background(), paidMessage(t, uuid.New(), "")).ack)
	assert.Empty(t, f.refs)
}

func TestConsumerNacksWhenRedisUnavailable(t *testing.T) {
	f := &fakeFulfiller{}
	c, srv := newTestConsumer(t, f)
	srv.Close()

	res := c.process(context.Background(), paidMessage(t, uuid.New(), "ref-E"))
	assert.True(t, res.nack)
	assert.Empty(t, f.refs)
}

func TestRedisLocksExcludeConcurrentFulfillment(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	locks := RedisLocks(client, time.Minute)

	first, err := locks("ref-A")
	require.NoError(t, err)
	ok, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	second, err := locks("ref-A")
	require.NoError(t, err)
	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := locks("ref-B")
	require.NoError(t, err)
	ok, err = other.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Release(context.Background()))
	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
