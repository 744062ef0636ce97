package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/dbtest"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

var baseTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type fakeLookup struct {
	status enums.PaymentStatus
	err    error
	calls  int
}

func (f *fakeLookup) Status(context.Context, string, string) (enums.PaymentStatus, error) {
	f.calls++
	return f.status, f.err
}

type captureSink struct{ entries []events.Entry }

func (c *captureSink) Record(_ context.Context, e events.Entry) { c.entries = append(c.entries, e) }

func (c *captureSink) count(event enums.FulfillmentEvent) int {
	n := 0
	for _, e := range c.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

type webhookFixture struct {
	conn    *gorm.DB
	repo    orders.Repository
	lookup  *fakeLookup
	sink    *captureSink
	service *WebhookService
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "payments-test"})
	srv := miniredis.RunT(t)
	guard, err := NewIdempotencyGuard(redis.Wrap(goredis.NewClient(&goredis.Options{Addr: srv.Addr()})), time.Hour, "payment-webhook")
	require.NoError(t, err)

	f := &webhookFixture{
		conn:   conn,
		repo:   orders.NewRepository(conn),
		lookup: &fakeLookup{status: enums.PaymentStatusPaid},
		sink:   &captureSink{},
	}
	svc, err := NewWebhookService(WebhookServiceParams{
		Orders:   f.repo,
		Gateways: f.lookup,
		Outbox:   outbox.NewService(outbox.NewRepository(conn), logg),
		DB:       db.Wrap(conn),
		Guard:    guard,
		Events:   f.sink,
		Logger:   logg,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return baseTime.Add(time.Minute) }
	f.service = svc
	return f
}

func (f *webhookFixture) seed(t *testing.T, reference string, status enums.OrderStatus) {
	t.Helper()
	require.NoError(t, f.repo.CreateOrder(context.Background(), &models.Order{
		CheckoutReference: reference,
		PaymentID:         "chk-" + reference,
		PaymentProvider:   "sumup",
		CustomerName:      "Ada Lovelace",
		CustomerEmail:     "ada@example.com",
		ShippingLine1:     "1 Leith Walk",
		ShippingCity:      "Edinburgh",
		ShippingPostcode:  "EH6 8AA",
		ShippingCountry:   "GB",
		Amount:            decimal.RequireFromString("12.50"),
		Currency:          "GBP",
		Status:            status,
		StatusHistory:     models.StatusHistory{}.Append(status, baseTime),
		CreatedAt:         baseTime,
		UpdatedAt:         baseTime,
	}))
}

func (f *webhookFixture) outboxEvents(t *testing.T) []models.OutboxEvent {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Find(&rows).Error)
	return rows
}

func TestHandleMarksOrderPaidAndQueuesEvent(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusPending)

	outcome, err := f.service.Handle(context.Background(), Notification{
		Source:     "sumup",
		CheckoutID: "chk-ref-1",
		Reference:  "ref-1",
		Status:     enums.PaymentStatusPaid,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, enums.OrderStatusPaid, outcome.Status)

	order, err := f.repo.FindByReference(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, order.Status)
	require.Len(t, order.StatusHistory, 2)

	rows := f.outboxEvents(t)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.EventOrderPaid, rows[0].EventType)
	assert.Equal(t, order.ID, rows[0].AggregateID)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	var paid map[string]any
	require.NoError(t, json.Unmarshal(envelope.Data, &paid))
	assert.Equal(t, "ref-1", paid["checkout_reference"])

	assert.Equal(t, 1, f.sink.count(enums.FulfillmentEventWebhookReceived))
	assert.Equal(t, 1, f.sink.count(enums.FulfillmentEventStatusUpdate))
}

func TestHandleDeduplicatesDeliveries(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusPending)
	n := Notification{Source: "sumup", CheckoutID: "chk-ref-1", Reference: "ref-1", Status: enums.PaymentStatusPaid}

	_, err := f.service.Handle(context.Background(), n)
	require.NoError(t, err)
	outcome, err := f.service.Handle(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.Len(t, f.outboxEvents(t), 1)
	assert.Equal(t, 1, f.sink.count(enums.FulfillmentEventStatusUpdate))
}

func TestHandleTrustsGatewayOverPayload(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusPending)
	f.lookup.status = enums.PaymentStatusPending

	outcome, err := f.service.Handle(context.Background(), Notification{
		Source:    "sumup",
		Reference: "ref-1",
		Status:    enums.PaymentStatusPaid,
	})
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, enums.OrderStatusPending, outcome.Status)
	assert.Empty(t, f.outboxEvents(t))
}

func TestHandleKeepsPaidTerminal(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusPaid)
	f.lookup.status = enums.PaymentStatusFailed

	outcome, err := f.service.Handle(context.Background(), Notification{Source: "sumup", Reference: "ref-1", Status: enums.PaymentStatusFailed})
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, enums.OrderStatusPaid, outcome.Status)
}

func TestHandleFailedCanLaterBecomePaid(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusFailed)

	outcome, err := f.service.Handle(context.Background(), Notification{Source: "sumup", Reference: "ref-1", Status: enums.PaymentStatusPaid})
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Len(t, f.outboxEvents(t), 1)
}

func TestHandleRejectsForeignCheckout(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusPending)

	_, err := f.service.Handle(context.Background(), Notification{Source: "sumup", CheckoutID: "chk-other", Reference: "ref-1"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	assert.Zero(t, f.lookup.calls)
}

func TestHandleGatewayFailureAllowsRetry(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusPending)
	f.lookup.err = errors.New("gateway timeout")

	_, err := f.service.Handle(context.Background(), Notification{Source: "sumup", Reference: "ref-1"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.CodeOf(err))

	f.lookup.err = nil
	outcome, err := f.service.Handle(context.Background(), Notification{Source: "sumup", Reference: "ref-1"})
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
}

func TestHandleUnknownOrder(t *testing.T) {
	f := newWebhookFixture(t)
	_, err := f.service.Handle(context.Background(), Notification{Source: "sumup", Reference: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, orders.ErrOrderNotFound))
}

func TestHandleStripeEvent(t *testing.T) {
	f := newWebhookFixture(t)
	f.seed(t, "ref-1", enums.OrderStatusPending)
	require.NoError(t, f.conn.Model(&models.Order{}).Where("checkout_reference = ?", "ref-1").Update("payment_id", "cs_1").Error)

	raw, err := json.Marshal(map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"client_reference_id": "ref-1",
		"status":              "complete",
		"payment_status":      "paid",
	})
	require.NoError(t, err)

	outcome, handled, err := f.service.HandleStripeEvent(context.Background(), &stripe.Event{
		ID:   "evt_1",
		Type: stripe.EventTypeCheckoutSessionCompleted,
		Data: &stripe.EventData{Raw: raw},
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.True(t, outcome.Changed)

	_, handled, err = f.service.HandleStripeEvent(context.Background(), &stripe.Event{
		ID:   "evt_2",
		Type: stripe.EventTypeCustomerCreated,
		Data: &stripe.EventData{Raw: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.False(t, handled)
}
