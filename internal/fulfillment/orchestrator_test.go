package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/inventory"
	"github.com/dvhzldn/almond-river-records-sub000/internal/notifications"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/dbtest"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/email"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/metrics"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
)

var baseTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeCatalog struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeCatalog) MarkSold(_ context.Context, itemID string) error {
	f.calls = append(f.calls, itemID)
	if f.fail[itemID] {
		return &inventory.UpdateError{ItemID: itemID, Operation: "mark-sold", Attempts: 5, Err: errors.New("503 from catalog")}
	}
	return nil
}

type fakeLedger struct {
	rows   []string
	err    error
	before func()
}

func (f *fakeLedger) AppendIfAbsent(_ context.Context, order *models.Order) (bool, error) {
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return false, f.err
	}
	for _, ref := range f.rows {
		if ref == order.CheckoutReference {
			return false, nil
		}
	}
	f.rows = append(f.rows, order.CheckoutReference)
	return true, nil
}

type captureSink struct {
	mu      sync.Mutex
	entries []events.Entry
}

func (c *captureSink) Record(_ context.Context, e events.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureSink) count(event enums.FulfillmentEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fakeRunMetrics struct {
	runs           []string
	mirrorFailures int
}

func (f *fakeRunMetrics) IncRun(outcome string) { f.runs = append(f.runs, outcome) }
func (f *fakeRunMetrics) IncMirrorFailure()     { f.mirrorFailures++ }

type fakeLock struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.released++
	return nil
}

type harness struct {
	conn    *gorm.DB
	repo    orders.Repository
	mailer  *fakeMailer
	catalog *fakeCatalog
	ledger  *fakeLedger
	sink    *captureSink
	metrics *fakeRunMetrics
	params  Params
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "fulfillment-test"})
	repo := orders.NewRepository(conn)
	gate, err := orders.NewGate(repo, logg)
	require.NoError(t, err)

	h := &harness{
		conn:    conn,
		repo:    repo,
		mailer:  &fakeMailer{},
		catalog: &fakeCatalog{fail: map[string]bool{}},
		ledger:  &fakeLedger{},
		sink:    &captureSink{},
		metrics: &fakeRunMetrics{},
	}
	notifier, err := notifications.NewNotifier(notifications.NotifierParams{
		Orders: repo,
		Mailer: h.mailer,
		Events: h.sink,
		Logger: logg,
	})
	require.NoError(t, err)

	h.params = Params{
		Gate:          gate,
		Orders:        repo,
		Notifier:      notifier,
		Stock:         inventory.NewStore(conn),
		Catalog:       h.catalog,
		Ledger:        h.ledger,
		Outbox:        outbox.NewService(outbox.NewRepository(conn), logg),
		DB:            db.Wrap(conn),
		Events:        h.sink,
		Metrics:       h.metrics,
		Logger:        logg,
		AwaitAttempts: 1,
		AwaitDelay:    time.Millisecond,
	}
	return h
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(h.params)
	require.NoError(t, err)
	o.now = func() time.Time { return baseTime.Add(time.Hour) }
	return o
}

func (h *harness) seed(t *testing.T, reference string, status enums.OrderStatus, itemIDs ...string) *models.Order {
	t.Helper()
	order := &models.Order{
		CheckoutReference: reference,
		PaymentID:         "chk-" + reference,
		PaymentProvider:   "sumup",
		CustomerName:      "Ada Lovelace",
		CustomerEmail:     "ada@example.com",
		ShippingLine1:     "1 Leith Walk",
		ShippingCity:      "Edinburgh",
		ShippingPostcode:  "EH6 8AA",
		ShippingCountry:   "GB",
		Amount:            decimal.RequireFromString("25.00"),
		Currency:          "GBP",
		Status:            status,
		StatusHistory:     models.StatusHistory{}.Append(status, baseTime),
		CreatedAt:         baseTime,
		UpdatedAt:         baseTime,
	}
	for _, id := range itemIDs {
		order.Items = append(order.Items, models.OrderItem{
			CheckoutReference: reference,
			VinylRecordID:     id,
			ArtistNames:       "Cocteau Twins",
			Title:             "Treasure " + id,
			Price:             decimal.RequireFromString("12.50"),
			CreatedAt:         baseTime,
		})
		require.NoError(t, h.conn.Create(&models.VinylRecord{
			ID:          id,
			Title:       "Treasure " + id,
			ArtistNames: "Cocteau Twins",
			Price:       decimal.RequireFromString("12.50"),
			Quantity:    0,
			UpdatedAt:   baseTime,
		}).Error)
	}
	require.NoError(t, h.repo.CreateOrder(context.Background(), order))
	return order
}

func (h *harness) load(t *testing.T, reference string) *models.Order {
	t.Helper()
	order, err := h.repo.FindByReference(context.Background(), reference)
	require.NoError(t, err)
	return order
}

func (h *harness) outboxCount(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func TestFulfillHappyPathThenIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-A", enums.OrderStatusPaid, "rec-1", "rec-2")
	o := h.orchestrator(t)

	result, err := o.Fulfill(context.Background(), "ref-A")
	require.NoError(t, err)
	assert.False(t, result.AlreadyFulfilled)
	assert.Equal(t, []string{"rec-1", "rec-2"}, result.ItemIDs)
	assert.Empty(t, result.FailedItemIDs)

	var records []models.VinylRecord
	require.NoError(t, h.conn.Order("id").Find(&records).Error)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.True(t, r.Sold, r.ID)
		assert.Zero(t, r.Quantity, r.ID)
	}
	assert.Equal(t, []string{"rec-1", "rec-2"}, h.catalog.calls)
	assert.Len(t, h.mailer.sent, 1)
	assert.Equal(t, []string{"ref-A"}, h.ledger.rows)

	order := h.load(t, "ref-A")
	require.NotNil(t, order.FulfilledAt)
	assert.True(t, order.ConfirmationEmailSent)
	assert.EqualValues(t, 1, h.outboxCount(t, enums.EventOrderFulfilled))
	assert.Equal(t, 1, h.sink.count(enums.FulfillmentEventOrderFulfilled))

	again, err := o.Fulfill(context.Background(), "ref-A")
	require.NoError(t, err)
	assert.True(t, again.AlreadyFulfilled)
	assert.Len(t, h.catalog.calls, 2)
	assert.Len(t, h.mailer.sent, 1)
	assert.Len(t, h.ledger.rows, 1)
	assert.EqualValues(t, 1, h.outboxCount(t, enums.EventOrderFulfilled))
	assert.Equal(t, 1, h.sink.count(enums.FulfillmentEventAlreadyFulfilled))
	assert.Equal(t, []string{metrics.OutcomeFulfilled, metrics.OutcomeAlreadyFulfilled}, h.metrics.runs)
}

func TestFulfillSurvivesPartialCatalogOutage(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-B", enums.OrderStatusPaid, "rec-1", "rec-2")
	h.catalog.fail["rec-2"] = true
	o := h.orchestrator(t)

	result, err := o.Fulfill(context.Background(), "ref-B")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-2"}, result.FailedItemIDs)
	assert.Len(t, h.mailer.sent, 1)
	assert.Equal(t, []string{"ref-B"}, h.ledger.rows)
	assert.NotNil(t, h.load(t, "ref-B").FulfilledAt)
	assert.Equal(t, 1, h.metrics.mirrorFailures)

	var failed []events.Entry
	for _, e := range h.sink.entries {
		if e.Event == enums.FulfillmentEventInventoryUpdateFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "rec-2", failed[0].Metadata["item_id"])

	var rec models.VinylRecord
	require.NoError(t, h.conn.First(&rec, "id = ?", "rec-2").Error)
	assert.True(t, rec.Sold)
}

func TestFulfillContinuesWhenEmailFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-C", enums.OrderStatusPaid, "rec-1")
	h.mailer.err = errors.New("smtp unavailable")
	o := h.orchestrator(t)

	_, err := o.Fulfill(context.Background(), "ref-C")
	require.NoError(t, err)

	order := h.load(t, "ref-C")
	assert.NotNil(t, order.FulfilledAt)
	assert.True(t, order.ConfirmationEmailSent)
	assert.Equal(t, 1, h.sink.count(enums.FulfillmentEventEmailSendFailed))
}

func TestFulfillLedgerFailureLeavesOrderRetryable(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-D", enums.OrderStatusPaid, "rec-1")
	h.ledger.err = errors.New("sheets quota exceeded")
	o := h.orchestrator(t)

	_, err := o.Fulfill(context.Background(), "ref-D")
	require.Error(t, err)
	assert.Nil(t, h.load(t, "ref-D").FulfilledAt)
	assert.Zero(t, h.outboxCount(t, enums.EventOrderFulfilled))
	assert.Equal(t, []string{metrics.OutcomeError}, h.metrics.runs)

	h.ledger.err = nil
	result, err := o.Fulfill(context.Background(), "ref-D")
	require.NoError(t, err)
	assert.False(t, result.AlreadyFulfilled)
	assert.Len(t, h.mailer.sent, 1, "confirmation must not be re-sent on retry")
	assert.NotNil(t, h.load(t, "ref-D").FulfilledAt)
}

func TestFulfillLosesCommitRaceGracefully(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-E", enums.OrderStatusPaid, "rec-1")
	h.ledger.before = func() {
		require.NoError(t, h.repo.MarkFulfilled(context.Background(), "ref-E", baseTime))
	}
	o := h.orchestrator(t)

	result, err := o.Fulfill(context.Background(), "ref-E")
	require.NoError(t, err)
	assert.True(t, result.AlreadyFulfilled)
	assert.Zero(t, h.outboxCount(t, enums.EventOrderFulfilled))

	order := h.load(t, "ref-E")
	require.NotNil(t, order.FulfilledAt)
	assert.True(t, order.FulfilledAt.Equal(baseTime))
}

func TestFulfillPropagatesGateFailures(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-F", enums.OrderStatusPending, "rec-1")
	o := h.orchestrator(t)

	_, err := o.Fulfill(context.Background(), "ref-F")
	require.Error(t, err)
	assert.True(t, errors.Is(err, orders.ErrFulfillmentTimeout))

	_, err = o.Fulfill(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, orders.ErrOrderNotFound))

	assert.Empty(t, h.catalog.calls)
	assert.Empty(t, h.mailer.sent)
	assert.Equal(t, []string{metrics.OutcomeTimeout, metrics.OutcomeNotFound}, h.metrics.runs)
}

func TestFulfillSkipsItemsMissingFromLocalMirror(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-G", enums.OrderStatusPaid, "rec-1")
	require.NoError(t, h.conn.Delete(&models.VinylRecord{}, "id = ?", "rec-1").Error)
	o := h.orchestrator(t)

	_, err := o.Fulfill(context.Background(), "ref-G")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-1"}, h.catalog.calls)
	assert.NotNil(t, h.load(t, "ref-G").FulfilledAt)
}

func TestFulfillRejectsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ref-H", enums.OrderStatusPaid, "rec-1")
	lock := &fakeLock{held: true}
	h.params.Locks = func(string) (Lock, error) { return lock, nil }
	o := h.orchestrator(t)

	_, err := o.Fulfill(context.Background(), "ref-H")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFulfillmentInProgress))
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
	assert.Nil(t, h.load(t, "ref-H").FulfilledAt)
	assert.Equal(t, []string{metrics.OutcomeLocked}, h.metrics.runs)

	lock.held = false
	_, err = o.Fulfill(context.Background(), "ref-H")
	require.NoError(t, err)
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
}

func TestFulfillValidatesReference(t *testing.T) {
	o := newHarness(t).orchestrator(t)
	_, err := o.Fulfill(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestNewOrchestratorValidates(t *testing.T) {
	h := newHarness(t)
	p := h.params
	p.Gate = nil
	_, err := NewOrchestrator(p)
	require.Error(t, err)

	p = h.params
	p.DB = nil
	_, err = NewOrchestrator(p)
	require.Error(t, err)
}
