package notifications

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/dbtest"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/email"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

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

type captureSink struct {
	mu      sync.Mutex
	entries []events.Entry
}

func (c *captureSink) Record(_ context.Context, e events.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

type fixture struct {
	repo     orders.Repository
	mailer   *fakeMailer
	sink     *captureSink
	notifier *Notifier
	order    *models.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	repo := orders.NewRepository(db)
	line2 := "Flat 2"
	order := &models.Order{
		CheckoutReference: "ref-1",
		PaymentProvider:   "sumup",
		CustomerName:      "Ada Lovelace",
		CustomerEmail:     "ada@example.com",
		ShippingLine1:     "1 Leith Walk",
		ShippingLine2:     &line2,
		ShippingCity:      "Edinburgh",
		ShippingPostcode:  "EH6 8AA",
		ShippingCountry:   "GB",
		Amount:            decimal.RequireFromString("25"),
		Currency:          "GBP",
		Status:            enums.OrderStatusPaid,
		Items: []models.OrderItem{{
			CheckoutReference: "ref-1",
			VinylRecordID:     "rec1",
			ArtistNames:       "Cocteau Twins",
			Title:             "Treasure",
			Price:             decimal.RequireFromString("25"),
		}},
	}
	require.NoError(t, repo.CreateOrder(context.Background(), order))

	mailer := &fakeMailer{}
	sink := &captureSink{}
	n, err := NewNotifier(NotifierParams{
		Orders: repo,
		Mailer: mailer,
		Events: sink,
		Logger: logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}}),
	})
	require.NoError(t, err)
	return &fixture{repo: repo, mailer: mailer, sink: sink, notifier: n, order: order}
}

func TestNotifierSendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.notifier.SendOnce(ctx, f.order)
	require.NoError(t, err)
	assert.True(t, sent)

	fresh, err := f.repo.FindByReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, fresh.ConfirmationEmailSent)

	sent, err = f.notifier.SendOnce(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, sent)

	require.Len(t, f.mailer.sent, 1)
	msg := f.mailer.sent[0]
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Contains(t, msg.PlainText, "ref-1")
	assert.Contains(t, msg.PlainText, "Cocteau Twins - Treasure (25.00 GBP)")
	assert.Contains(t, msg.PlainText, "Flat 2")
	assert.Contains(t, msg.HTML, "<strong>ref-1</strong>")

	require.Len(t, f.sink.entries, 2)
	assert.Equal(t, enums.FulfillmentEventEmailSent, f.sink.entries[0].Event)
	assert.Equal(t, enums.FulfillmentEventEmailSkipped, f.sink.entries[1].Event)
}

func TestNotifierStaleOrderStillSkipsWhenFlagClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := *f.order
	_, err := f.notifier.SendOnce(ctx, f.order)
	require.NoError(t, err)

	sent, err := f.notifier.SendOnce(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, f.mailer.sent, 1)
}

func TestNotifierConcurrentCallsSendOneEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 20
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]bool, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		order := *f.order
		wg.Add(1)
		go func(i int, order models.Order) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.notifier.SendOnce(ctx, &order)
		}(i, order)
	}
	close(start)
	wg.Wait()

	won := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Len(t, f.mailer.sent, 1)

	fresh, err := f.repo.FindByReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, fresh.ConfirmationEmailSent)

	skipped := 0
	for _, e := range f.sink.entries {
		if e.Event == enums.FulfillmentEventEmailSkipped {
			skipped++
		}
	}
	assert.Equal(t, callers-1, skipped)
}

func TestNotifierSendFailureKeepsFlag(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")
	ctx := context.Background()

	sent, err := f.notifier.SendOnce(ctx, f.order)
	require.Error(t, err)
	assert.False(t, sent)
	assert.ErrorIs(t, err, ErrEmailSendFailed)

	fresh, err := f.repo.FindByReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, fresh.ConfirmationEmailSent, "flag is written before the send")

	require.Len(t, f.sink.entries, 1)
	assert.Equal(t, enums.FulfillmentEventEmailSendFailed, f.sink.entries[0].Event)
}

func TestRenderConfirmationEscapesHTML(t *testing.T) {
	order := &models.Order{
		CustomerName:      "<script>x</script>",
		CheckoutReference: "ref",
		Amount:            decimal.RequireFromString("1"),
		Currency:          "GBP",
	}
	_, html, err := renderConfirmation(order)
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
}
