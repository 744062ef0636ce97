package ledger

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

type fakeSheet struct {
	rows      [][]any
	readErr   error
	appendErr error
	appended  [][]any
}

func (f *fakeSheet) ReadRange(context.Context, string) ([][]any, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.rows, nil
}

func (f *fakeSheet) AppendRow(_ context.Context, _ string, row []any) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, row)
	f.rows = append(f.rows, row)
	return nil
}

type captureSink struct{ entries []events.Entry }

func (c *captureSink) Record(_ context.Context, e events.Entry) { c.entries = append(c.entries, e) }

func testOrder() *models.Order {
	return &models.Order{
		CheckoutReference: "20260110-rec1-1768046400000",
		PaymentID:         "chk_123",
		CustomerName:      "Ada Lovelace",
		CustomerEmail:     "ada@example.com",
		Amount:            decimal.RequireFromString("25"),
		Currency:          "GBP",
		CreatedAt:         time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		Items: []models.OrderItem{
			{ArtistNames: "Cocteau Twins", Title: "Treasure"},
			{ArtistNames: "Slowdive", Title: "Souvlaki"},
		},
	}
}

func newTestAppender(t *testing.T, sheet *fakeSheet, sink events.Sink) *Appender {
	t.Helper()
	a, err := NewAppender(AppenderParams{
		Sheet:           sheet,
		Range:           "Orders!A:H",
		ReferenceColumn: 1,
		Events:          sink,
		Logger:          logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}}),
	})
	require.NoError(t, err)
	return a
}

func TestAppenderAppendsOnce(t *testing.T) {
	sheet := &fakeSheet{rows: [][]any{{"date", "reference"}}}
	sink := &captureSink{}
	a := newTestAppender(t, sheet, sink)
	order := testOrder()

	appended, err := a.AppendIfAbsent(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, appended)

	appended, err = a.AppendIfAbsent(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, appended)

	require.Len(t, sheet.appended, 1)
	assert.Equal(t, []any{
		"2026-01-10",
		"20260110-rec1-1768046400000",
		"Ada Lovelace",
		"ada@example.com",
		"Cocteau Twins - Treasure; Slowdive - Souvlaki",
		"25.00",
		"GBP",
		"chk_123",
	}, sheet.appended[0])

	require.Len(t, sink.entries, 2)
	assert.Equal(t, enums.FulfillmentEventLedgerAppended, sink.entries[0].Event)
	assert.Equal(t, enums.FulfillmentEventLedgerSkipped, sink.entries[1].Event)
}

func TestAppenderIgnoresShortRows(t *testing.T) {
	sheet := &fakeSheet{rows: [][]any{{}, {"only-date"}}}
	a := newTestAppender(t, sheet, nil)

	appended, err := a.AppendIfAbsent(context.Background(), testOrder())
	require.NoError(t, err)
	assert.True(t, appended)
}

func TestAppenderFailuresWrapSentinel(t *testing.T) {
	cases := map[string]*fakeSheet{
		"read":   {readErr: errors.New("quota exceeded")},
		"append": {appendErr: errors.New("permission denied")},
	}
	for name, sheet := range cases {
		t.Run(name, func(t *testing.T) {
			a := newTestAppender(t, sheet, nil)
			_, err := a.AppendIfAbsent(context.Background(), testOrder())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrLedgerAppendFailed)
			assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.CodeOf(err))
		})
	}
}

func TestAppenderValidates(t *testing.T) {
	a := newTestAppender(t, &fakeSheet{}, nil)
	_, err := a.AppendIfAbsent(context.Background(), &models.Order{})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	_, err = NewAppender(AppenderParams{Sheet: &fakeSheet{}, Logger: logger.New(logger.Options{})})
	assert.Error(t, err, "range required")
}
