package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

// ErrLedgerAppendFailed wraps any read or append failure against the ledger.
var ErrLedgerAppendFailed = pkgerrors.New(pkgerrors.CodeDependency, "ledger append failed")

type sheetAPI interface {
	ReadRange(ctx context.Context, rangeA1 string) ([][]any, error)
	AppendRow(ctx context.Context, rangeA1 string, row []any) error
}

// AppenderParams wires the Appender.
type AppenderParams struct {
	Sheet           sheetAPI
	Range           string
	ReferenceColumn int
	Events          events.Sink
	Logger          *logger.Logger
}

// Appender records one spreadsheet row per fulfilled order.
//
// The existence check and the append are two separate calls. Two concurrent
// appenders for the same reference can both miss the row and both append;
// callers serialize per reference to avoid that.
type Appender struct {
	sheet     sheetAPI
	rangeA1   string
	refColumn int
	events    events.Sink
	logg      *logger.Logger
}

// NewAppender validates params.
func NewAppender(p AppenderParams) (*Appender, error) {
	if p.Sheet == nil {
		return nil, errors.New("sheet client is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(p.Range) == "" {
		return nil, errors.New("ledger range is required")
	}
	if p.ReferenceColumn < 0 {
		return nil, errors.New("ledger reference column must be non-negative")
	}
	if p.Events == nil {
		p.Events = events.Discard{}
	}
	return &Appender{
		sheet:     p.Sheet,
		rangeA1:   p.Range,
		refColumn: p.ReferenceColumn,
		events:    p.Events,
		logg:      p.Logger,
	}, nil
}

// AppendIfAbsent appends the order's row unless a row with its checkout
// reference already exists. The bool reports whether a row was written.
func (a *Appender) AppendIfAbsent(ctx context.Context, order *models.Order) (bool, error) {
	if order == nil || order.CheckoutReference == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "order with checkout reference is required")
	}
	reference := order.CheckoutReference

	rows, err := a.sheet.ReadRange(ctx, a.rangeA1)
	if err != nil {
		return false, a.fail(reference, "read ledger", err)
	}
	if a.contains(rows, reference) {
		a.events.Record(ctx, events.Entry{
			Event:     enums.FulfillmentEventLedgerSkipped,
			Reference: reference,
			Message:   "ledger row already present",
		})
		return false, nil
	}

	if err := a.sheet.AppendRow(ctx, a.rangeA1, Row(order)); err != nil {
		return false, a.fail(reference, "append ledger row", err)
	}
	a.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventLedgerAppended,
		Reference: reference,
		Message:   "ledger row appended",
		Metadata:  map[string]any{"range": a.rangeA1},
	})
	return true, nil
}

func (a *Appender) contains(rows [][]any, reference string) bool {
	for _, row := range rows {
		if a.refColumn >= len(row) {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(row[a.refColumn])) == reference {
			return true
		}
	}
	return false
}

func (a *Appender) fail(reference, op string, err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeDependency, errors.Join(ErrLedgerAppendFailed, err),
		fmt.Sprintf("%s for %s", op, reference))
}

// Row lays out an order as: date, reference, customer name, email, item titles,
// amount, currency, payment id.
func Row(order *models.Order) []any {
	titles := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		titles = append(titles, fmt.Sprintf("%s - %s", item.ArtistNames, item.Title))
	}
	return []any{
		order.CreatedAt.UTC().Format("2006-01-02"),
		order.CheckoutReference,
		order.CustomerName,
		order.CustomerEmail,
		strings.Join(titles, "; "),
		order.Amount.StringFixed(2),
		order.Currency,
		order.PaymentID,
	}
}
