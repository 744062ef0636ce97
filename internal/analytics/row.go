package analytics

import (
	"fmt"
	"math/big"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/bigquery"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
)

// FulfillmentEventRow is one row of the fulfillment_events table.
type FulfillmentEventRow struct {
	EventID           string             `bigquery:"event_id"`
	EventType         string             `bigquery:"event_type"`
	CheckoutReference string             `bigquery:"checkout_reference"`
	Amount            *big.Rat           `bigquery:"amount"`
	Currency          string             `bigquery:"currency"`
	ItemCount         int64              `bigquery:"item_count"`
	OccurredAt        time.Time          `bigquery:"occurred_at"`
	Payload           cbigquery.NullJSON `bigquery:"payload"`
}

// InsertID lets BigQuery drop the row when a redelivery streams it again.
func (r *FulfillmentEventRow) InsertID() string { return r.EventID }

// FulfillmentEventsTable is created partitioned by day and clustered by
// checkout reference, the key every order lookup filters on.
func FulfillmentEventsTable(name string) bigquery.TableSpec {
	return bigquery.TableSpec{
		Name:        name,
		Row:         FulfillmentEventRow{},
		PartitionBy: "occurred_at",
		ClusterBy:   []string{"checkout_reference", "event_type"},
	}
}

func rowFor(eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope, decoded interface{}) (*FulfillmentEventRow, error) {
	row := &FulfillmentEventRow{
		EventID:    envelope.EventID,
		EventType:  string(eventType),
		OccurredAt: envelope.OccurredAt.UTC(),
	}
	if len(envelope.Data) > 0 {
		row.Payload = cbigquery.NullJSON{JSONVal: string(envelope.Data), Valid: true}
	}

	switch p := decoded.(type) {
	case *payloads.OrderCreatedEvent:
		row.fill(p.CheckoutReference, p.Amount, p.Currency, len(p.ItemIDs))
	case *payloads.OrderPaidEvent:
		row.fill(p.CheckoutReference, p.Amount, p.Currency, 0)
	case *payloads.OrderFulfilledEvent:
		row.fill(p.CheckoutReference, p.Amount, p.Currency, len(p.ItemIDs))
	default:
		return nil, fmt.Errorf("unsupported payload %T", decoded)
	}
	if row.CheckoutReference == "" {
		return nil, fmt.Errorf("%s payload has no checkout reference", eventType)
	}
	return row, nil
}

func (r *FulfillmentEventRow) fill(reference string, amount decimal.Decimal, currency string, items int) {
	r.CheckoutReference = reference
	r.Amount = amount.Rat()
	r.Currency = currency
	r.ItemCount = int64(items)
}
