package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderCreatedEvent is emitted when a checkout session is persisted as a PENDING order.
type OrderCreatedEvent struct {
	OrderID           uuid.UUID       `json:"order_id"`
	CheckoutReference string          `json:"checkout_reference"`
	PaymentProvider   string          `json:"payment_provider"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ItemIDs           []string        `json:"item_ids"`
	CreatedAt         time.Time       `json:"created_at"`
}

// OrderPaidEvent asks the fulfillment worker to fulfill the order.
type OrderPaidEvent struct {
	OrderID           uuid.UUID       `json:"order_id"`
	CheckoutReference string          `json:"checkout_reference"`
	PaymentID         string          `json:"payment_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaidAt            time.Time       `json:"paid_at"`
	Source            string          `json:"source"`
}

// OrderFulfilledEvent records the commit of an order's fulfillment.
type OrderFulfilledEvent struct {
	OrderID           uuid.UUID       `json:"order_id"`
	CheckoutReference string          `json:"checkout_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ItemIDs           []string        `json:"item_ids"`
	FailedItemIDs     []string        `json:"failed_item_ids,omitempty"`
	FulfilledAt       time.Time       `json:"fulfilled_at"`
}

// Referenced payloads carry the checkout reference that orders their delivery.
type Referenced interface {
	Reference() string
}

func (e OrderCreatedEvent) Reference() string   { return e.CheckoutReference }
func (e OrderPaidEvent) Reference() string      { return e.CheckoutReference }
func (e OrderFulfilledEvent) Reference() string { return e.CheckoutReference }

func (e OrderCreatedEvent) Order() uuid.UUID   { return e.OrderID }
func (e OrderPaidEvent) Order() uuid.UUID      { return e.OrderID }
func (e OrderFulfilledEvent) Order() uuid.UUID { return e.OrderID }
