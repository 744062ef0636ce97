package enums

// FulfillmentEvent names the rows written to order_logs.
type FulfillmentEvent string

const (
	FulfillmentEventCheckoutCreated        FulfillmentEvent = "checkout-created"
	FulfillmentEventStatusUpdate           FulfillmentEvent = "status-update"
	FulfillmentEventScheduledCheck         FulfillmentEvent = "scheduled-check"
	FulfillmentEventRetryFailed            FulfillmentEvent = "fulfillment-retry-failed"
	FulfillmentEventStarted                FulfillmentEvent = "fulfillment-started"
	FulfillmentEventAlreadyFulfilled       FulfillmentEvent = "fulfillment-skipped"
	FulfillmentEventEmailSent              FulfillmentEvent = "email-sent"
	FulfillmentEventEmailSkipped           FulfillmentEvent = "email-skipped"
	FulfillmentEventEmailSendFailed        FulfillmentEvent = "email-send-failed"
	FulfillmentEventInventoryUpdated       FulfillmentEvent = "inventory-updated"
	FulfillmentEventInventorySkipped       FulfillmentEvent = "inventory-skipped"
	FulfillmentEventInventoryUpdateFailed  FulfillmentEvent = "inventory-update-failed"
	FulfillmentEventInventoryReserveFailed FulfillmentEvent = "inventory-reserve-failed"
	FulfillmentEventLedgerAppended         FulfillmentEvent = "ledger-appended"
	FulfillmentEventLedgerSkipped          FulfillmentEvent = "ledger-skipped"
	FulfillmentEventOrderFulfilled         FulfillmentEvent = "order-fulfilled"
	FulfillmentEventReservationReleased    FulfillmentEvent = "reservation-released"
	FulfillmentEventWebhookReceived        FulfillmentEvent = "webhook-received"
)

func (e FulfillmentEvent) String() string {
	return string(e)
}
