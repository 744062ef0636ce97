package fulfillment

// State is a step of the fulfillment state machine. FULFILLED is only
// reached after email and inventory have both been attempted.
type State string

const (
	StateAwaitingPayment  State = "AWAITING_PAYMENT"
	StateVerifiedPaid     State = "VERIFIED_PAID"
	StateEmailSent        State = "EMAIL_SENT"
	StateInventoryUpdated State = "INVENTORY_UPDATED"
	StateLogged           State = "LOGGED"
	StateFulfilled        State = "FULFILLED"
)
