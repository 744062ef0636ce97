package orders

import pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"

var (
	// ErrOrderNotFound is returned when no order row exists for a checkout reference.
	// It is never retried.
	ErrOrderNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "order not found")

	// ErrFulfillmentTimeout means the order never reached PAID within the polling
	// budget; callers may retry later.
	ErrFulfillmentTimeout = pkgerrors.New(pkgerrors.CodeTimeout, "payment not confirmed in time")

	// ErrAlreadyFulfilled is returned by MarkFulfilled when another invocation
	// committed the fulfillment marker first.
	ErrAlreadyFulfilled = pkgerrors.New(pkgerrors.CodeConflict, "order already fulfilled")
)
