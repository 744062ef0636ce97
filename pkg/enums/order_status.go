package enums

import (
	"fmt"
	"strings"
)

// OrderStatus mirrors the status column on orders.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusFailed,
}

func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether an order may move from s to next.
// PAID is terminal; a FAILED attempt may still settle as PAID when the
// gateway delivers out of order.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !next.IsValid() || s == next {
		return false
	}
	switch s {
	case OrderStatusPending:
		return true
	case OrderStatusFailed:
		return next == OrderStatusPaid
	default:
		return false
	}
}

// ParseOrderStatus converts raw input into an OrderStatus, ignoring case.
func ParseOrderStatus(value string) (OrderStatus, error) {
	normalized := OrderStatus(strings.ToUpper(strings.TrimSpace(value)))
	if normalized.IsValid() {
		return normalized, nil
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
