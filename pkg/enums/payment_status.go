package enums

import (
	"fmt"
	"strings"
)

// PaymentStatus is the gateway-reported state of a checkout, normalized across providers.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusPaid,
	PaymentStatusFailed,
}

func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// OrderStatus maps the gateway status onto the order lifecycle.
func (p PaymentStatus) OrderStatus() OrderStatus {
	switch p {
	case PaymentStatusPaid:
		return OrderStatusPaid
	case PaymentStatusFailed:
		return OrderStatusFailed
	default:
		return OrderStatusPending
	}
}

// ParsePaymentStatus converts raw input into a PaymentStatus, ignoring case.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	normalized := PaymentStatus(strings.ToUpper(strings.TrimSpace(value)))
	if normalized.IsValid() {
		return normalized, nil
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// PaymentPageState is what the payment-success page shows the customer.
type PaymentPageState string

const (
	PaymentPagePending  PaymentPageState = "pending"
	PaymentPageFailed   PaymentPageState = "failed"
	PaymentPageComplete PaymentPageState = "complete"
	PaymentPageUnknown  PaymentPageState = "unknown"
)

// PageState converts a live gateway status into the customer-facing state.
func (p PaymentStatus) PageState() PaymentPageState {
	switch p {
	case PaymentStatusPaid:
		return PaymentPageComplete
	case PaymentStatusFailed:
		return PaymentPageFailed
	case PaymentStatusPending:
		return PaymentPagePending
	default:
		return PaymentPageUnknown
	}
}
