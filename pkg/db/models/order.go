package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
)

// Order is one checkout attempt keyed by its checkout reference.
type Order struct {
	ID                       uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	CheckoutReference        string            `gorm:"column:checkout_reference;not null;uniqueIndex"`
	PaymentID                string            `gorm:"column:payment_id"`
	PaymentProvider          string            `gorm:"column:payment_provider;not null"`
	CustomerName             string            `gorm:"column:customer_name;not null"`
	CustomerEmail            string            `gorm:"column:customer_email;not null"`
	CustomerPhone            *string           `gorm:"column:customer_phone"`
	ShippingLine1            string            `gorm:"column:shipping_line1;not null"`
	ShippingLine2            *string           `gorm:"column:shipping_line2"`
	ShippingCity             string            `gorm:"column:shipping_city;not null"`
	ShippingPostcode         string            `gorm:"column:shipping_postcode;not null"`
	ShippingCountry          string            `gorm:"column:shipping_country;not null"`
	Amount                   decimal.Decimal   `gorm:"column:amount;type:numeric(10,2);not null"`
	Currency                 string            `gorm:"column:currency;not null"`
	Status                   enums.OrderStatus `gorm:"column:status;not null"`
	StatusHistory            StatusHistory     `gorm:"column:status_history;type:jsonb;not null"`
	ConfirmationEmailSent    bool              `gorm:"column:confirmation_email_sent;not null;default:false"`
	FulfilledAt              *time.Time        `gorm:"column:fulfilled_at"`
	FulfillmentRetryAttempts int               `gorm:"column:fulfillment_retry_attempts;not null;default:0"`
	LastFulfillmentAttemptAt *time.Time        `gorm:"column:last_fulfillment_attempt_at"`
	ReservationReleasedAt    *time.Time        `gorm:"column:reservation_released_at"`
	CreatedAt                time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                time.Time         `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderItem `gorm:"foreignKey:OrderID"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// IsFulfilled reports whether the permanent fulfillment marker has been committed.
func (o *Order) IsFulfilled() bool {
	return o != nil && o.FulfilledAt != nil
}

// StatusChange is one entry of Order.StatusHistory.
type StatusChange struct {
	Status    enums.OrderStatus `json:"status"`
	ChangedAt time.Time         `json:"changedAt"`
}

// StatusHistory is stored as a JSON array, oldest first.
type StatusHistory []StatusChange

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *StatusHistory) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = StatusHistory{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("StatusHistory: unsupported Scan type %T", src)
	}
	if len(raw) == 0 {
		*h = StatusHistory{}
		return nil
	}
	return json.Unmarshal(raw, h)
}

// Append records a transition and returns the extended history.
func (h StatusHistory) Append(status enums.OrderStatus, at time.Time) StatusHistory {
	out := make(StatusHistory, 0, len(h)+1)
	out = append(out, h...)
	return append(out, StatusChange{Status: status, ChangedAt: at.UTC()})
}
