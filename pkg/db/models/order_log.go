package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderLog is an append-only fulfillment audit row.
type OrderLog struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Event             string    `gorm:"column:event;not null"`
	CheckoutReference string    `gorm:"column:checkout_reference"`
	Message           string    `gorm:"column:message"`
	Metadata          JSONMap   `gorm:"column:metadata;type:jsonb"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (OrderLog) TableName() string { return "order_logs" }

func (l *OrderLog) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// JSONMap persists free-form metadata as a JSON object.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("JSONMap: unsupported Scan type %T", src)
	}
	out := JSONMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}
