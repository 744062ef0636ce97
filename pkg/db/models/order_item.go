package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderItem is the immutable snapshot of a vinyl record taken at checkout.
type OrderItem struct {
	ID                uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID       `gorm:"column:order_id;type:uuid;not null"`
	CheckoutReference string          `gorm:"column:checkout_reference;not null"`
	VinylRecordID     string          `gorm:"column:vinyl_record_id;not null"`
	ArtistNames       string          `gorm:"column:artist_names;not null"`
	Title             string          `gorm:"column:title;not null"`
	Price             decimal.Decimal `gorm:"column:price;type:numeric(10,2);not null"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (OrderItem) TableName() string { return "order_items" }

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
