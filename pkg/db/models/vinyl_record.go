package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VinylRecord is the local mirror of a catalog entry. It is authoritative for
// quantity/sold; the catalog copy is a best-effort mirror of this row.
type VinylRecord struct {
	ID             string          `gorm:"column:id;primaryKey"`
	Title          string          `gorm:"column:title;not null"`
	ArtistNames    string          `gorm:"column:artist_names;not null"`
	Price          decimal.Decimal `gorm:"column:price;type:numeric(10,2);not null"`
	Quantity       int             `gorm:"column:quantity;not null"`
	Sold           bool            `gorm:"column:sold;not null;default:false"`
	CatalogVersion int             `gorm:"column:catalog_version;not null;default:0"`
	ReservedBy     *string         `gorm:"column:reserved_by"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (VinylRecord) TableName() string { return "vinyl_records" }

// Available reports whether the record can be put into a new checkout.
func (v VinylRecord) Available() bool {
	return !v.Sold && v.Quantity > 0
}
