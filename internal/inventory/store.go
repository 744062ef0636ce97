package inventory

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

// Store persists the local vinyl_records mirror. It is authoritative for
// whether a record has been sold.
type Store interface {
	WithTx(tx *gorm.DB) Store
	FindByIDs(ctx context.Context, ids []string) ([]models.VinylRecord, error)
	MarkSold(ctx context.Context, id string) error
	Reserve(ctx context.Context, id, reference string) (bool, error)
	Release(ctx context.Context, id, reference string) (bool, error)
	Upsert(ctx context.Context, record *models.VinylRecord) (bool, error)
	Delete(ctx context.Context, id string) error
}

type store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore returns a Store bound to db.
func NewStore(db *gorm.DB) Store {
	return &store{db: db, now: time.Now}
}

func (s *store) WithTx(tx *gorm.DB) Store {
	if tx == nil {
		return s
	}
	return &store{db: tx, now: s.now}
}

func (s *store) FindByIDs(ctx context.Context, ids []string) ([]models.VinylRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.VinylRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSold sets quantity 0 and sold true and drops any reservation. It is
// idempotent.
func (s *store) MarkSold(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&models.VinylRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"quantity":    0,
			"sold":        true,
			"reserved_by": gorm.Expr("NULL"),
			"updated_at":  s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("vinyl record %s not found", id))
	}
	return nil
}

// Reserve takes the single copy out of stock on behalf of the checkout
// reference. False means it was already reserved or sold.
func (s *store) Reserve(ctx context.Context, id, reference string) (bool, error) {
	if reference == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "checkout reference is required")
	}
	res := s.db.WithContext(ctx).
		Model(&models.VinylRecord{}).
		Where("id = ? AND sold = ? AND quantity > 0", id, false).
		Updates(map[string]any{
			"quantity":    0,
			"reserved_by": reference,
			"updated_at":  s.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release returns a record to stock only while reference still holds it.
// Records held by another checkout or already sold are left alone.
func (s *store) Release(ctx context.Context, id, reference string) (bool, error) {
	if reference == "" {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.VinylRecord{}).
		Where("id = ? AND sold = ? AND reserved_by = ?", id, false, reference).
		Updates(map[string]any{
			"quantity":    1,
			"reserved_by": gorm.Expr("NULL"),
			"updated_at":  s.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Upsert inserts a catalog record or refreshes its descriptive fields. Rows
// carrying an equal or newer catalog version are left untouched, as are stock
// columns of existing rows.
func (s *store) Upsert(ctx context.Context, record *models.VinylRecord) (bool, error) {
	if record == nil || record.ID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "vinyl record id is required")
	}
	record.UpdatedAt = s.now().UTC()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "artist_names", "price", "catalog_version", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "vinyl_records.catalog_version < excluded.catalog_version"},
			}},
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.VinylRecord{}).Error
}
