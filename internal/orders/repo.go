package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, vinyl_record_id ASC") }).
		Where("checkout_reference = ?", reference).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(reference)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ApplyStatus moves the order to status when the transition is allowed and
// appends to its status history. The bool reports whether anything changed.
func (r *repository) ApplyStatus(ctx context.Context, reference string, status enums.OrderStatus, at time.Time) (*models.Order, bool, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("checkout_reference = ?", reference).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, notFound(reference)
	}
	if err != nil {
		return nil, false, err
	}
	if !order.Status.CanTransitionTo(status) {
		return &order, false, nil
	}

	at = at.UTC()
	history := order.StatusHistory.Append(status, at)
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, order.Status).
		Updates(map[string]any{
			"status":         status,
			"status_history": history,
			"updated_at":     at,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return &order, false, nil
	}

	order.Status = status
	order.StatusHistory = history
	order.UpdatedAt = at
	return &order, true, nil
}

// ClaimConfirmationEmail flips confirmation_email_sent to true. Only the caller
// that performed the flip gets true back and may send the email.
func (r *repository) ClaimConfirmationEmail(ctx context.Context, reference string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("checkout_reference = ? AND confirmation_email_sent = ?", reference, false).
		Update("confirmation_email_sent", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFulfilled commits the permanent fulfillment marker with a conditional
// update so that exactly one invocation wins.
func (r *repository) MarkFulfilled(ctx context.Context, reference string, at time.Time) error {
	at = at.UTC()
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("checkout_reference = ? AND fulfilled_at IS NULL", reference).
		Updates(map[string]any{
			"fulfilled_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Order{}).Where("checkout_reference = ?", reference).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return notFound(reference)
	}
	return ErrAlreadyFulfilled
}

func (r *repository) RecordFulfillmentAttempt(ctx context.Context, reference string, at time.Time, failed bool) error {
	updates := map[string]any{
		"last_fulfillment_attempt_at": at.UTC(),
		"fulfillment_retry_attempts":  0,
	}
	if failed {
		updates["fulfillment_retry_attempts"] = gorm.Expr("fulfillment_retry_attempts + 1")
	}
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("checkout_reference = ?", reference).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(reference)
	}
	return nil
}

func (r *repository) FindReconciliationCandidates(ctx context.Context, query ReconciliationQuery) ([]models.Order, error) {
	if query.MaxRetries <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max retries must be positive")
	}
	before := query.AttemptedBefore.UTC()
	q := r.db.WithContext(ctx).
		Where("(status = ? OR (status = ? AND updated_at < ?))", enums.OrderStatusPending, enums.OrderStatusPaid, before).
		Where("fulfilled_at IS NULL").
		Where("fulfillment_retry_attempts < ?", query.MaxRetries).
		Where("(last_fulfillment_attempt_at IS NULL OR last_fulfillment_attempt_at < ?)", before)
	if !query.CreatedAfter.IsZero() {
		q = q.Where("created_at >= ?", query.CreatedAfter.UTC())
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	var out []models.Order
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListExhausted returns unfulfilled orders the reconciliation job no longer selects.
func (r *repository) ListExhausted(ctx context.Context, maxRetries, limit int) ([]models.Order, error) {
	q := r.db.WithContext(ctx).
		Where("status IN ? AND fulfilled_at IS NULL AND fulfillment_retry_attempts >= ?",
			[]enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusPaid}, maxRetries).
		Order("last_fulfillment_attempt_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Order
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) FindStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	q := r.db.WithContext(ctx).
		Preload("Items").
		Where("status IN ?", []enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusFailed}).
		Where("fulfilled_at IS NULL AND reservation_released_at IS NULL").
		Where("created_at < ?", cutoff.UTC()).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Order
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) MarkReservationReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND reservation_released_at IS NULL", orderID).
		Update("reservation_released_at", at.UTC()).Error
}

func notFound(reference string) error {
	return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrOrderNotFound, fmt.Sprintf("no order for checkout reference %q", reference))
}
