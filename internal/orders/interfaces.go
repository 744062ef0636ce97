package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
)

// Repository defines persistence operations for orders and their items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrder(ctx context.Context, order *models.Order) error
	FindByReference(ctx context.Context, reference string) (*models.Order, error)
	ApplyStatus(ctx context.Context, reference string, status enums.OrderStatus, at time.Time) (*models.Order, bool, error)
	ClaimConfirmationEmail(ctx context.Context, reference string) (bool, error)
	MarkFulfilled(ctx context.Context, reference string, at time.Time) error
	RecordFulfillmentAttempt(ctx context.Context, reference string, at time.Time, failed bool) error
	FindReconciliationCandidates(ctx context.Context, query ReconciliationQuery) ([]models.Order, error)
	ListExhausted(ctx context.Context, maxRetries, limit int) ([]models.Order, error)
	FindStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	MarkReservationReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error
}

// ReconciliationQuery selects PENDING orders that are due for another gateway
// check, plus PAID orders that have sat unfulfilled since AttemptedBefore.
type ReconciliationQuery struct {
	MaxRetries int
	// AttemptedBefore excludes orders whose last attempt is inside the backoff window.
	AttemptedBefore time.Time
	// CreatedAfter bounds how far back abandoned checkouts are polled. Zero disables it.
	CreatedAfter time.Time
	Limit        int
}
