package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const defaultReservationTTL = 2 * time.Hour

type reservationRepository interface {
	FindStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	MarkReservationReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error
}

type stockReleaser interface {
	Release(ctx context.Context, id, reference string) (bool, error)
}

type catalogReleaser interface {
	Release(ctx context.Context, itemID string) error
}

// ReleaseJobParams wires the ReleaseJob.
type ReleaseJobParams struct {
	Orders         reservationRepository
	Stock          stockReleaser
	Catalog        catalogReleaser
	Events         events.Sink
	Logger         *logger.Logger
	ReservationTTL time.Duration
	BatchSize      int
}

// ReleaseJob puts items reserved by abandoned or failed checkouts back in stock.
type ReleaseJob struct {
	orders    reservationRepository
	stock     stockReleaser
	catalog   catalogReleaser
	events    events.Sink
	logg      *logger.Logger
	ttl       time.Duration
	batchSize int
	now       func() time.Time
}

func NewReleaseJob(p ReleaseJobParams) (*ReleaseJob, error) {
	if p.Orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if p.Stock == nil {
		return nil, errors.New("inventory store is required")
	}
	if p.Catalog == nil {
		return nil, errors.New("inventory updater is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if p.Events == nil {
		p.Events = events.Discard{}
	}
	if p.ReservationTTL <= 0 {
		p.ReservationTTL = defaultReservationTTL
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	return &ReleaseJob{
		orders:    p.Orders,
		stock:     p.Stock,
		catalog:   p.Catalog,
		events:    p.Events,
		logg:      p.Logger,
		ttl:       p.ReservationTTL,
		batchSize: p.BatchSize,
		now:       time.Now,
	}, nil
}

func (j *ReleaseJob) Name() string { return "release-stale-reservations" }

func (j *ReleaseJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.ttl)
	stale, err := j.orders.FindStaleReservations(ctx, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("find stale reservations: %w", err)
	}

	var errs error
	for i := range stale {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		errs = multierr.Append(errs, j.release(ctx, &stale[i]))
	}
	if len(stale) > 0 {
		j.logg.Info(j.logg.WithField(ctx, "orders", len(stale)), "stale reservations processed")
	}
	return errs
}

// release returns each unsold item this order still holds to stock. Items held
// by another checkout are skipped. Local failures leave the order for the next
// run; catalog failures are logged and do not.
func (j *ReleaseJob) release(ctx context.Context, order *models.Order) error {
	ctx = j.logg.WithCheckoutReference(ctx, order.CheckoutReference)

	var released []string
	var catalogErrs error
	for _, item := range order.Items {
		changed, err := j.stock.Release(ctx, item.VinylRecordID, order.CheckoutReference)
		if err != nil {
			return fmt.Errorf("release %s for %s: %w", item.VinylRecordID, order.CheckoutReference, err)
		}
		if !changed {
			continue
		}
		released = append(released, item.VinylRecordID)
		catalogErrs = multierr.Append(catalogErrs, j.catalog.Release(ctx, item.VinylRecordID))
	}
	if catalogErrs != nil {
		j.logg.Error(ctx, "catalog release incomplete", catalogErrs)
	}

	if err := j.orders.MarkReservationReleased(ctx, order.ID, j.now()); err != nil {
		return fmt.Errorf("mark reservation released for %s: %w", order.CheckoutReference, err)
	}
	j.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventReservationReleased,
		Reference: order.CheckoutReference,
		Message:   "stale reservation released",
		Metadata: map[string]any{
			"items":          released,
			"catalog_errors": len(multierr.Errors(catalogErrs)),
		},
	})
	return nil
}
