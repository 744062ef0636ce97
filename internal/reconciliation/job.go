package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/fulfillment"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/metrics"
)

const (
	defaultMaxRetries    = 5
	defaultBackoffWindow = 10 * time.Minute
	defaultLookback      = 48 * time.Hour
	defaultBatchSize     = 50
)

type candidateRepository interface {
	FindReconciliationCandidates(ctx context.Context, query orders.ReconciliationQuery) ([]models.Order, error)
	ApplyStatus(ctx context.Context, reference string, status enums.OrderStatus, at time.Time) (*models.Order, bool, error)
	RecordFulfillmentAttempt(ctx context.Context, reference string, at time.Time, failed bool) error
}

type statusLookup interface {
	Status(ctx context.Context, provider, checkoutID string) (enums.PaymentStatus, error)
}

type fulfiller interface {
	Fulfill(ctx context.Context, reference string) (fulfillment.Result, error)
}

type reconcileMetrics interface {
	IncReconciliation(result string)
}

// JobParams wires the reconciliation job.
type JobParams struct {
	Orders        candidateRepository
	Payments      statusLookup
	Orchestrator  fulfiller
	Events        events.Sink
	Metrics       reconcileMetrics
	Logger        *logger.Logger
	MaxRetries    int
	BackoffWindow time.Duration
	Lookback      time.Duration
	BatchSize     int
}

// Job re-checks PENDING orders against the payment gateway and fulfills the
// ones whose webhook never arrived.
type Job struct {
	orders        candidateRepository
	payments      statusLookup
	orchestrator  fulfiller
	events        events.Sink
	metrics       reconcileMetrics
	logg          *logger.Logger
	maxRetries    int
	backoffWindow time.Duration
	lookback      time.Duration
	batchSize     int
	now           func() time.Time
}

func NewJob(p JobParams) (*Job, error) {
	if p.Orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if p.Payments == nil {
		return nil, errors.New("payment gateway is required")
	}
	if p.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if p.Events == nil {
		p.Events = events.Discard{}
	}
	if p.Metrics == nil {
		p.Metrics = (*metrics.FulfillmentMetrics)(nil)
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BackoffWindow <= 0 {
		p.BackoffWindow = defaultBackoffWindow
	}
	if p.Lookback < 0 {
		p.Lookback = 0
	} else if p.Lookback == 0 {
		p.Lookback = defaultLookback
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	return &Job{
		orders:        p.Orders,
		payments:      p.Payments,
		orchestrator:  p.Orchestrator,
		events:        p.Events,
		metrics:       p.Metrics,
		logg:          p.Logger,
		maxRetries:    p.MaxRetries,
		backoffWindow: p.BackoffWindow,
		lookback:      p.Lookback,
		batchSize:     p.BatchSize,
		now:           time.Now,
	}, nil
}

func (j *Job) Name() string { return "reconcile-pending-orders" }

// Run examines one batch of candidates. A candidate's failure is recorded on
// the order and never stops the batch; only bookkeeping errors are returned.
func (j *Job) Run(ctx context.Context) error {
	now := j.now().UTC()
	query := orders.ReconciliationQuery{
		MaxRetries:      j.maxRetries,
		AttemptedBefore: now.Add(-j.backoffWindow),
		Limit:           j.batchSize,
	}
	if j.lookback > 0 {
		query.CreatedAfter = now.Add(-j.lookback)
	}
	candidates, err := j.orders.FindReconciliationCandidates(ctx, query)
	if err != nil {
		return fmt.Errorf("find reconciliation candidates: %w", err)
	}

	var errs error
	var fulfilled, pending, failed int
	for i := range candidates {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		order := &candidates[i]
		result, err := j.reconcile(ctx, order)
		errs = multierr.Append(errs, err)
		j.metrics.IncReconciliation(result)
		switch result {
		case metrics.ReconcileFulfilled:
			fulfilled++
		case metrics.ReconcileNotPaid:
			pending++
		default:
			failed++
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"fulfilled":  fulfilled,
		"not_paid":   pending,
		"failed":     failed,
	}), "reconciliation batch complete")
	return errs
}

func (j *Job) reconcile(ctx context.Context, order *models.Order) (string, error) {
	reference := order.CheckoutReference
	ctx = j.logg.WithCheckoutReference(events.WithReference(ctx, reference), reference)

	status, err := j.payments.Status(ctx, order.PaymentProvider, order.PaymentID)
	if err != nil {
		return metrics.ReconcileFailed, j.fail(ctx, order, "gateway status check failed", err)
	}

	if status != enums.PaymentStatusPaid {
		j.events.Record(ctx, events.Entry{
			Event:     enums.FulfillmentEventScheduledCheck,
			Reference: reference,
			Message:   "payment not confirmed yet",
			Metadata:  map[string]any{"gateway_status": string(status)},
		})
		return metrics.ReconcileNotPaid, nil
	}

	_, changed, err := j.orders.ApplyStatus(ctx, reference, enums.OrderStatusPaid, j.now())
	if err != nil {
		return metrics.ReconcileFailed, j.fail(ctx, order, "status update failed", err)
	}
	if changed {
		j.events.Record(ctx, events.Entry{
			Event:     enums.FulfillmentEventStatusUpdate,
			Reference: reference,
			Message:   "status updated by reconciliation",
			Metadata: map[string]any{
				"from": string(order.Status),
				"to":   string(enums.OrderStatusPaid),
			},
		})
	}

	if _, err := j.orchestrator.Fulfill(ctx, reference); err != nil {
		return metrics.ReconcileFailed, j.fail(ctx, order, "fulfillment failed", err)
	}

	if err := j.orders.RecordFulfillmentAttempt(ctx, reference, j.now(), false); err != nil {
		return metrics.ReconcileFulfilled, fmt.Errorf("record attempt for %s: %w", reference, err)
	}
	return metrics.ReconcileFulfilled, nil
}

// fail records the failed attempt. The returned error only covers the
// bookkeeping write; the cause itself is logged and stored as an event.
func (j *Job) fail(ctx context.Context, order *models.Order, message string, cause error) error {
	j.logg.Error(ctx, message, cause)
	j.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventRetryFailed,
		Reference: order.CheckoutReference,
		Message:   message,
		Metadata: map[string]any{
			"error":   cause.Error(),
			"attempt": order.FulfillmentRetryAttempts + 1,
		},
	})
	if err := j.orders.RecordFulfillmentAttempt(ctx, order.CheckoutReference, j.now(), true); err != nil {
		return fmt.Errorf("record failed attempt for %s: %w", order.CheckoutReference, err)
	}
	return nil
}
