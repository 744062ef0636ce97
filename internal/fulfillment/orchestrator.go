package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/notifications"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/metrics"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
)

const (
	defaultAwaitAttempts  = 5
	defaultAwaitBaseDelay = time.Second
)

// ErrFulfillmentInProgress is returned when another invocation holds the
// per-reference lock. The caller may retry once that invocation finishes.
var ErrFulfillmentInProgress = pkgerrors.New(pkgerrors.CodeConflict, "fulfillment already in progress")

type paidGate interface {
	AwaitPaid(ctx context.Context, reference string, maxAttempts int, baseDelay time.Duration) (*models.Order, error)
}

type confirmationSender interface {
	SendOnce(ctx context.Context, order *models.Order) (bool, error)
}

type stockStore interface {
	MarkSold(ctx context.Context, id string) error
}

type catalogMirror interface {
	MarkSold(ctx context.Context, itemID string) error
}

type ledgerWriter interface {
	AppendIfAbsent(ctx context.Context, order *models.Order) (bool, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type runMetrics interface {
	IncRun(outcome string)
	IncMirrorFailure()
}

// Params wires the Orchestrator.
type Params struct {
	Gate          paidGate
	Orders        orders.Repository
	Notifier      confirmationSender
	Stock         stockStore
	Catalog       catalogMirror
	Ledger        ledgerWriter
	Outbox        outbox.Emitter
	DB            txRunner
	Events        events.Sink
	Metrics       runMetrics
	Locks         LockFunc
	Logger        *logger.Logger
	AwaitAttempts int
	AwaitDelay    time.Duration
}

// Result summarises one Fulfill call.
type Result struct {
	Reference        string   `json:"checkoutReference"`
	AlreadyFulfilled bool     `json:"alreadyFulfilled"`
	ItemIDs          []string `json:"itemIds"`
	FailedItemIDs    []string `json:"failedItemIds,omitempty"`
}

// Orchestrator turns a paid order into a fulfilled one: confirmation email,
// inventory, ledger row and the fulfilled_at marker.
type Orchestrator struct {
	gate          paidGate
	orders        orders.Repository
	notifier      confirmationSender
	stock         stockStore
	catalog       catalogMirror
	ledger        ledgerWriter
	outbox        outbox.Emitter
	db            txRunner
	events        events.Sink
	metrics       runMetrics
	locks         LockFunc
	logg          *logger.Logger
	awaitAttempts int
	awaitDelay    time.Duration
	now           func() time.Time
}

func NewOrchestrator(p Params) (*Orchestrator, error) {
	switch {
	case p.Gate == nil:
		return nil, errors.New("payment gate is required")
	case p.Orders == nil:
		return nil, errors.New("orders repository is required")
	case p.Notifier == nil:
		return nil, errors.New("notifier is required")
	case p.Stock == nil:
		return nil, errors.New("inventory store is required")
	case p.Catalog == nil:
		return nil, errors.New("inventory updater is required")
	case p.Ledger == nil:
		return nil, errors.New("ledger appender is required")
	case p.Outbox == nil:
		return nil, errors.New("outbox emitter is required")
	case p.DB == nil:
		return nil, errors.New("db is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	}
	if p.Events == nil {
		p.Events = events.Discard{}
	}
	if p.Metrics == nil {
		p.Metrics = (*metrics.FulfillmentMetrics)(nil)
	}
	if p.AwaitAttempts <= 0 {
		p.AwaitAttempts = defaultAwaitAttempts
	}
	if p.AwaitDelay <= 0 {
		p.AwaitDelay = defaultAwaitBaseDelay
	}
	return &Orchestrator{
		gate:          p.Gate,
		orders:        p.Orders,
		notifier:      p.Notifier,
		stock:         p.Stock,
		catalog:       p.Catalog,
		ledger:        p.Ledger,
		outbox:        p.Outbox,
		db:            p.DB,
		events:        p.Events,
		metrics:       p.Metrics,
		locks:         p.Locks,
		logg:          p.Logger,
		awaitAttempts: p.AwaitAttempts,
		awaitDelay:    p.AwaitDelay,
		now:           time.Now,
	}, nil
}

// Fulfill runs the fulfillment of one order. Repeated calls are safe: once
// fulfilled_at is committed every later call returns AlreadyFulfilled without
// touching email, inventory or the ledger.
func (o *Orchestrator) Fulfill(ctx context.Context, reference string) (Result, error) {
	result := Result{Reference: reference}
	if reference == "" {
		return result, pkgerrors.New(pkgerrors.CodeValidation, "checkout reference is required")
	}
	ctx = o.logg.WithCheckoutReference(events.WithReference(ctx, reference), reference)

	if o.locks != nil {
		release, err := o.lock(ctx, reference)
		if err != nil {
			o.metrics.IncRun(outcomeFor(err))
			return result, err
		}
		defer release()
	}

	result, err := o.run(ctx, reference)
	if err != nil {
		o.metrics.IncRun(outcomeFor(err))
		return result, err
	}
	if result.AlreadyFulfilled {
		o.metrics.IncRun(metrics.OutcomeAlreadyFulfilled)
	} else {
		o.metrics.IncRun(metrics.OutcomeFulfilled)
	}
	return result, nil
}

func (o *Orchestrator) lock(ctx context.Context, reference string) (func(), error) {
	l, err := o.locks(reference)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build fulfillment lock")
	}
	acquired, err := l.Acquire(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire fulfillment lock")
	}
	if !acquired {
		return nil, ErrFulfillmentInProgress
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			o.logg.Warn(ctx, fmt.Sprintf("release fulfillment lock: %v", err))
		}
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, reference string) (Result, error) {
	result := Result{Reference: reference}
	o.transition(ctx, StateAwaitingPayment)

	order, err := o.gate.AwaitPaid(ctx, reference, o.awaitAttempts, o.awaitDelay)
	if err != nil {
		return result, err
	}
	result.ItemIDs = itemIDs(order.Items)
	o.transition(ctx, StateVerifiedPaid)

	if order.IsFulfilled() {
		o.events.Record(ctx, events.Entry{
			Event:     enums.FulfillmentEventAlreadyFulfilled,
			Reference: reference,
			Message:   "order already fulfilled",
			Metadata:  map[string]any{"fulfilled_at": order.FulfilledAt.UTC()},
		})
		result.AlreadyFulfilled = true
		return result, nil
	}

	o.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventStarted,
		Reference: reference,
		Message:   "fulfillment started",
		Metadata:  map[string]any{"items": result.ItemIDs},
	})

	if _, err := o.notifier.SendOnce(ctx, order); err != nil {
		if !errors.Is(err, notifications.ErrEmailSendFailed) {
			return result, err
		}
		o.logg.Error(ctx, "confirmation email failed, continuing fulfillment", err)
	}
	o.transition(ctx, StateEmailSent)

	failed, err := o.updateInventory(ctx, order)
	result.FailedItemIDs = failed
	if err != nil {
		return result, err
	}
	o.transition(ctx, StateInventoryUpdated)

	if _, err := o.ledger.AppendIfAbsent(ctx, order); err != nil {
		return result, err
	}
	o.transition(ctx, StateLogged)

	o.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventOrderFulfilled,
		Reference: reference,
		Message:   "order fulfilled",
		Metadata: map[string]any{
			"items":        result.ItemIDs,
			"failed_items": failed,
		},
	})

	committed, err := o.commit(ctx, order, result)
	if err != nil {
		return result, err
	}
	if !committed {
		o.logg.Info(ctx, "fulfillment committed by a concurrent invocation")
		result.AlreadyFulfilled = true
		return result, nil
	}
	o.transition(ctx, StateFulfilled)
	return result, nil
}

// updateInventory marks every item sold locally, then mirrors it to the
// catalog. Catalog failures are collected and never stop the loop.
func (o *Orchestrator) updateInventory(ctx context.Context, order *models.Order) ([]string, error) {
	var failed []string
	for _, item := range order.Items {
		itemCtx := o.logg.WithField(ctx, "item_id", item.VinylRecordID)

		if err := o.stock.MarkSold(itemCtx, item.VinylRecordID); err != nil {
			if pkgerrors.CodeOf(err) != pkgerrors.CodeNotFound {
				return failed, err
			}
			o.logg.Warn(itemCtx, "vinyl record missing from local mirror")
		}

		if err := o.catalog.MarkSold(itemCtx, item.VinylRecordID); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failed, ctxErr
			}
			o.logg.Error(itemCtx, "catalog inventory update failed", err)
			o.events.Record(itemCtx, events.Entry{
				Event:     enums.FulfillmentEventInventoryUpdateFailed,
				Reference: order.CheckoutReference,
				Message:   "catalog inventory update failed",
				Metadata: map[string]any{
					"item_id": item.VinylRecordID,
					"error":   err.Error(),
				},
			})
			o.metrics.IncMirrorFailure()
			failed = append(failed, item.VinylRecordID)
		}
	}
	return failed, nil
}

// commit sets fulfilled_at only if it is still null and emits order.fulfilled
// in the same transaction. It reports false when another invocation won.
func (o *Orchestrator) commit(ctx context.Context, order *models.Order, result Result) (bool, error) {
	at := o.now().UTC()
	committed := true
	err := o.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := o.orders.WithTx(tx).MarkFulfilled(ctx, order.CheckoutReference, at); err != nil {
			if errors.Is(err, orders.ErrAlreadyFulfilled) {
				committed = false
				return nil
			}
			return err
		}
		return o.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderFulfilled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			OccurredAt:    at,
			Data: payloads.OrderFulfilledEvent{
				OrderID:           order.ID,
				CheckoutReference: order.CheckoutReference,
				Amount:            order.Amount,
				Currency:          order.Currency,
				ItemIDs:           result.ItemIDs,
				FailedItemIDs:     result.FailedItemIDs,
				FulfilledAt:       at,
			},
		})
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "commit fulfillment")
	}
	if committed {
		order.FulfilledAt = &at
	}
	return committed, nil
}

func (o *Orchestrator) transition(ctx context.Context, state State) {
	o.logg.Debug(o.logg.WithField(ctx, "state", string(state)), "fulfillment state")
}

func itemIDs(items []models.OrderItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.VinylRecordID)
	}
	return ids
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrFulfillmentInProgress):
		return metrics.OutcomeLocked
	case errors.Is(err, orders.ErrFulfillmentTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, orders.ErrOrderNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeError
	}
}
