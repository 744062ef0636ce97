package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/catalog"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const (
	fieldQuantity = "quantity"
	fieldSold     = "sold"

	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
)

type catalogAPI interface {
	GetEntry(ctx context.Context, id string) (*catalog.Entry, error)
	UpdateEntry(ctx context.Context, entry *catalog.Entry) (*catalog.Entry, error)
	PublishEntry(ctx context.Context, id string, version int) (*catalog.Entry, error)
}

// UpdaterParams wires the catalog mirror updater.
type UpdaterParams struct {
	Catalog     catalogAPI
	Locale      string
	Events      events.Sink
	Logger      *logger.Logger
	MaxAttempts int
	BaseDelay   time.Duration
}

// Updater mirrors stock changes into the catalog with bounded retries.
type Updater struct {
	catalog     catalogAPI
	locale      string
	events      events.Sink
	logg        *logger.Logger
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewUpdater validates params and applies defaults.
func NewUpdater(p UpdaterParams) (*Updater, error) {
	if p.Catalog == nil {
		return nil, errors.New("catalog client is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if p.Locale == "" {
		p.Locale = "en-US"
	}
	if p.Events == nil {
		p.Events = events.Discard{}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	return &Updater{
		catalog:     p.Catalog,
		locale:      p.Locale,
		events:      p.Events,
		logg:        p.Logger,
		maxAttempts: p.MaxAttempts,
		baseDelay:   p.BaseDelay,
		sleep:       sleepContext,
	}, nil
}

type operation struct {
	name string
	// satisfied reports whether the entry already holds the target state.
	satisfied func(e *catalog.Entry, locale string) bool
	apply     func(e *catalog.Entry, locale string)
}

var (
	markSoldOp = operation{
		name: "mark-sold",
		satisfied: func(e *catalog.Entry, locale string) bool {
			qty, okQty := e.Int(fieldQuantity, locale)
			sold, okSold := e.Bool(fieldSold, locale)
			return okQty && okSold && qty == 0 && sold
		},
		apply: func(e *catalog.Entry, locale string) {
			e.Set(fieldQuantity, locale, 0)
			e.Set(fieldSold, locale, true)
		},
	}
	reserveOp = operation{
		name: "reserve",
		satisfied: func(e *catalog.Entry, locale string) bool {
			qty, ok := e.Int(fieldQuantity, locale)
			return ok && qty == 0
		},
		apply: func(e *catalog.Entry, locale string) {
			e.Set(fieldQuantity, locale, 0)
		},
	}
	releaseOp = operation{
		name: "release",
		satisfied: func(e *catalog.Entry, locale string) bool {
			if sold, _ := e.Bool(fieldSold, locale); sold {
				return true
			}
			qty, ok := e.Int(fieldQuantity, locale)
			return ok && qty >= 1
		},
		apply: func(e *catalog.Entry, locale string) {
			e.Set(fieldQuantity, locale, 1)
		},
	}
)

// MarkSold sets quantity 0 and sold true on the catalog entry. An entry that is
// already sold makes no update or publish call.
func (u *Updater) MarkSold(ctx context.Context, itemID string) error {
	return u.run(ctx, itemID, markSoldOp)
}

// Reserve sets quantity 0 without touching sold.
func (u *Updater) Reserve(ctx context.Context, itemID string) error {
	return u.run(ctx, itemID, reserveOp)
}

// Release puts a reserved item back to quantity 1. Sold items are left alone.
func (u *Updater) Release(ctx context.Context, itemID string) error {
	return u.run(ctx, itemID, releaseOp)
}

func (u *Updater) run(ctx context.Context, itemID string, op operation) error {
	if itemID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		attempts = attempt
		changed, err := u.attempt(ctx, itemID, op)
		if err == nil {
			u.record(ctx, itemID, op, changed, attempt)
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == u.maxAttempts {
			break
		}

		delay := u.baseDelay * time.Duration(1<<(attempt-1))
		logCtx := u.logg.WithFields(ctx, map[string]any{
			"item_id":       itemID,
			"operation":     op.name,
			"attempt":       attempt,
			"next_delay_ms": delay.Milliseconds(),
		})
		u.logg.Warn(logCtx, fmt.Sprintf("catalog %s failed, retrying: %v", op.name, err))
		if serr := u.sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	return &UpdateError{ItemID: itemID, Operation: op.name, Attempts: attempts, Err: lastErr}
}

func (u *Updater) attempt(ctx context.Context, itemID string, op operation) (bool, error) {
	entry, err := u.catalog.GetEntry(ctx, itemID)
	if err != nil {
		return false, err
	}
	if op.satisfied(entry, u.locale) {
		return false, nil
	}

	op.apply(entry, u.locale)
	updated, err := u.catalog.UpdateEntry(ctx, entry)
	if err != nil {
		return false, err
	}
	if _, err := u.catalog.PublishEntry(ctx, updated.Sys.ID, updated.Sys.Version); err != nil {
		return false, err
	}
	return true, nil
}

func (u *Updater) record(ctx context.Context, itemID string, op operation, changed bool, attempt int) {
	event := enums.FulfillmentEventInventoryUpdated
	message := fmt.Sprintf("catalog %s applied to %s", op.name, itemID)
	if !changed {
		event = enums.FulfillmentEventInventorySkipped
		message = fmt.Sprintf("catalog entry %s already in %s state", itemID, op.name)
	}
	u.events.Record(ctx, events.Entry{
		Event:   event,
		Message: message,
		Metadata: map[string]any{
			"item_id":   itemID,
			"operation": op.name,
			"attempts":  attempt,
		},
	})
}

// retryable excludes failures another attempt cannot fix.
func retryable(err error) bool {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeNotFound, pkgerrors.CodeValidation:
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
