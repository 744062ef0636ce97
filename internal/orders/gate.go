package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

type orderFinder interface {
	FindByReference(ctx context.Context, reference string) (*models.Order, error)
}

// Gate polls an order until payment is confirmed.
type Gate struct {
	orders orderFinder
	logg   *logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewGate constructs a Gate backed by the provided order lookup.
func NewGate(orders orderFinder, logg *logger.Logger) (*Gate, error) {
	if orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Gate{orders: orders, logg: logg, sleep: sleepContext}, nil
}

// AwaitPaid reads the order up to maxAttempts times, sleeping baseDelay*attempt
// between reads, and returns it once its status is PAID. A missing order fails
// immediately. There is no sleep after the final read.
func (g *Gate) AwaitPaid(ctx context.Context, reference string, maxAttempts int, baseDelay time.Duration) (*models.Order, error) {
	if maxAttempts < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max attempts must be at least 1")
	}

	var lastStatus enums.OrderStatus
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		order, err := g.orders.FindByReference(ctx, reference)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				return nil, err
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order for payment check")
		}
		if order.Status == enums.OrderStatusPaid {
			return order, nil
		}
		lastStatus = order.Status

		if attempt == maxAttempts {
			break
		}
		delay := baseDelay * time.Duration(attempt)
		logCtx := g.logg.WithFields(ctx, map[string]any{
			"checkout_reference": reference,
			"attempt":            attempt,
			"status":             string(order.Status),
			"next_delay_ms":      delay.Milliseconds(),
		})
		g.logg.Debug(logCtx, "order not paid yet")
		if err := g.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, pkgerrors.Wrap(pkgerrors.CodeTimeout, ErrFulfillmentTimeout,
		fmt.Sprintf("order %s still %s after %d checks", reference, lastStatus, maxAttempts))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
