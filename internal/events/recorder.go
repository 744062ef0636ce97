// Package events persists the order_logs audit trail. Writes are best effort:
// a failed insert is reported through the structured logger and never fails
// the business operation that produced it.
package events

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

// Entry is one audit row.
type Entry struct {
	Event     enums.FulfillmentEvent
	Reference string
	Message   string
	Metadata  map[string]any
}

// Sink records audit entries. Implementations must not return errors.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// Recorder writes entries to order_logs.
type Recorder struct {
	db   *gorm.DB
	logg *logger.Logger
}

// NewRecorder returns a Recorder bound to db.
func NewRecorder(db *gorm.DB, logg *logger.Logger) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Recorder{db: db, logg: logg}, nil
}

// WithTx returns a Recorder whose inserts join tx.
func (r *Recorder) WithTx(tx *gorm.DB) *Recorder {
	if tx == nil {
		return r
	}
	return &Recorder{db: tx, logg: r.logg}
}

type referenceKey struct{}

// WithReference stores the checkout reference used by entries that omit one.
func WithReference(ctx context.Context, reference string) context.Context {
	return context.WithValue(ctx, referenceKey{}, reference)
}

// ReferenceFrom returns the reference stored by WithReference.
func ReferenceFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ref, _ := ctx.Value(referenceKey{}).(string)
	return ref
}

func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.Reference == "" {
		entry.Reference = ReferenceFrom(ctx)
	}
	row := &models.OrderLog{
		Event:             entry.Event.String(),
		CheckoutReference: entry.Reference,
		Message:           entry.Message,
		Metadata:          models.JSONMap(entry.Metadata),
	}

	fields := map[string]any{
		"event":              entry.Event.String(),
		"checkout_reference": entry.Reference,
	}
	for k, v := range entry.Metadata {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	logCtx := r.logg.WithFields(ctx, fields)

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.logg.Error(logCtx, "failed to write order log", err)
		return
	}
	r.logg.Info(logCtx, entry.Message)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
