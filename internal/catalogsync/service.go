package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/catalog"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const (
	fieldTitle       = "title"
	fieldArtistNames = "artistNames"
	fieldPrice       = "price"
	fieldQuantity    = "quantity"
	fieldSold        = "sold"
)

// Action names what Apply did with an event.
type Action string

const (
	ActionUpserted Action = "upserted"
	ActionStale    Action = "stale"
	ActionDeleted  Action = "deleted"
	ActionIgnored  Action = "ignored"
)

type mirrorStore interface {
	Upsert(ctx context.Context, record *models.VinylRecord) (bool, error)
	Delete(ctx context.Context, id string) error
}

// Params wires the Service.
type Params struct {
	Store       mirrorStore
	ContentType string
	Locale      string
	Logger      *logger.Logger
}

// Service keeps vinyl_records in step with catalog publish/delete webhooks.
type Service struct {
	store       mirrorStore
	contentType string
	locale      string
	logg        *logger.Logger
}

func NewService(p Params) (*Service, error) {
	if p.Store == nil {
		return nil, errors.New("inventory store is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if p.ContentType == "" {
		return nil, errors.New("content type is required")
	}
	if p.Locale == "" {
		p.Locale = "en-US"
	}
	return &Service{store: p.Store, contentType: p.ContentType, locale: p.Locale, logg: p.Logger}, nil
}

// Apply updates the local mirror for ev.
func (s *Service) Apply(ctx context.Context, ev Event) (Action, error) {
	ctx = s.logg.WithField(ctx, "catalog_topic", ev.Topic())

	switch e := ev.(type) {
	case EntryUpsertEvent:
		return s.upsert(ctx, e)
	case EntryDeletedEvent:
		// Deleted entries may omit the content type; removing an unknown id is a no-op.
		if e.ContentType != "" && e.ContentType != s.contentType {
			return ActionIgnored, nil
		}
		if err := s.store.Delete(ctx, e.ID); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete vinyl record")
		}
		s.logg.Info(s.logg.WithField(ctx, "entry_id", e.ID), "catalog entry removed from mirror")
		return ActionDeleted, nil
	case AssetEvent:
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{"asset_id": e.ID, "action": e.Action}), "catalog asset event acknowledged")
		return ActionIgnored, nil
	case UnknownEvent:
		s.logg.Warn(s.logg.WithField(ctx, "sys_type", e.Type), "unrecognized catalog webhook acknowledged")
		return ActionIgnored, nil
	default:
		return "", pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unhandled catalog event %T", ev))
	}
}

func (s *Service) upsert(ctx context.Context, e EntryUpsertEvent) (Action, error) {
	if e.Entry.Sys.ContentTypeID() != s.contentType {
		return ActionIgnored, nil
	}
	record, err := s.recordFrom(&e.Entry)
	if err != nil {
		return "", err
	}
	changed, err := s.store.Upsert(ctx, record)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert vinyl record")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"entry_id": record.ID, "version": record.CatalogVersion})
	if !changed {
		s.logg.Debug(ctx, "stale catalog version ignored")
		return ActionStale, nil
	}
	s.logg.Info(ctx, "catalog entry mirrored")
	return ActionUpserted, nil
}

func (s *Service) recordFrom(e *catalog.Entry) (*models.VinylRecord, error) {
	title, _ := e.String(fieldTitle, s.locale)
	artists := artistNames(e, s.locale)
	if strings.TrimSpace(title) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "catalog entry has no title")
	}
	price, ok := priceOf(e, s.locale)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "catalog entry has no valid price")
	}
	quantity, ok := e.Int(fieldQuantity, s.locale)
	if !ok {
		quantity = 1
	}
	sold, _ := e.Bool(fieldSold, s.locale)

	version := e.Sys.Version
	if e.Sys.PublishedVersion > version {
		version = e.Sys.PublishedVersion
	}
	return &models.VinylRecord{
		ID:             e.Sys.ID,
		Title:          title,
		ArtistNames:    artists,
		Price:          price,
		Quantity:       quantity,
		Sold:           sold,
		CatalogVersion: version,
	}, nil
}

func artistNames(e *catalog.Entry, locale string) string {
	v, ok := e.Value(fieldArtistNames, locale)
	if !ok {
		return ""
	}
	switch names := v.(type) {
	case string:
		return names
	case []any:
		parts := make([]string, 0, len(names))
		for _, n := range names {
			if s, ok := n.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

func priceOf(e *catalog.Entry, locale string) (decimal.Decimal, bool) {
	v, ok := e.Value(fieldPrice, locale)
	if !ok {
		return decimal.Zero, false
	}
	var price decimal.Decimal
	switch p := v.(type) {
	case float64:
		price = decimal.NewFromFloat(p)
	case string:
		d, err := decimal.NewFromString(p)
		if err != nil {
			return decimal.Zero, false
		}
		price = d
	default:
		return decimal.Zero, false
	}
	if price.IsNegative() {
		return decimal.Zero, false
	}
	return price.Round(2), true
}
