package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/internal/events"
	"github.com/dvhzldn/almond-river-records-sub000/internal/inventory"
	"github.com/dvhzldn/almond-river-records-sub000/internal/orders"
	"github.com/dvhzldn/almond-river-records-sub000/internal/payments"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
)

const (
	maxReferenceLength = 90
	defaultCurrency    = "GBP"
	defaultDescription = "Almond River Records order"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type checkoutCreator interface {
	Provider() string
	CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (*payments.Checkout, error)
}

type statusLookup interface {
	Status(ctx context.Context, provider, checkoutID string) (enums.PaymentStatus, error)
}

type stockStore interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.VinylRecord, error)
	WithTx(tx *gorm.DB) inventory.Store
}

type catalogReserver interface {
	Reserve(ctx context.Context, itemID string) error
}

// Customer is the buyer and shipping address captured at checkout.
type Customer struct {
	Name     string
	Email    string
	Phone    string
	Line1    string
	Line2    string
	City     string
	Postcode string
	Country  string
}

// Input is a checkout request for one or more catalog records.
type Input struct {
	Amount   decimal.Decimal
	Currency string
	Items    []string
	Customer Customer
}

// Result points the customer at the hosted payment page.
type Result struct {
	HostedURL string `json:"hostedUrl"`
	Reference string `json:"reference"`
}

// ServiceParams wires the checkout Service.
type ServiceParams struct {
	Gateway     checkoutCreator
	Statuses    statusLookup
	Orders      orders.Repository
	Stock       stockStore
	Catalog     catalogReserver
	Outbox      outbox.Emitter
	DB          txRunner
	Events      events.Sink
	Logger      *logger.Logger
	Currency    string
	Description string
	ReturnURL   string
	RedirectURL string
}

// Service opens payment sessions and records them as PENDING orders.
type Service struct {
	gateway     checkoutCreator
	statuses    statusLookup
	orders      orders.Repository
	stock       stockStore
	catalog     catalogReserver
	outbox      outbox.Emitter
	db          txRunner
	events      events.Sink
	logg        *logger.Logger
	currency    string
	description string
	returnURL   string
	redirectURL string
	now         func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.Gateway == nil:
		return nil, errors.New("payment gateway is required")
	case p.Statuses == nil:
		return nil, errors.New("status lookup is required")
	case p.Orders == nil:
		return nil, errors.New("orders repository is required")
	case p.Stock == nil:
		return nil, errors.New("inventory store is required")
	case p.Catalog == nil:
		return nil, errors.New("inventory updater is required")
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
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	if p.Description == "" {
		p.Description = defaultDescription
	}
	return &Service{
		gateway:     p.Gateway,
		statuses:    p.Statuses,
		orders:      p.Orders,
		stock:       p.Stock,
		catalog:     p.Catalog,
		outbox:      p.Outbox,
		db:          p.DB,
		events:      p.Events,
		logg:        p.Logger,
		currency:    strings.ToUpper(p.Currency),
		description: p.Description,
		returnURL:   p.ReturnURL,
		redirectURL: p.RedirectURL,
		now:         time.Now,
	}, nil
}

// CreateCheckout validates the basket against the local mirror, opens a
// gateway checkout and persists the PENDING order together with the local
// reservation of every item. Losing a reservation to a concurrent checkout
// rolls the order back with StateConflict. The catalog copy is reserved after
// commit on a best-effort basis.
func (s *Service) CreateCheckout(ctx context.Context, in Input) (*Result, error) {
	ids, err := normalizeItems(in.Items)
	if err != nil {
		return nil, err
	}
	if err := validateCustomer(in.Customer); err != nil {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}

	records, err := s.loadAvailable(ctx, ids)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Price)
	}
	if !in.Amount.Equal(total) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount does not match item prices").
			WithDetails(map[string]any{"expected": total.StringFixed(2), "received": in.Amount.StringFixed(2)})
	}

	now := s.now().UTC()
	reference := NewReference(now, ids)
	ctx = s.logg.WithCheckoutReference(events.WithReference(ctx, reference), reference)

	lineItems := make([]payments.LineItem, 0, len(records))
	for _, r := range records {
		lineItems = append(lineItems, payments.LineItem{ID: r.ID, Name: displayName(r), Price: r.Price})
	}
	checkout, err := s.gateway.CreateCheckout(ctx, payments.CheckoutRequest{
		Reference:     reference,
		Amount:        total,
		Currency:      currency,
		Description:   s.description,
		CustomerEmail: in.Customer.Email,
		Items:         lineItems,
		ReturnURL:     s.returnURL,
		RedirectURL:   s.redirectURL,
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create gateway checkout")
	}

	order := buildOrder(reference, checkout, s.gateway.Provider(), in.Customer, total, currency, records, now)
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).CreateOrder(ctx, order); err != nil {
			return err
		}
		if err := s.reserveLocal(ctx, tx, reference, ids); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{Kind: "checkout"},
			OccurredAt:    now,
			Data: payloads.OrderCreatedEvent{
				OrderID:           order.ID,
				CheckoutReference: reference,
				PaymentProvider:   order.PaymentProvider,
				Amount:            total,
				Currency:          currency,
				ItemIDs:           ids,
				CreatedAt:         now,
			},
		})
	})
	if err != nil {
		chkCtx := s.logg.WithField(ctx, "checkout_id", checkout.ID)
		if pkgerrors.CodeOf(err) == pkgerrors.CodeStateConflict {
			s.logg.Warn(chkCtx, "records taken by a concurrent checkout; gateway session left to expire")
			return nil, err
		}
		s.logg.Error(chkCtx, "failed to persist checkout; gateway session left to expire", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist order")
	}

	s.events.Record(ctx, events.Entry{
		Event:     enums.FulfillmentEventCheckoutCreated,
		Reference: reference,
		Message:   "checkout created",
		Metadata: map[string]any{
			"checkout_id": checkout.ID,
			"provider":    order.PaymentProvider,
			"amount":      total.StringFixed(2),
			"currency":    currency,
			"items":       ids,
		},
	})

	s.reserveCatalog(ctx, ids)
	return &Result{HostedURL: checkout.HostedURL, Reference: reference}, nil
}

// PaymentStatus reports the live gateway state of a checkout for the
// post-payment page. Any lookup failure yields unknown.
func (s *Service) PaymentStatus(ctx context.Context, reference string) enums.PaymentPageState {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return enums.PaymentPageUnknown
	}
	ctx = s.logg.WithCheckoutReference(ctx, reference)
	order, err := s.orders.FindByReference(ctx, reference)
	if err != nil {
		if !errors.Is(err, orders.ErrOrderNotFound) {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "payment status lookup failed")
		}
		return enums.PaymentPageUnknown
	}
	status, err := s.statuses.Status(ctx, order.PaymentProvider, order.PaymentID)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "gateway status lookup failed")
		return enums.PaymentPageUnknown
	}
	return status.PageState()
}

func (s *Service) loadAvailable(ctx context.Context, ids []string) ([]models.VinylRecord, error) {
	found, err := s.stock.FindByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load records")
	}
	byID := make(map[string]models.VinylRecord, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}

	ordered := make([]models.VinylRecord, 0, len(ids))
	var unavailable []string
	for _, id := range ids {
		r, ok := byID[id]
		if !ok || !r.Available() {
			unavailable = append(unavailable, id)
			continue
		}
		ordered = append(ordered, r)
	}
	if len(unavailable) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "some records are no longer available").
			WithDetails(map[string]any{"unavailable": unavailable})
	}
	return ordered, nil
}

// reserveLocal holds every item for reference inside the order transaction.
func (s *Service) reserveLocal(ctx context.Context, tx *gorm.DB, reference string, ids []string) error {
	stock := s.stock.WithTx(tx)
	var lost []string
	for _, id := range ids {
		reserved, err := stock.Reserve(ctx, id, reference)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", id, err)
		}
		if !reserved {
			lost = append(lost, id)
		}
	}
	if len(lost) > 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "some records are no longer available").
			WithDetails(map[string]any{"unavailable": lost})
	}
	return nil
}

func (s *Service) reserveCatalog(ctx context.Context, ids []string) {
	for _, id := range ids {
		itemCtx := s.logg.WithField(ctx, "item_id", id)
		if err := s.catalog.Reserve(itemCtx, id); err != nil {
			s.events.Record(itemCtx, events.Entry{
				Event:    enums.FulfillmentEventInventoryReserveFailed,
				Message:  err.Error(),
				Metadata: map[string]any{"item_id": id, "target": "catalog"},
			})
		}
	}
}

// NewReference builds YYYYMMDD-<item ids>-<unix millis>. The id segment is
// shortened so the timestamp always survives the length cap.
func NewReference(at time.Time, itemIDs []string) string {
	date := at.UTC().Format("20060102")
	millis := strconv.FormatInt(at.UnixMilli(), 10)
	budget := maxReferenceLength - len(date) - len(millis) - 2
	joined := strings.Join(itemIDs, "-")
	if len(joined) > budget {
		joined = strings.TrimRight(joined[:budget], "-")
	}
	return fmt.Sprintf("%s-%s-%s", date, joined, millis)
}

func normalizeItems(items []string) ([]string, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, raw := range items {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
		}
		if _, dup := seen[id]; dup {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("item %s listed more than once", id))
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func validateCustomer(c Customer) error {
	missing := make([]string, 0)
	for field, value := range map[string]string{
		"name":     c.Name,
		"email":    c.Email,
		"line1":    c.Line1,
		"city":     c.City,
		"postcode": c.Postcode,
		"country":  c.Country,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return pkgerrors.New(pkgerrors.CodeValidation, "customer details incomplete").
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}

func buildOrder(reference string, checkout *payments.Checkout, provider string, c Customer, total decimal.Decimal, currency string, records []models.VinylRecord, now time.Time) *models.Order {
	order := &models.Order{
		CheckoutReference: reference,
		PaymentID:         checkout.ID,
		PaymentProvider:   provider,
		CustomerName:      strings.TrimSpace(c.Name),
		CustomerEmail:     strings.TrimSpace(c.Email),
		CustomerPhone:     optional(c.Phone),
		ShippingLine1:     strings.TrimSpace(c.Line1),
		ShippingLine2:     optional(c.Line2),
		ShippingCity:      strings.TrimSpace(c.City),
		ShippingPostcode:  strings.TrimSpace(c.Postcode),
		ShippingCountry:   strings.ToUpper(strings.TrimSpace(c.Country)),
		Amount:            total,
		Currency:          currency,
		Status:            enums.OrderStatusPending,
		StatusHistory:     models.StatusHistory{}.Append(enums.OrderStatusPending, now),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, r := range records {
		order.Items = append(order.Items, models.OrderItem{
			CheckoutReference: reference,
			VinylRecordID:     r.ID,
			ArtistNames:       r.ArtistNames,
			Title:             r.Title,
			Price:             r.Price,
			CreatedAt:         now,
		})
	}
	return order
}

func displayName(r models.VinylRecord) string {
	if r.ArtistNames == "" {
		return r.Title
	}
	return r.ArtistNames + " - " + r.Title
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
