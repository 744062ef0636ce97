package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
)

const envelopeVersion = 1

// DomainEvent is an order lifecycle change to be published after its
// transaction commits.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

// Emitter is satisfied by *Service.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error
}

type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit queues event inside tx so it commits or rolls back with the order
// change that caused it. An order passes through each lifecycle stage once,
// so a second event of the same type for the same order is dropped.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if event.AggregateID == uuid.Nil {
		return errors.New("aggregate id required")
	}

	ctx = s.logContext(ctx, event)
	if event.AggregateType == enums.AggregateOrder {
		exists, err := s.repo.ExistsTx(tx, event.EventType, event.AggregateType, event.AggregateID)
		if err != nil {
			return err
		}
		if exists {
			if s.logg != nil {
				s.logg.Debug(ctx, "order event already queued")
			}
			return nil
		}
	}

	eventID := uuid.NewString()
	row, err := s.row(eventID, event)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "event_id", eventID), "outbox event queued")
	}
	return nil
}

func (s *Service) row(eventID string, event DomainEvent) (models.OutboxEvent, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encoding %s payload: %w", event.EventType, err)
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	version := event.Version
	if version == 0 {
		version = envelopeVersion
	}
	envelope, err := json.Marshal(PayloadEnvelope{
		Version:    version,
		EventID:    eventID,
		OccurredAt: occurred.UTC(),
		Actor:      event.Actor,
		Data:       data,
	})
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       json.RawMessage(envelope),
		CreatedAt:     s.now().UTC(),
	}, nil
}

func (s *Service) logContext(ctx context.Context, event DomainEvent) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.logg == nil {
		return ctx
	}
	fields := map[string]any{
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID.String(),
	}
	if ref, ok := event.Data.(payloads.Referenced); ok && ref.Reference() != "" {
		fields["checkout_reference"] = ref.Reference()
	}
	return s.logg.WithFields(ctx, fields)
}
