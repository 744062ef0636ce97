package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	stateProcessing = "processing"
	stateDone       = "done"
)

// Claim is the outcome of asking to handle one delivery of an event.
type Claim int

const (
	// Claimed means the caller owns the event and must Complete or Release it.
	Claimed Claim = iota
	// Done means an earlier delivery finished the event; ack and skip.
	Done
	// InFlight means another delivery holds a live lease; nack and retry later.
	InFlight
)

func (c Claim) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case Done:
		return "done"
	default:
		return "in_flight"
	}
}

type store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// Manager deduplicates event deliveries per consumer in Redis. A claim starts
// as a short lease so a worker that dies mid-fulfillment does not swallow the
// redelivery; Complete turns it into a long-lived done marker.
// Keys follow almond:idempotency:evt:<consumer>:<event_id>.
type Manager struct {
	store   store
	doneTTL time.Duration
	lease   time.Duration
}

func NewManager(s store, doneTTL, lease time.Duration) (*Manager, error) {
	if s == nil {
		return nil, errors.New("idempotency store is required")
	}
	if doneTTL < 0 {
		return nil, errors.New("done ttl must be non-negative")
	}
	if lease <= 0 {
		return nil, errors.New("claim lease must be positive")
	}
	return &Manager{store: s, doneTTL: doneTTL, lease: lease}, nil
}

// Claim takes the lease for eventID unless a previous delivery already
// finished or is still working on it.
func (m *Manager) Claim(ctx context.Context, consumer string, eventID uuid.UUID) (Claim, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return InFlight, err
	}
	ok, err := m.store.SetNX(ctx, key, stateProcessing, m.lease)
	if err != nil {
		return InFlight, err
	}
	if ok {
		return Claimed, nil
	}

	state, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, goredis.Nil):
		// Lease expired between the two calls; the redelivery will claim it.
		return InFlight, nil
	case err != nil:
		return InFlight, err
	case state == stateDone:
		return Done, nil
	default:
		return InFlight, nil
	}
}

// Complete marks eventID handled for the done TTL.
func (m *Manager) Complete(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, stateDone, m.doneTTL)
}

// Release drops a claim so the next delivery can retry immediately.
func (m *Manager) Release(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey(fmt.Sprintf("evt:%s", consumer), eventID.String()), nil
}
