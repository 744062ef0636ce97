package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/enums"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/payloads"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox/registry"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 10
	publishTimeout      = 15 * time.Second
	maxIdleBackoff      = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetterStore interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type resolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publishMetrics interface {
	IncPublish(eventType, result string)
}

// publisher is an ordered topic handle. A failed publish pauses its ordering
// key until ResumePublish is called.
type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(key string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type RelayParams struct {
	Logger       *logger.Logger
	DB           dbClient
	PubSub       pubSubClient
	Outbox       outboxStore
	Registry     resolver
	DeadLetters  deadLetterStore
	Metrics      publishMetrics
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration

	// OpenPublisher overrides how topic handles are opened. Defaults to PubSub.Publisher.
	OpenPublisher func(topic string) publisher
}

// Relay drains the order outbox onto Pub/Sub. Every order event is published
// with its checkout reference as the ordering key, so subscribers observe
// order.created, order.paid and order.fulfilled for one checkout in commit order.
type Relay struct {
	logg         *logger.Logger
	db           dbClient
	pubsub       pubSubClient
	outbox       outboxStore
	registry     resolver
	deadLetters  deadLetterStore
	metrics      publishMetrics
	open         func(topic string) publisher
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration

	mu     sync.Mutex
	topics map[string]publisher
}

func NewRelay(params RelayParams) (*Relay, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.DeadLetters == nil {
		return nil, errors.New("dead letter store is required")
	}

	r := &Relay{
		logg:         params.Logger,
		db:           params.DB,
		pubsub:       params.PubSub,
		outbox:       params.Outbox,
		registry:     params.Registry,
		deadLetters:  params.DeadLetters,
		metrics:      params.Metrics,
		open:         params.OpenPublisher,
		batchSize:    params.BatchSize,
		maxAttempts:  params.MaxAttempts,
		pollInterval: params.PollInterval,
		topics:       map[string]publisher{},
	}
	if r.open == nil {
		r.open = func(topic string) publisher {
			p := params.PubSub.Publisher(topic)
			if p == nil {
				return nil
			}
			return &gcpPublisher{Publisher: p}
		}
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	return r, nil
}

// Run polls until ctx is canceled. A failed drain backs off exponentially up
// to maxIdleBackoff. A drain that moved rows loops immediately.
func (r *Relay) Run(ctx context.Context) error {
	for _, dep := range []struct {
		name string
		ping func(context.Context) error
	}{{"database", r.db.Ping}, {"pubsub", r.pubsub.Ping}} {
		if err := dep.ping(ctx); err != nil {
			r.logg.Error(ctx, dep.name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}

	wait := r.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			r.logg.Info(ctx, "outbox relay context canceled")
			return err
		}

		moved, err := r.drain(ctx)
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox relay drain failed", err)
			wait = min(wait*2, maxIdleBackoff)
		case moved:
			wait = r.pollInterval
			continue
		default:
			wait = r.pollInterval
		}

		if err := sleep(ctx, wait+rand.N(jitterWindow)); err != nil {
			return err
		}
	}
}

// Close flushes and stops every opened topic handle.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, p := range r.topics {
		p.Stop()
		delete(r.topics, topic)
	}
}

// drain publishes one locked batch. Once a retryable publish fails for a
// checkout reference, later rows for the same reference stay untouched until a
// following drain, so an order.paid never overtakes its order.created. It
// reports whether any row left the queue.
func (r *Relay) drain(ctx context.Context) (bool, error) {
	moved := false
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := r.outbox.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return err
		}

		blocked := map[string]bool{}
		for _, event := range events {
			resolved, err := r.registry.Resolve(event)
			if err != nil {
				if err := r.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, r.logFields(event, nil, "")); err != nil {
					return err
				}
				moved = true
				continue
			}

			key, reference := orderingKey(event, resolved)
			fields := r.logFields(event, resolved, key)
			if blocked[key] {
				r.logg.Info(r.logg.WithFields(ctx, fields), "outbox event deferred behind failed publish")
				r.observe(event.EventType, "deferred")
				continue
			}

			err = r.publish(ctx, event, resolved, key, reference)
			if err == nil {
				if err := r.outbox.MarkPublishedTx(tx, event.ID); err != nil {
					return fmt.Errorf("mark published %s: %w", event.ID, err)
				}
				r.logg.Info(r.logg.WithFields(ctx, fields), "outbox event published")
				r.observe(event.EventType, "published")
				moved = true
				continue
			}

			var nonRetry registry.NonRetryableError
			if errors.As(err, &nonRetry) {
				if err := r.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, fields); err != nil {
					return err
				}
				moved = true
				continue
			}

			attempt := event.AttemptCount + 1
			fields["attempt_count"] = attempt
			if attempt >= r.maxAttempts {
				if err := r.deadLetter(ctx, tx, event, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("max publish attempts reached: %w", err), fields); err != nil {
					return err
				}
				moved = true
				continue
			}

			blocked[key] = true
			r.logg.Warn(r.logg.WithField(r.logg.WithFields(ctx, fields), "error", err.Error()), "outbox publish failed")
			r.observe(event.EventType, "retry")
			if err := r.outbox.MarkFailedTx(tx, event.ID, err); err != nil {
				return fmt.Errorf("mark failed %s: %w", event.ID, err)
			}
		}
		return nil
	})
	return moved, err
}

// orderingKey is the payload's checkout reference, or the aggregate id when the
// payload carries none.
func orderingKey(event models.OutboxEvent, resolved *registry.ResolvedEvent) (key, reference string) {
	if ref, ok := resolved.Payload.(payloads.Referenced); ok {
		reference = ref.Reference()
	}
	if reference != "" {
		return reference, reference
	}
	return event.AggregateID.String(), ""
}

// publish sends the row to each of its topics in turn. A failure part way
// through means the row is retried whole, so earlier topics may see the event
// again; consumers deduplicate on event_id.
func (r *Relay) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent, key, reference string) error {
	if len(resolved.Descriptor.Topics) == 0 {
		return registry.NewNonRetryableError(fmt.Errorf("no topics for %s", event.EventType))
	}
	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		"version":        strconv.Itoa(resolved.Envelope.Version),
	}
	if reference != "" {
		attrs["checkout_reference"] = reference
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	for _, topic := range resolved.Descriptor.Topics {
		pub := r.publisherFor(topic)
		if pub == nil {
			return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", topic))
		}
		result := pub.Publish(publishCtx, &gcppubsub.Message{
			Data:        event.Payload,
			Attributes:  attrs,
			OrderingKey: key,
		})
		if result == nil {
			return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
		}
		if _, err := result.Get(publishCtx); err != nil {
			// The key stays paused client-side until resumed; the next drain retries it.
			pub.ResumePublish(key)
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

func (r *Relay) publisherFor(topic string) publisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.topics[topic]; ok {
		return p
	}
	p := r.open(topic)
	if p != nil {
		r.topics[topic] = p
	}
	return p
}

func (r *Relay) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, fields map[string]any) error {
	fields["error_reason"] = reason
	r.logg.Warn(r.logg.WithField(r.logg.WithFields(ctx, fields), "error", cause.Error()), "outbox event dead-lettered")

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := r.deadLetters.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", event.ID, err)
	}
	if err := r.outbox.MarkTerminalTx(tx, event.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	r.observe(event.EventType, "dead_lettered")
	return nil
}

func (r *Relay) observe(eventType enums.OutboxEventType, result string) {
	if r.metrics != nil {
		r.metrics.IncPublish(string(eventType), result)
	}
}

func (r *Relay) logFields(event models.OutboxEvent, resolved *registry.ResolvedEvent, key string) map[string]any {
	fields := map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"order_id":      event.AggregateID.String(),
		"attempt_count": event.AttemptCount,
	}
	if key != "" {
		fields["ordering_key"] = key
	}
	if resolved != nil {
		fields["topics"] = strings.Join(resolved.Descriptor.Topics, ",")
		if resolved.Envelope.EventID != "" {
			fields["event_id"] = resolved.Envelope.EventID
		}
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
