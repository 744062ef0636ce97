package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

const (
	defaultOutboxRetention = 30 * 24 * time.Hour
	defaultOutboxAttempts  = 10
	defaultPruneBatch      = 500
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPruner interface {
	PruneBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Repository  outboxPruner
	Retention   time.Duration
	MinAttempts int
	BatchSize   int
}

// NewOutboxRetentionJob prunes relayed and dead-lettered outbox rows once they
// age past the retention window. Each batch commits on its own so the relay's
// row locks are never held behind a long delete.
func NewOutboxRetentionJob(p OutboxRetentionJobParams) (Job, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("db runner is required")
	case p.Repository == nil:
		return nil, errors.New("outbox repository is required")
	}
	j := &outboxRetentionJob{
		logg:        p.Logger,
		db:          p.DB,
		repo:        p.Repository,
		retention:   p.Retention,
		minAttempts: p.MinAttempts,
		batch:       p.BatchSize,
		now:         time.Now,
	}
	if j.retention <= 0 {
		j.retention = defaultOutboxRetention
	}
	if j.minAttempts <= 0 {
		j.minAttempts = defaultOutboxAttempts
	}
	if j.batch <= 0 {
		j.batch = defaultPruneBatch
	}
	return j, nil
}

type outboxRetentionJob struct {
	logg        *logger.Logger
	db          txRunner
	repo        outboxPruner
	retention   time.Duration
	minAttempts int
	batch       int
	now         func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var total int64
	batches := 0
	for {
		var n int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			n, err = j.repo.PruneBefore(ctx, tx, cutoff, j.minAttempts, j.batch)
			return err
		})
		if err != nil {
			return fmt.Errorf("outbox retention after %d rows: %w", total, err)
		}
		total += n
		batches++
		if n < int64(j.batch) || ctx.Err() != nil {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": total,
		"batches":      batches,
	}), "outbox retention cleanup complete")
	return ctx.Err()
}
