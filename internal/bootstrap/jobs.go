package bootstrap

import (
	"errors"
	"fmt"

	"github.com/dvhzldn/almond-river-records-sub000/internal/cron"
	"github.com/dvhzldn/almond-river-records-sub000/internal/reconciliation"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/outbox"
)

// CronJobs builds the scheduled jobs in the order the cron worker runs them:
// sweep stuck paid orders, free stale reservations, then prune the outbox.
func CronJobs(d Deps, s *Stack) (*cron.Registry, error) {
	if d.Config == nil || d.Logger == nil || d.DB == nil || s == nil {
		return nil, errors.New("config, logger, db and stack are required")
	}
	cfg := d.Config

	reconcile, err := reconciliation.NewJob(reconciliation.JobParams{
		Orders:        s.Orders,
		Payments:      s.Gateways,
		Orchestrator:  s.Orchestrator,
		Events:        s.Events,
		Metrics:       s.Metrics,
		Logger:        d.Logger,
		MaxRetries:    cfg.Reconciliation.MaxRetries,
		BackoffWindow: cfg.Reconciliation.BackoffWindow,
		Lookback:      cfg.Reconciliation.Lookback,
		BatchSize:     cfg.Reconciliation.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation job: %w", err)
	}

	release, err := reconciliation.NewReleaseJob(reconciliation.ReleaseJobParams{
		Orders:         s.Orders,
		Stock:          s.Stock,
		Catalog:        s.Catalog,
		Events:         s.Events,
		Logger:         d.Logger,
		ReservationTTL: cfg.Reconciliation.ReservationTTL,
		BatchSize:      cfg.Reconciliation.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reservation release job: %w", err)
	}

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      d.Logger,
		DB:          d.DB,
		Repository:  outbox.NewRepository(d.DB.DB()),
		Retention:   cfg.Outbox.Retention,
		MinAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox retention job: %w", err)
	}

	return cron.NewRegistry(reconcile, release, retention), nil
}
