package cron

import (
	"context"
	"errors"
	"time"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/metrics"
)

const defaultInterval = 5 * time.Minute

// Lock coordinates exclusive cycles across cron-worker replicas. *redis.Lock satisfies it.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type jobMetrics interface {
	ObserveJob(job, result string, took time.Duration, end time.Time)
	IncCycle(outcome string)
}

type ServiceParams struct {
	Logger     *logger.Logger
	Registry   *Registry
	Lock       Lock
	Metrics    jobMetrics
	Interval   time.Duration
	JobTimeout time.Duration
}

// Service runs every registered job once per interval on whichever replica
// holds the cycle lock.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    jobMetrics
	interval   time.Duration
	jobTimeout time.Duration
	now        func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.Lock == nil:
		return nil, errors.New("lock is required")
	}
	s := &Service{
		logg:       p.Logger,
		registry:   p.Registry,
		lock:       p.Lock,
		metrics:    p.Metrics,
		interval:   p.Interval,
		jobTimeout: p.JobTimeout,
		now:        time.Now,
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.metrics == nil {
		s.metrics = (*metrics.CronJobMetrics)(nil)
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	return s, nil
}

// Run starts with an immediate cycle so a restarted worker sweeps stuck
// orders without waiting a full interval.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logg.Error(ctx, "scheduled run failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes one cycle of every job under the lock. A failing job does
// not stop the ones after it. A cycle held by another replica is skipped
// without error.
func (s *Service) RunOnce(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !locked {
		s.metrics.IncCycle(metrics.CycleSkipped)
		s.logg.Info(ctx, "cron cycle held by another replica")
		return nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "failed to release cron lock", err)
		}
	}()

	s.metrics.IncCycle(metrics.CycleRan)
	for _, job := range s.registry.Jobs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.runJob(ctx, job)
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) {
	ctx = s.logg.WithJob(ctx, job.Name())
	runCtx := ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	start := s.now()
	err := job.Run(runCtx)
	end := s.now()

	result := metrics.JobSucceeded
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		result = metrics.JobTimedOut
	default:
		result = metrics.JobFailed
	}
	s.metrics.ObserveJob(job.Name(), result, end.Sub(start), end)

	ctx = s.logg.WithFields(ctx, map[string]any{"result": result, "duration_ms": end.Sub(start).Milliseconds()})
	if err != nil {
		s.logg.Error(ctx, "job failed", err)
		return
	}
	s.logg.Info(ctx, "job completed")
}
