package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cron job results and cycle outcomes.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobTimedOut  = "timed_out"

	CycleRan     = "ran"
	CycleSkipped = "skipped_locked"
)

// CronJobMetrics tracks the reconciliation, reservation release and outbox
// retention jobs. LastSuccess lets an alert fire when paid orders stop being
// swept.
type CronJobMetrics struct {
	runs        *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	cycles      *prometheus.CounterVec
}

// NewCronJobMetrics registers on reg; a nil registerer yields a no-op recorder.
func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	m := &CronJobMetrics{
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "almond_cron_job_duration_seconds",
			Help:    "Cron job run time by job and result.",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 300},
		}, []string{"job", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "almond_cron_job_last_success_timestamp_seconds",
			Help: "Unix time of each job's last successful run.",
		}, []string{"job"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "almond_cron_cycles_total",
			Help: "Cron cycles by outcome; skipped cycles were held by another replica.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.runs, m.lastSuccess, m.cycles)
	return m
}

// ObserveJob records one run of job that finished at end.
func (m *CronJobMetrics) ObserveJob(job, result string, took time.Duration, end time.Time) {
	if m == nil || m.runs == nil {
		return
	}
	job = normalizeLabel(job)
	m.runs.WithLabelValues(job, normalizeLabel(result)).Observe(took.Seconds())
	if result == JobSucceeded {
		m.lastSuccess.WithLabelValues(job).Set(float64(end.Unix()))
	}
}

func (m *CronJobMetrics) IncCycle(outcome string) {
	if m == nil || m.cycles == nil {
		return
	}
	m.cycles.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
