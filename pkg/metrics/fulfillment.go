package metrics

import "github.com/prometheus/client_golang/prometheus"

// Fulfillment run outcomes.
const (
	OutcomeFulfilled        = "fulfilled"
	OutcomeAlreadyFulfilled = "already_fulfilled"
	OutcomeTimeout          = "timeout"
	OutcomeNotFound         = "not_found"
	OutcomeLocked           = "locked"
	OutcomeError            = "error"
)

// Reconciliation candidate results.
const (
	ReconcileNotPaid   = "not_paid"
	ReconcileFulfilled = "fulfilled"
	ReconcileFailed    = "failed"
)

// FulfillmentMetrics counts orchestrator runs, catalog mirror failures,
// reconciliation outcomes and outbox publishes.
type FulfillmentMetrics struct {
	runs            *prometheus.CounterVec
	mirrorFailures  prometheus.Counter
	reconciliations *prometheus.CounterVec
	published       *prometheus.CounterVec
}

// NewFulfillmentMetrics registers the counters on reg. A nil registerer yields a no-op recorder.
func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return &FulfillmentMetrics{}
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "almond_fulfillment_runs_total",
		Help: "Fulfillment orchestrator invocations by outcome.",
	}, []string{"outcome"})
	mirrorFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "almond_inventory_mirror_failures_total",
		Help: "Catalog inventory updates that exhausted their retries.",
	})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "almond_reconciliation_candidates_total",
		Help: "Pending orders examined by the reconciliation job, by result.",
	}, []string{"result"})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "almond_outbox_publish_total",
		Help: "Outbox publish attempts by event type and result.",
	}, []string{"event_type", "result"})
	reg.MustRegister(runs, mirrorFailures, reconciliations, published)
	return &FulfillmentMetrics{
		runs:            runs,
		mirrorFailures:  mirrorFailures,
		reconciliations: reconciliations,
		published:       published,
	}
}

func (m *FulfillmentMetrics) IncRun(outcome string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *FulfillmentMetrics) IncMirrorFailure() {
	if m == nil || m.mirrorFailures == nil {
		return
	}
	m.mirrorFailures.Inc()
}

func (m *FulfillmentMetrics) IncReconciliation(result string) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *FulfillmentMetrics) IncPublish(eventType, result string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType), normalizeLabel(result)).Inc()
}
