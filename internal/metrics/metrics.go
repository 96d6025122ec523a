// Package metrics exposes Prometheus counters for webhook deliveries and
// per-message ingestion outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "message_ingest"

// Delivery outcomes.
const (
	DeliveryAccepted  = "accepted"
	DeliveryIgnored   = "ignored"
	DeliveryForbidden = "forbidden"
	DeliveryMalformed = "malformed"
	DeliveryError     = "error"
)

// Skip reasons.
const (
	SkipUnsupportedType = "unsupported_type"
	SkipEmptyBody       = "empty_body"
	SkipDuplicate       = "duplicate"
)

// Failure stages.
const (
	StageDecode = "decode"
	StageLedger = "ledger"
)

// Recorder holds the pipeline's collectors. A nil *Recorder records nothing.
type Recorder struct {
	deliveries     *prometheus.CounterVec
	ingested       *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	failures       *prometheus.CounterVec
	statuses       prometheus.Counter
	claimConflicts prometheus.Counter
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Messages persisted, by storage tier.",
		}, []string{"tier"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Messages acknowledged without persistence, by reason.",
		}, []string{"reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_failures_total",
			Help:      "Per-message failures, by pipeline stage.",
		}, []string{"stage"}),
		statuses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_total",
			Help:      "Delivery status updates received and ignored.",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Conversation counter conflicts that forced a re-read.",
		}),
	}
	reg.MustRegister(r.deliveries, r.ingested, r.skipped, r.failures, r.statuses, r.claimConflicts)
	return r
}

func (r *Recorder) Delivery(outcome string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Ingested(tier string) {
	if r == nil {
		return
	}
	r.ingested.WithLabelValues(tier).Inc()
}

func (r *Recorder) Skipped(reason string) {
	if r == nil {
		return
	}
	r.skipped.WithLabelValues(reason).Inc()
}

func (r *Recorder) Failure(stage string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(stage).Inc()
}

func (r *Recorder) Statuses(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.statuses.Add(float64(n))
}

func (r *Recorder) ClaimConflict() {
	if r == nil {
		return
	}
	r.claimConflicts.Inc()
}
