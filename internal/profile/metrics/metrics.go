package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for profile access.
// All methods are safe on a nil receiver.
type Metrics struct {
	Operations         *prometheus.CounterVec
	Denied             *prometheus.CounterVec
	IntegrityFailures  prometheus.Counter
	DigestMismatches   prometheus.Counter
	StaleKeyRetries    prometheus.Counter
	BatchProfilesFound prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piivault_profile_operations_total",
			Help: "Profile operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		Denied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piivault_profile_access_denied_total",
			Help: "Profile operations rejected by token scope or binding",
		}, []string{"operation"}),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_profile_integrity_failures_total",
			Help: "Field decryptions that failed authentication",
		}),
		DigestMismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_profile_digest_mismatches_total",
			Help: "Reads whose decrypted content did not match the stored digest",
		}),
		StaleKeyRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_profile_stale_key_retries_total",
			Help: "Writes retried after the tenant key rotated underneath them",
		}),
		BatchProfilesFound: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "piivault_profile_batch_found",
			Help:    "Profiles found per batch read",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
	}
}

func (m *Metrics) IncOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncDenied(op string) {
	if m == nil {
		return
	}
	m.Denied.WithLabelValues(op).Inc()
}

func (m *Metrics) IncIntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}

func (m *Metrics) IncDigestMismatch() {
	if m == nil {
		return
	}
	m.DigestMismatches.Inc()
}

func (m *Metrics) IncStaleKeyRetry() {
	if m == nil {
		return
	}
	m.StaleKeyRetries.Inc()
}

func (m *Metrics) ObserveBatchFound(n int) {
	if m == nil {
		return
	}
	m.BatchProfilesFound.Observe(float64(n))
}
