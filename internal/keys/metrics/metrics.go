package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the tenant key manager.
// All methods are safe on a nil receiver so tests can omit metrics.
type Metrics struct {
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	KeysProvisioned  prometheus.Counter
	ProvisionRaces   prometheus.Counter
	Rotations        *prometheus.CounterVec
	RotationDuration prometheus.Histogram
	RowsReencrypted  prometheus.Counter
}

// New registers key manager metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_dek_cache_hits_total",
			Help: "Tenant key lookups served from the in-memory cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_dek_cache_misses_total",
			Help: "Tenant key lookups that loaded and unwrapped a key from the store",
		}),
		KeysProvisioned: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_dek_provisioned_total",
			Help: "Tenant data keys created on first write",
		}),
		ProvisionRaces: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_dek_provision_races_total",
			Help: "Concurrent first-access provisioning attempts resolved by the unique constraint",
		}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piivault_dek_rotations_total",
			Help: "Tenant key rotations by outcome",
		}, []string{"outcome"}),
		RotationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "piivault_dek_rotation_duration_seconds",
			Help:    "Wall time of tenant key rotations including re-encryption",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		RowsReencrypted: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_dek_rows_reencrypted_total",
			Help: "Profile rows re-encrypted under a new tenant key",
		}),
	}
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncProvisioned() {
	if m != nil {
		m.KeysProvisioned.Inc()
	}
}

func (m *Metrics) IncProvisionRace() {
	if m != nil {
		m.ProvisionRaces.Inc()
	}
}

func (m *Metrics) AddReencrypted(n int) {
	if m != nil {
		m.RowsReencrypted.Add(float64(n))
	}
}

// ObserveRotation records a rotation outcome and its duration.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveRotation(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(outcome).Inc()
	m.RotationDuration.Observe(time.Since(start).Seconds())
}
