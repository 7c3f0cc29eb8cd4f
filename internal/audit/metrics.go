package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "piivault/pkg/platform/audit"
)

// Metrics counts audit writes. Methods are safe on a nil receiver.
type Metrics struct {
	Appended        *prometheus.CounterVec
	AppendFailures  *prometheus.CounterVec
	PublishFailures prometheus.Counter
}

// NewMetrics registers audit metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Appended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piivault_audit_entries_total",
			Help: "Audit entries persisted by action",
		}, []string{"action"}),
		AppendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piivault_audit_append_failures_total",
			Help: "Audit entries that could not be persisted, by action",
		}, []string{"action"}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "piivault_audit_stream_failures_total",
			Help: "Persisted audit entries that could not be streamed",
		}),
	}
}

func (m *Metrics) IncAppended(action audit.Action) {
	if m == nil {
		return
	}
	m.Appended.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) IncAppendFailure(action audit.Action) {
	if m == nil {
		return
	}
	m.AppendFailures.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}
