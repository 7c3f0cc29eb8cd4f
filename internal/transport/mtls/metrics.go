package mtls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Accepted *prometheus.CounterVec
	Rejected *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Accepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piivault_mtls_accepted_total",
			Help: "Requests accepted by the transport gate, by caller",
		}, []string{"caller"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piivault_mtls_rejected_total",
			Help: "Requests rejected by the transport gate, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncAccepted(caller string) {
	if m == nil {
		return
	}
	m.Accepted.WithLabelValues(caller).Inc()
}

func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}
