package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the upstream session's Prometheus instruments. A nil *Metrics records nothing.
type Metrics struct {
	reconnects *prometheus.CounterVec
	requests   *prometheus.CounterVec
	inbound    *prometheus.CounterVec
}

// NewMetrics creates and registers the transport metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachsync",
			Name:      "upstream_reconnects_total",
			Help:      "Upstream connection attempts, by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachsync",
			Name:      "outbound_requests_total",
			Help:      "Outbound requests to upstream, by type and result.",
		}, []string{"type", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachsync",
			Name:      "upstream_envelopes_total",
			Help:      "Envelopes received from upstream, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.reconnects, m.requests, m.inbound)
	}
	return m
}

func (m *Metrics) connect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) request(typ, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) envelope(typ string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(typ).Inc()
}
