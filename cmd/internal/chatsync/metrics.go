package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	routed        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	typingExpired prometheus.Counter
	conversations prometheus.Gauge
	unread        prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachsync",
			Name:      "events_total",
			Help:      "Events applied to the conversation state, by type.",
		}, []string{"type"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachsync",
			Name:      "messages_routed_total",
			Help:      "Messages stored, by conversation kind and direction.",
		}, []string{"kind", "direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachsync",
			Name:      "events_dropped_total",
			Help:      "Events that did not change state, by reason.",
		}, []string{"reason"}),
		typingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coachsync",
			Name:      "typing_expired_total",
			Help:      "Typing indicators removed by expiry.",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coachsync",
			Name:      "conversations",
			Help:      "Entries in the conversation directory.",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coachsync",
			Name:      "unread_total",
			Help:      "Sum of unread counts across conversations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.routed, m.dropped, m.typingExpired, m.conversations, m.unread)
	}
	return m
}

func (m *Metrics) observe(ev Event, out Outcome, userID string) {
	if m == nil || ev == nil {
		return
	}
	m.events.WithLabelValues(ev.EventType()).Inc()

	if out.Err != nil {
		m.dropped.WithLabelValues(Reason(out.Err)).Inc()
		return
	}

	switch e := ev.(type) {
	case DirectMessageEvent:
		m.routed.WithLabelValues(string(KindDirect), direction(e.Message, userID)).Inc()
	case GroupMessageEvent:
		m.routed.WithLabelValues(string(KindGroup), direction(e.Message, userID)).Inc()
	}
}

func (m *Metrics) expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.typingExpired.Add(float64(n))
}

func (m *Metrics) gauges(s *State) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(s.dir.Len()))
	m.unread.Set(float64(s.dir.UnreadTotal()))
}

func direction(msg Message, userID string) string {
	if msg.Inbound(userID) {
		return "inbound"
	}
	return "echo"
}
