package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	agents   prometheus.Gauge
	visitors prometheus.Gauge
	events   *prometheus.CounterVec
	messages *prometheus.CounterVec
	drops    *prometheus.CounterVec
}

// NewMetrics registers relay metrics on reg (nil reg leaves them unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "desk",
			Subsystem: "relay",
			Name:      "agents_connected",
			Help:      "Registered agent sessions.",
		}),
		visitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "desk",
			Subsystem: "relay",
			Name:      "visitors_connected",
			Help:      "Registered visitor sessions.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Inbound events by role, event and result.",
		}, []string{"role", "event", "result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages persisted, by author.",
		}, []string{"author"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "relay",
			Name:      "broadcast_drops_total",
			Help:      "Outbound events dropped because a peer queue was full.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.agents, m.visitors, m.events, m.messages, m.drops)
	}
	return m
}

func (m *Metrics) setAgents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}

func (m *Metrics) setVisitors(n int) {
	if m == nil {
		return
	}
	m.visitors.Set(float64(n))
}

func (m *Metrics) event(role Role, event, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(role), event, result).Inc()
}

func (m *Metrics) message(author string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(author).Inc()
}

func (m *Metrics) dropped(event string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(event).Inc()
}
