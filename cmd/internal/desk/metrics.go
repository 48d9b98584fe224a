package desk

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes engine counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	events  *prometheus.CounterVec
	fetches *prometheus.CounterVec
	sends   prometheus.Counter
	roster  prometheus.Gauge
	unread  prometheus.Gauge
}

// NewMetrics registers engine metrics on reg. A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Push events processed by the reconciliation engine.",
		}, []string{"event", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "engine",
			Name:      "fetches_total",
			Help:      "get-client-conversations requests by outcome.",
		}, []string{"result"}),
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "desk",
			Subsystem: "engine",
			Name:      "sends_total",
			Help:      "Agent messages emitted.",
		}),
		roster: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "desk",
			Subsystem: "engine",
			Name:      "roster_clients",
			Help:      "Clients currently in the roster.",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "desk",
			Subsystem: "engine",
			Name:      "unread_messages",
			Help:      "Unread messages across all conversations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.fetches, m.sends, m.roster, m.unread)
	}
	return m
}

func (m *Metrics) event(name, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name, result).Inc()
}

func (m *Metrics) fetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) sent() {
	if m == nil {
		return
	}
	m.sends.Inc()
}

func (m *Metrics) observe(v View) {
	if m == nil {
		return
	}
	m.roster.Set(float64(len(v.Roster)))
	m.unread.Set(float64(v.TotalUnread()))
}
