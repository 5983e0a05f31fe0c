// Package telemetry exposes prometheus collectors for the real-time core.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relayadmin"

type Metrics struct {
	connectionPhase   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	eventsReceived    *prometheus.CounterVec
	eventsApplied     *prometheus.CounterVec
	eventsRejected    *prometheus.CounterVec
	eventsQueued      prometheus.Gauge
	baselineLoads     *prometheus.CounterVec
	confirmPending    prometheus.Gauge
	confirmQueued     prometheus.Gauge
	confirmDecisions  *prometheus.CounterVec
}

// Phases lists the label values used for the connection phase gauge.
var Phases = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "phase",
			Help:      "1 for the current event connection phase, 0 otherwise.",
		}, []string{"phase"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled after a transport failure.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Domain events received from the event connection.",
		}, []string{"kind"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "applied_total",
			Help:      "Domain events merged into an aggregate view.",
		}, []string{"view", "kind"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "rejected_total",
			Help:      "Domain events whose payload failed validation.",
		}, []string{"view", "kind"}),
		eventsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "queued",
			Help:      "Events waiting for a baseline before they can be applied.",
		}),
		baselineLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "loads_total",
			Help:      "Snapshot loads by result (ok, error, superseded).",
		}, []string{"view", "result"}),
		confirmPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "confirm",
			Name:      "pending",
			Help:      "1 while a confirmation is awaiting a decision.",
		}),
		confirmQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "confirm",
			Name:      "queued",
			Help:      "Confirmations waiting behind the pending one.",
		}),
		confirmDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "confirm",
			Name:      "decisions_total",
			Help:      "Confirmation outcomes (approved, declined, abandoned, rejected).",
		}, []string{"decision"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.connectionPhase, m.reconnectAttempts, m.eventsReceived, m.eventsApplied,
			m.eventsRejected, m.eventsQueued, m.baselineLoads, m.confirmPending,
			m.confirmQueued, m.confirmDecisions,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) SetConnectionPhase(phase string) {
	if m == nil {
		return
	}
	for _, p := range Phases {
		value := 0.0
		if p == phase {
			value = 1
		}
		m.connectionPhase.WithLabelValues(p).Set(value)
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventApplied(view, kind string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(view, kind).Inc()
}

func (m *Metrics) EventRejected(view, kind string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(view, kind).Inc()
}

func (m *Metrics) SetEventsQueued(n int) {
	if m == nil {
		return
	}
	m.eventsQueued.Set(float64(n))
}

func (m *Metrics) BaselineLoaded(view, result string) {
	if m == nil {
		return
	}
	m.baselineLoads.WithLabelValues(view, result).Inc()
}

func (m *Metrics) SetConfirmations(pending bool, queued int) {
	if m == nil {
		return
	}
	value := 0.0
	if pending {
		value = 1
	}
	m.confirmPending.Set(value)
	m.confirmQueued.Set(float64(queued))
}

func (m *Metrics) ConfirmationDecided(decision string) {
	if m == nil {
		return
	}
	m.confirmDecisions.WithLabelValues(decision).Inc()
}
