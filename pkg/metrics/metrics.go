package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lime"

// Metrics groups every collector the engine updates.
type Metrics struct {
	envelopesSent      *prometheus.CounterVec
	envelopesReceived  *prometheus.CounterVec
	envelopesDropped   *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	resends            prometheus.Counter
	deadMessages       prometheus.Counter
	pendingCommands    prometheus.Gauge
	healthyChannels    prometheus.Gauge
	rebuilds           prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		envelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_sent_total",
				Help:      "Envelopes written to a transport, by kind.",
			},
			[]string{"kind"},
		),
		envelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_received_total",
				Help:      "Envelopes read from a transport, by kind.",
			},
			[]string{"kind"},
		),
		envelopesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_dropped_total",
				Help:      "Received envelopes discarded while a session was finishing, by kind.",
			},
			[]string{"kind"},
		),
		sessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state changes, by target state.",
			},
			[]string{"state"},
		),
		resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resend",
			Name:      "attempts_total",
			Help:      "Messages re-sent after their resend window elapsed.",
		}),
		deadMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resend",
			Name:      "dead_messages_total",
			Help:      "Messages handed to the dead-message handler.",
		}),
		pendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_commands",
			Help:      "Commands awaiting a response.",
		}),
		healthyChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "multiplexer",
			Name:      "healthy_channels",
			Help:      "Pooled channels currently established.",
		}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "multiplexer",
			Name:      "rebuilds_total",
			Help:      "Pooled channels rebuilt after a failure.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.envelopesSent,
			m.envelopesReceived,
			m.envelopesDropped,
			m.sessionTransitions,
			m.resends,
			m.deadMessages,
			m.pendingCommands,
			m.healthyChannels,
			m.rebuilds,
		)
	}
	return m
}

// EnvelopeSent counts an envelope of kind written to a transport.
func (m *Metrics) EnvelopeSent(kind string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(kind).Inc()
}

// EnvelopeReceived counts an envelope of kind read from a transport.
func (m *Metrics) EnvelopeReceived(kind string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(kind).Inc()
}

// EnvelopeDropped counts a received envelope of kind that was discarded.
func (m *Metrics) EnvelopeDropped(kind string) {
	if m == nil {
		return
	}
	m.envelopesDropped.WithLabelValues(kind).Inc()
}

// SessionTransition counts a change to state.
func (m *Metrics) SessionTransition(state string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(state).Inc()
}

// Resend counts a resend attempt.
func (m *Metrics) Resend() {
	if m == nil {
		return
	}
	m.resends.Inc()
}

// DeadMessage counts a message given up on.
func (m *Metrics) DeadMessage() {
	if m == nil {
		return
	}
	m.deadMessages.Inc()
}

// CommandPending adjusts the pending command gauge by delta.
func (m *Metrics) CommandPending(delta int) {
	if m == nil {
		return
	}
	m.pendingCommands.Add(float64(delta))
}

// SetHealthyChannels sets the multiplexer health gauge.
func (m *Metrics) SetHealthyChannels(n int) {
	if m == nil {
		return
	}
	m.healthyChannels.Set(float64(n))
}

// Rebuild counts a multiplexer slot rebuild.
func (m *Metrics) Rebuild() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}
