package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EnvelopeSent("message")
	m.EnvelopeSent("message")
	m.EnvelopeReceived("command")
	m.EnvelopeDropped("message")
	m.SessionTransition("established")
	m.Resend()
	m.DeadMessage()
	m.CommandPending(2)
	m.CommandPending(-1)
	m.SetHealthyChannels(3)
	m.Rebuild()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.envelopesSent.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopesReceived.WithLabelValues("command")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopesDropped.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionTransitions.WithLabelValues("established")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resends))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingCommands))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.healthyChannels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rebuilds))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "lime_envelopes_sent_total")
	assert.Contains(t, names, "lime_resend_dead_messages_total")
	assert.Contains(t, names, "lime_multiplexer_healthy_channels")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EnvelopeSent("message")
		m.EnvelopeReceived("message")
		m.EnvelopeDropped("message")
		m.SessionTransition("failed")
		m.Resend()
		m.DeadMessage()
		m.CommandPending(1)
		m.SetHealthyChannels(1)
		m.Rebuild()
	})
}

func TestNew_NilRegisterer(t *testing.T) {
	m := New(nil)
	m.Resend()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resends))
}
