package channel

import (
	"log/slog"
	"time"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/metrics"
)

// Defaults applied by NewClient and NewServer.
const (
	DefaultSendTimeout    = 30 * time.Second
	DefaultCommandTimeout = 60 * time.Second
	DefaultBufferSize     = 16
)

type options struct {
	sendTimeout        time.Duration
	commandTimeout     time.Duration
	remotePingInterval time.Duration
	remoteIdleTimeout  time.Duration
	bufferSize         int
	autoReplyPings     bool
	localNode          *envelope.Node
	sessionID          string
	pending            *PendingCommands
	logger             *slog.Logger
	metrics            *metrics.Metrics
}

func defaultOptions() options {
	return options{
		sendTimeout:    DefaultSendTimeout,
		commandTimeout: DefaultCommandTimeout,
		bufferSize:     DefaultBufferSize,
		autoReplyPings: true,
		logger:         logging.Nop(),
	}
}

// Option configures a Channel.
type Option func(*options)

// WithSendTimeout bounds every write to the transport.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// WithCommandTimeout bounds ProcessCommand when the caller's context has no
// deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}

// WithRemotePingInterval pings the remote party after d without inbound
// traffic. Zero disables pings.
func WithRemotePingInterval(d time.Duration) Option {
	return func(o *options) { o.remotePingInterval = d }
}

// WithRemoteIdleTimeout finishes the session after d without inbound
// traffic. Zero disables the idle check.
func WithRemoteIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.remoteIdleTimeout = d }
}

// WithBufferSize sets how many received envelopes of each kind are queued
// for the caller.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithAutoReplyPings controls whether the channel answers get /ping
// commands itself. Enabled by default.
func WithAutoReplyPings(enabled bool) Option {
	return func(o *options) { o.autoReplyPings = enabled }
}

// WithLocalNode sets the local node of a server channel.
func WithLocalNode(n *envelope.Node) Option {
	return func(o *options) { o.localNode = n.Clone() }
}

// WithSessionID sets the session id of a server channel instead of
// generating one.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// WithPendingCommands shares a correlation table with other channels. The
// channel does not close a table it was given.
func WithPendingCommands(p *PendingCommands) Option {
	return func(o *options) { o.pending = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records envelope and session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
