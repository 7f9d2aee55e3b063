package server

import (
	"log/slog"
	"time"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/metrics"
	"github.com/getmockd/lime/pkg/transport"
)

// DefaultHandshakeTimeout bounds a session handshake.
const DefaultHandshakeTimeout = 30 * time.Second

type options struct {
	listeners        []transport.Listener
	authenticator    Authenticator
	registry         NodeRegistry
	handler          ChannelHandler
	compression      []envelope.SessionCompression
	encryption       []envelope.SessionEncryption
	channelOpts      []channel.Option
	handshakeTimeout time.Duration
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

func defaultOptions() options {
	return options{
		authenticator:    GuestAuthenticator{},
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           logging.Nop(),
	}
}

// Option configures a Server.
type Option func(*options)

// WithListener adds a listener. A server needs at least one.
func WithListener(l transport.Listener) Option {
	return func(o *options) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// WithAuthenticator sets the authenticator. The default admits guests.
func WithAuthenticator(a Authenticator) Option {
	return func(o *options) {
		if a != nil {
			o.authenticator = a
		}
	}
}

// WithRegistry sets the node registry. The default is a MemoryRegistry
// owned by the server.
func WithRegistry(r NodeRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithHandler sets the handler of established channels.
func WithHandler(h ChannelHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithCompression limits the compression options offered. By default
// every option the transport supports is offered.
func WithCompression(c ...envelope.SessionCompression) Option {
	return func(o *options) { o.compression = c }
}

// WithEncryption limits the encryption options offered. By default every
// option the transport supports is offered.
func WithEncryption(e ...envelope.SessionEncryption) Option {
	return func(o *options) { o.encryption = e }
}

// WithChannelOptions adds options to every accepted channel.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(o *options) { o.channelOpts = append(o.channelOpts, opts...) }
}

// WithHandshakeTimeout bounds each handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithLogger sets the logger of the server and its channels.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records the channels' envelopes and transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
