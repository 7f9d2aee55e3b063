package resend

import (
	"log/slog"
	"time"

	"github.com/getmockd/lime/pkg/metrics"
)

// Defaults.
const (
	DefaultWindow         = 5 * time.Second
	DefaultMaxResendCount = 3
)

type options struct {
	window   time.Duration
	maxCount int
	storage  Storage
	keys     KeyProvider
	dead     DeadMessageHandler
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Module.
type Option func(*options)

// WithWindow sets the resend window. Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithMaxResendCount sets how many times a message is re-sent before it
// is dead. Zero sends every unacknowledged message straight to the dead
// message handler.
func WithMaxResendCount(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxCount = n
		}
	}
}

// WithStorage replaces the default MemoryStorage.
func WithStorage(s Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithKeyProvider replaces the default IdentityKeys.
func WithKeyProvider(k KeyProvider) Option {
	return func(o *options) { o.keys = k }
}

// WithFilterByDestination makes acknowledgments count only when they come
// from the message's destination. It configures the default key provider.
func WithFilterByDestination(enabled bool) Option {
	return func(o *options) { o.keys = IdentityKeys{FilterByDestination: enabled} }
}

// WithDeadMessageHandler sets the handler for messages that exhausted
// their resends. The default logs them.
func WithDeadMessageHandler(h DeadMessageHandler) Option {
	return func(o *options) { o.dead = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records resend attempts and dead messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
