package multiplexer

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/metrics"
)

// DefaultBufferSize is the capacity of each merged receive queue.
const DefaultBufferSize = 64

// Strategy chooses the slot a send goes to.
type Strategy int

const (
	// RoundRobin cycles through the slots.
	RoundRobin Strategy = iota
	// LeastPending picks the slot with the fewest in-flight sends and
	// outstanding commands.
	LeastPending
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case LeastPending:
		return "least-pending"
	default:
		return "unknown"
	}
}

type options struct {
	strategy       Strategy
	bufferSize     int
	commandTimeout time.Duration
	channelOpts    []channel.Option
	newBackOff     func() backoff.BackOff
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

func defaultOptions() options {
	return options{
		strategy:       RoundRobin,
		bufferSize:     DefaultBufferSize,
		commandTimeout: channel.DefaultCommandTimeout,
		newBackOff:     defaultBackOff,
		logger:         logging.Nop(),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Option configures a Multiplexer.
type Option func(*options)

// WithStrategy sets the slot selection strategy.
func WithStrategy(s Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithLeastPending selects the slot with the least in-flight work.
func WithLeastPending() Option {
	return WithStrategy(LeastPending)
}

// WithBufferSize sets the capacity of the merged receive queues.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.bufferSize = n
		}
	}
}

// WithCommandTimeout bounds ProcessCommand when ctx has no deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}

// WithChannelOptions adds options passed to the factory for every slot.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(o *options) { o.channelOpts = append(o.channelOpts, opts...) }
}

// WithRebuildBackOff sets the backoff used between attempts to rebuild a
// failed slot. newBackOff is called once per rebuild.
func WithRebuildBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *options) {
		if newBackOff != nil {
			o.newBackOff = newBackOff
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records healthy channel counts and rebuilds.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
