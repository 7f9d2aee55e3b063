package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// DefaultEstablishTimeout bounds Build when ctx has no deadline.
const DefaultEstablishTimeout = 30 * time.Second

// Builder opens transports and establishes client sessions on them.
type Builder struct {
	factory transport.Factory
	uri     *url.URL

	identity         envelope.Identity
	authentication   envelope.Authentication
	instance         string
	compression      channel.CompressionSelector
	encryption       channel.EncryptionSelector
	roundtrip        channel.AuthenticationRoundtrip
	channelOpts      []channel.Option
	establishTimeout time.Duration
	logger           *slog.Logger

	mu      sync.RWMutex
	modules []ModuleRegistration
	active  map[string]bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithIdentity sets the identity the session is authenticated as.
func WithIdentity(identity envelope.Identity) Option {
	return func(b *Builder) { b.identity = identity }
}

// WithAuthentication sets the credentials. The default is guest.
func WithAuthentication(a envelope.Authentication) Option {
	return func(b *Builder) { b.authentication = a }
}

// WithInstance requests an instance name for the local node.
func WithInstance(instance string) Option {
	return func(b *Builder) { b.instance = instance }
}

// WithCompressionSelector picks the compression during negotiation.
func WithCompressionSelector(s channel.CompressionSelector) Option {
	return func(b *Builder) { b.compression = s }
}

// WithEncryptionSelector picks the encryption during negotiation.
func WithEncryptionSelector(s channel.EncryptionSelector) Option {
	return func(b *Builder) { b.encryption = s }
}

// WithAuthenticationRoundtrip answers authentication challenges.
func WithAuthenticationRoundtrip(r channel.AuthenticationRoundtrip) Option {
	return func(b *Builder) { b.roundtrip = r }
}

// WithChannelOptions adds options to every built channel.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(b *Builder) { b.channelOpts = append(b.channelOpts, opts...) }
}

// WithModules registers modules. Registrations with DefaultActive are
// attached unless deactivated with SetModuleActive.
func WithModules(regs ...ModuleRegistration) Option {
	return func(b *Builder) { b.modules = append(b.modules, regs...) }
}

// WithEstablishTimeout bounds Build when ctx has no deadline.
func WithEstablishTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.establishTimeout = d
		}
	}
}

// WithLogger sets the logger. Built channels log through it too unless a
// channel option overrides it.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder returns a builder opening factory transports to uri.
func NewBuilder(factory transport.Factory, uri *url.URL, opts ...Option) *Builder {
	b := &Builder{
		factory:          factory,
		uri:              uri,
		authentication:   envelope.GuestAuthentication{},
		establishTimeout: DefaultEstablishTimeout,
		logger:           logging.Nop(),
		active:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// URI returns the server URI.
func (b *Builder) URI() *url.URL { return b.uri }

// Modules returns the registrations in attach order.
func (b *Builder) Modules() []ModuleRegistration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]ModuleRegistration(nil), b.modules...)
}

// SetModuleActive overrides whether the named registration is attached to
// channels built from now on.
func (b *Builder) SetModuleActive(name string, active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.modules {
		if r.Name == name {
			b.active[name] = active
			return nil
		}
	}
	return fmt.Errorf("client: no module registered as %q", name)
}

// IsModuleActive reports whether the named registration is attached.
func (b *Builder) IsModuleActive(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.modules {
		if r.Name == name {
			if active, ok := b.active[name]; ok {
				return active
			}
			return r.DefaultActive
		}
	}
	return false
}

func (b *Builder) activeModules() []ModuleRegistration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []ModuleRegistration
	for _, r := range b.modules {
		active, ok := b.active[r.Name]
		if !ok {
			active = r.DefaultActive
		}
		if active {
			out = append(out, r)
		}
	}
	return out
}

// Build opens a transport, attaches the active modules and establishes
// the session. extra options are applied after the builder's own. On
// failure the transport is closed.
func (b *Builder) Build(ctx context.Context, extra ...channel.Option) (*channel.Channel, error) {
	const op = "build channel"
	if b.factory == nil || b.uri == nil {
		return nil, &channel.Error{Kind: channel.KindValidation, Op: op, Err: errors.New("transport factory and uri are required")}
	}
	if b.identity.Domain == "" {
		return nil, &channel.Error{Kind: channel.KindValidation, Op: op, Err: errors.New("identity is required")}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.establishTimeout)
		defer cancel()
	}

	t := b.factory()
	if err := t.Open(ctx, b.uri); err != nil {
		kind := channel.KindTransportFailure
		if ctx.Err() != nil {
			kind = channel.KindCancelled
		}
		return nil, &channel.Error{Kind: kind, Op: op, Err: fmt.Errorf("opening %s: %w", b.uri.Redacted(), err)}
	}

	opts := make([]channel.Option, 0, len(b.channelOpts)+len(extra)+1)
	opts = append(opts, channel.WithLogger(b.logger))
	opts = append(opts, b.channelOpts...)
	opts = append(opts, extra...)
	ch := channel.NewClient(t, opts...)

	for _, r := range b.activeModules() {
		if err := r.Attach(ctx, ch); err != nil {
			b.discard(ch)
			return nil, &channel.Error{Kind: channel.KindValidation, Op: op, Err: fmt.Errorf("module %s: %w", r.Name, err)}
		}
	}

	if _, err := ch.EstablishSession(ctx, channel.SessionParams{
		Identity:            b.identity,
		Authentication:      b.authentication,
		Instance:            b.instance,
		CompressionSelector: b.compression,
		EncryptionSelector:  b.encryption,
		Roundtrip:           b.roundtrip,
	}); err != nil {
		b.discard(ch)
		return nil, err
	}

	b.logger.Debug("channel established",
		logging.KeySessionID, ch.SessionID(),
		logging.KeyLocalNode, ch.LocalNode().String(),
		logging.KeyRemoteNode, ch.RemoteNode().String(),
	)
	return ch, nil
}

func (b *Builder) discard(ch *channel.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = ch.Close(ctx)
}
