// Package channeltest builds established channel pairs over the in-memory
// transport for tests.
package channeltest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/transport"
	"github.com/getmockd/lime/pkg/transport/inmemory"
)

// Default nodes of a pair.
var (
	ClientIdentity = envelope.Identity{Name: "alice", Domain: "example.org"}
	ClientInstance = "home"
	ServerNode     = &envelope.Node{Name: "postmaster", Domain: "example.org", Instance: "server1"}
)

// Config describes a pair.
type Config struct {
	ClientOptions []channel.Option
	ServerOptions []channel.Option
	Identity      envelope.Identity
	Instance      string
	ServerNode    *envelope.Node
	Negotiate     bool
	Timeout       time.Duration
}

// Option configures a pair.
type Option func(*Config)

// WithClientOptions adds options to the client channel.
func WithClientOptions(opts ...channel.Option) Option {
	return func(c *Config) { c.ClientOptions = append(c.ClientOptions, opts...) }
}

// WithServerOptions adds options to the server channel.
func WithServerOptions(opts ...channel.Option) Option {
	return func(c *Config) { c.ServerOptions = append(c.ServerOptions, opts...) }
}

// WithIdentity sets the client identity and instance.
func WithIdentity(identity envelope.Identity, instance string) Option {
	return func(c *Config) {
		c.Identity = identity
		c.Instance = instance
	}
}

// WithNegotiation makes the server offer compression and encryption
// options before authentication.
func WithNegotiation() Option {
	return func(c *Config) { c.Negotiate = true }
}

// NewEstablishedPair returns a client and a server channel with an
// established guest session between them. Both are closed when the test
// ends.
func NewEstablishedPair(tb testing.TB, opts ...Option) (client, server *channel.Channel) {
	tb.Helper()
	cfg := Config{
		Identity:   ClientIdentity,
		Instance:   ClientInstance,
		ServerNode: ServerNode,
		Timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ct, st := inmemory.NewPair(0)
	client, server = NewPair(ct, st, cfg)
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Close(ctx)
		_ = server.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- Accept(ctx, server, cfg.Negotiate)
	}()

	_, err := client.EstablishSession(ctx, channel.SessionParams{
		Identity:       cfg.Identity,
		Authentication: envelope.GuestAuthentication{},
		Instance:       cfg.Instance,
	})
	require.NoError(tb, err)
	require.NoError(tb, <-serverErr)
	return client, server
}

// NewPair wraps two connected transports in unestablished client and
// server channels.
func NewPair(ct, st transport.Transport, cfg Config) (client, server *channel.Channel) {
	node := cfg.ServerNode
	if node == nil {
		node = ServerNode
	}
	serverOpts := append([]channel.Option{channel.WithLocalNode(node)}, cfg.ServerOptions...)
	return channel.NewClient(ct, cfg.ClientOptions...), channel.NewServer(st, serverOpts...)
}

// Accept runs the server side of a guest handshake on server.
func Accept(ctx context.Context, server *channel.Channel, negotiate bool) error {
	if _, err := server.ReceiveNewSession(ctx); err != nil {
		return err
	}

	if negotiate {
		t := server.Transport()
		if err := server.SendNegotiatingOptions(ctx, t.SupportedCompression(), t.SupportedEncryption()); err != nil {
			return err
		}
		choice, err := server.ReceiveNegotiatingSession(ctx)
		if err != nil {
			return err
		}
		if err := server.SendNegotiatingConfirmation(ctx, choice.Compression, choice.Encryption); err != nil {
			return err
		}
		if err := t.SetCompression(ctx, choice.Compression); err != nil {
			return err
		}
		if err := t.SetEncryption(ctx, choice.Encryption); err != nil {
			return err
		}
	}

	if err := server.SendAuthenticatingSession(ctx, []envelope.AuthenticationScheme{envelope.SchemeGuest}); err != nil {
		return err
	}
	auth, err := server.ReceiveAuthenticatingSession(ctx)
	if err != nil {
		return err
	}
	return server.SendEstablishedSession(ctx, auth.From)
}
