package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/multiplexer"
	"github.com/getmockd/lime/pkg/resend"
)

// Logger builds the process logger, writing to stderr.
func (c LoggingConfig) Logger() *slog.Logger {
	return logging.New(logging.Config{
		Level:     logging.ParseLevel(c.Level),
		Format:    logging.ParseFormat(c.Format),
		Output:    os.Stderr,
		AddSource: c.AddSource,
	})
}

// Options converts the section to channel options.
func (c ChannelConfig) Options() []channel.Option {
	return []channel.Option{
		channel.WithSendTimeout(c.SendTimeout.D()),
		channel.WithCommandTimeout(c.CommandTimeout.D()),
		channel.WithRemotePingInterval(c.RemotePingInterval.D()),
		channel.WithRemoteIdleTimeout(c.RemoteIdleTimeout.D()),
		channel.WithBufferSize(c.BufferSize),
		channel.WithAutoReplyPings(c.AutoReplyPings),
	}
}

// Options converts the section to resend options. The storage is built
// separately since it may need a connection.
func (c ResendConfig) Options() []resend.Option {
	return []resend.Option{
		resend.WithWindow(c.Window.D()),
		resend.WithMaxResendCount(c.MaxResendCount),
		resend.WithFilterByDestination(c.FilterByDestination),
	}
}

// Options converts the section to multiplexer options. The strategy has
// been checked by Validate; an unknown one falls back to round-robin.
func (c MultiplexerConfig) Options() []multiplexer.Option {
	strategy, _ := parseStrategy(c.Strategy)
	return []multiplexer.Option{
		multiplexer.WithStrategy(strategy),
		multiplexer.WithBufferSize(c.BufferSize),
		multiplexer.WithCommandTimeout(c.CommandTimeout.D()),
	}
}

func parseStrategy(s string) (multiplexer.Strategy, error) {
	switch s {
	case "", multiplexer.RoundRobin.String():
		return multiplexer.RoundRobin, nil
	case multiplexer.LeastPending.String():
		return multiplexer.LeastPending, nil
	default:
		return multiplexer.RoundRobin, fmt.Errorf("unknown strategy %q", s)
	}
}

// IdentityValue parses the configured identity.
func (c ClientConfig) IdentityValue() (envelope.Identity, error) {
	if c.Identity == "" {
		return envelope.Identity{}, errors.New("client identity is required")
	}
	return envelope.ParseIdentity(c.Identity)
}

// Authentication returns the credentials the client presents.
func (c ClientConfig) Authentication() envelope.Authentication {
	switch {
	case c.Password != "":
		return envelope.NewPlainAuthentication(c.Password)
	case c.Token != "":
		return &envelope.ExternalAuthentication{Token: c.Token, Issuer: c.Issuer}
	default:
		return envelope.GuestAuthentication{}
	}
}

// LocalNode parses the server node.
func (c ServerConfig) LocalNode() (*envelope.Node, error) {
	if c.Node == "" {
		return nil, errors.New("server node is required")
	}
	return envelope.ParseNode(c.Node)
}
