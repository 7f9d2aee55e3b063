package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/client"
	"github.com/getmockd/lime/pkg/config"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/metrics"
	"github.com/getmockd/lime/pkg/multiplexer"
	"github.com/getmockd/lime/pkg/resend"
	"github.com/getmockd/lime/pkg/resend/natskv"
	"github.com/getmockd/lime/pkg/transport"
	"github.com/getmockd/lime/pkg/transport/mqtt"
	"github.com/getmockd/lime/pkg/transport/quic"
	"github.com/getmockd/lime/pkg/transport/tcp"
	"github.com/getmockd/lime/pkg/transport/websocket"
)

// session is what the client commands need from a channel or a
// multiplexer.
type session interface {
	SendMessage(ctx context.Context, m *envelope.Message) error
	ReceiveNotification(ctx context.Context) (*envelope.Notification, error)
	ProcessCommand(ctx context.Context, cmd *envelope.Command) (*envelope.Command, error)
	RemoteNode() *envelope.Node
	Close(ctx context.Context) error
}

// channelSession finishes the session before closing.
type channelSession struct {
	*channel.Channel
}

func (s channelSession) Close(ctx context.Context) error {
	if s.IsEstablished() {
		_ = s.Finish(ctx)
	}
	return s.Channel.Close(ctx)
}

// transportFactory picks the transport for the URI scheme.
func transportFactory(uri *url.URL, tlsConfig *tls.Config, logger *slog.Logger) (transport.Factory, error) {
	switch uri.Scheme {
	case tcp.Scheme, "tcp":
		return tcp.NewFactory(tlsConfig, tcp.WithLogger(logger)), nil
	case "ws", "wss":
		return websocket.NewFactory(websocket.WithTLSConfig(tlsConfig), websocket.WithLogger(logger)), nil
	case quic.Scheme:
		return quic.NewFactory(tlsConfig, quic.WithLogger(logger)), nil
	case "mqtt", "mqtts":
		return mqtt.NewFactory(mqtt.WithTLSConfig(tlsConfig), mqtt.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unsupported uri scheme %q", uri.Scheme)
	}
}

// clientTLSConfig trusts the configured CA certificate in addition to the
// system roots.
func clientTLSConfig(c config.ClientConfig, uri *url.URL) (*tls.Config, error) {
	if c.CACertFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(c.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", c.CACertFile)
	}
	return &tls.Config{RootCAs: pool, ServerName: uri.Hostname(), MinVersion: tls.VersionTLS12}, nil
}

// resendStorage opens the configured storage. The returned func releases
// its connection.
func resendStorage(ctx context.Context, c config.ResendConfig) (resend.Storage, func(), error) {
	if c.Storage != config.StorageNATS {
		return resend.NewMemoryStorage(), func() {}, nil
	}

	nc, err := nats.Connect(c.NATS.URL, nats.Name("lime"))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("opening jetstream: %w", err)
	}
	st, err := natskv.New(ctx, js, natskv.Config{
		Bucket:   c.NATS.Bucket,
		Replicas: c.NATS.Replicas,
		DeadTTL:  c.NATS.DeadTTL.D(),
	})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return st, func() { _ = nc.Drain() }, nil
}

// connect opens a session as configured: one channel, or a multiplexer
// when multiplexer.size is above one.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (session, func(), error) {
	uri, err := url.Parse(cfg.Client.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing client uri: %w", err)
	}
	identity, err := cfg.Client.IdentityValue()
	if err != nil {
		return nil, nil, err
	}
	tlsConfig, err := clientTLSConfig(cfg.Client, uri)
	if err != nil {
		return nil, nil, err
	}
	factory, err := transportFactory(uri, tlsConfig, logger)
	if err != nil {
		return nil, nil, err
	}

	storage, release, err := resendStorage(ctx, cfg.Resend)
	if err != nil {
		return nil, nil, err
	}
	resendOpts := append(cfg.Resend.Options(),
		resend.WithStorage(storage),
		resend.WithLogger(logger),
		resend.WithMetrics(m))

	channelOpts := append(cfg.Channel.Options(), channel.WithMetrics(m))
	builder := client.NewBuilder(factory, uri,
		client.WithIdentity(identity),
		client.WithAuthentication(cfg.Client.Authentication()),
		client.WithInstance(cfg.Client.Instance),
		client.WithChannelOptions(channelOpts...),
		client.WithEstablishTimeout(cfg.Client.EstablishTimeout.D()),
		client.WithModules(client.ResendRegistration(cfg.Resend.Enabled, resendOpts...)),
		client.WithLogger(logger),
	)

	if cfg.Multiplexer.Size <= 1 {
		ch, err := builder.Build(ctx)
		if err != nil {
			release()
			return nil, nil, err
		}
		return channelSession{ch}, release, nil
	}

	muxOpts := append(cfg.Multiplexer.Options(), multiplexer.WithLogger(logger), multiplexer.WithMetrics(m))
	mux, err := multiplexer.New(builder, cfg.Multiplexer.Size, muxOpts...)
	if err == nil {
		err = mux.Start(ctx)
		if err != nil {
			_ = mux.Close(context.WithoutCancel(ctx))
		}
	}
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("starting multiplexer: %w", err)
	}
	return mux, release, nil
}
