package server_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/client"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/multiplexer"
	"github.com/getmockd/lime/pkg/server"
	"github.com/getmockd/lime/pkg/transport/inmemory"
)

var (
	serverNode = &envelope.Node{Name: "postmaster", Domain: "example.org", Instance: "node1"}
	alice      = envelope.Identity{Name: "alice", Domain: "example.org"}
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startServer runs a server on mem://server.
func startServer(t *testing.T, opts ...server.Option) (*server.Server, *inmemory.Network) {
	t.Helper()
	network := inmemory.NewNetwork()
	opts = append([]server.Option{server.WithListener(network.Listen("server"))}, opts...)
	srv := server.New(serverNode, opts...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv, network
}

func build(t *testing.T, network *inmemory.Network, opts ...client.Option) (*channel.Channel, error) {
	t.Helper()
	uri := &url.URL{Scheme: inmemory.Scheme, Host: "server"}
	opts = append([]client.Option{client.WithIdentity(alice)}, opts...)
	ch, err := client.NewBuilder(network.NewTransport, uri, opts...).Build(testContext(t))
	if ch != nil {
		t.Cleanup(func() { _ = ch.Close(context.Background()) })
	}
	return ch, err
}

func requireFailed(t *testing.T, err error, code int) {
	t.Helper()
	var failed *channel.SessionFailedError
	require.ErrorAs(t, err, &failed)
	require.NotNil(t, failed.Session.Reason)
	assert.Equal(t, code, failed.Session.Reason.Code)
}

func TestServer_EstablishesGuestSession(t *testing.T) {
	srv, network := startServer(t)

	ch, err := build(t, network, client.WithInstance("laptop"))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org/laptop", ch.LocalNode().String())
	assert.Equal(t, serverNode.String(), ch.RemoteNode().String())

	registry := srv.Registry().(*server.MemoryRegistry)
	require.Eventually(t, func() bool { return len(srv.Channels()) == 1 }, time.Second, 5*time.Millisecond)
	got, ok := registry.Get(ch.LocalNode())
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, ch.SessionID(), got[0].SessionID())
}

func TestServer_PooledSessionsShareInstance(t *testing.T) {
	srv, network := startServer(t)
	uri := &url.URL{Scheme: inmemory.Scheme, Host: "server"}
	builder := client.NewBuilder(network.NewTransport, uri, client.WithIdentity(alice), client.WithInstance("laptop"))

	m, err := multiplexer.New(builder, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	require.NoError(t, m.Start(testContext(t)))
	require.Equal(t, 2, m.Healthy())

	channels := m.Channels()
	assert.Equal(t, "alice@example.org/laptop", channels[0].LocalNode().String())
	assert.Equal(t, "alice@example.org/laptop", channels[1].LocalNode().String())
	assert.NotEqual(t, channels[0].SessionID(), channels[1].SessionID())

	registry := srv.Registry().(*server.MemoryRegistry)
	require.Eventually(t, func() bool { return len(srv.Channels()) == 2 }, time.Second, 5*time.Millisecond)
	got, ok := registry.Get(channels[0].LocalNode())
	require.True(t, ok)
	assert.Len(t, got, 2)

	require.NoError(t, m.Close(testContext(t)))
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_AssignsInstance(t *testing.T) {
	_, network := startServer(t)

	ch, err := build(t, network)
	require.NoError(t, err)
	assert.NotEmpty(t, ch.LocalNode().Instance)
	assert.True(t, ch.LocalNode().Identity().Equal(alice))
}

func TestServer_NegotiatesTransportOptions(t *testing.T) {
	_, network := startServer(t, server.WithCompression(envelope.CompressionGzip, envelope.CompressionNone))

	ch, err := build(t, network, client.WithCompressionSelector(func(options []envelope.SessionCompression) envelope.SessionCompression {
		assert.Equal(t, []envelope.SessionCompression{envelope.CompressionGzip, envelope.CompressionNone}, options)
		return envelope.CompressionGzip
	}))
	require.NoError(t, err)
	assert.Equal(t, envelope.CompressionGzip, ch.Transport().Compression())
}

func TestServer_SkipsNegotiationWithoutChoice(t *testing.T) {
	_, network := startServer(t,
		server.WithCompression(envelope.CompressionNone),
		server.WithEncryption(envelope.EncryptionNone))

	called := false
	ch, err := build(t, network, client.WithCompressionSelector(func([]envelope.SessionCompression) envelope.SessionCompression {
		called = true
		return envelope.CompressionNone
	}))
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, envelope.SessionStateEstablished, ch.State())
}

func TestServer_RejectsInvalidNegotiation(t *testing.T) {
	_, network := startServer(t)

	_, err := build(t, network, client.WithCompressionSelector(func([]envelope.SessionCompression) envelope.SessionCompression {
		return "brotli"
	}))
	requireFailed(t, err, envelope.ReasonSessionNegotiationInvalidOptions)
}

func TestServer_PlainAuthentication(t *testing.T) {
	_, network := startServer(t, server.WithAuthenticator(
		server.NewPlainAuthenticator(map[string]string{"Alice@Example.org": "s3cret"})))

	_, err := build(t, network, client.WithAuthentication(envelope.NewPlainAuthentication("s3cret")))
	require.NoError(t, err)

	_, err = build(t, network, client.WithAuthentication(envelope.NewPlainAuthentication("wrong")))
	requireFailed(t, err, envelope.ReasonSessionAuthenticationFailed)

	// Guest is not offered.
	_, err = build(t, network)
	requireFailed(t, err, envelope.ReasonSessionAuthenticationFailed)
}

// challengeAuthenticator accepts a guest only after it answers a key
// challenge with "42".
type challengeAuthenticator struct{}

func (challengeAuthenticator) Schemes() []envelope.AuthenticationScheme {
	return []envelope.AuthenticationScheme{envelope.SchemeGuest, envelope.SchemeKey}
}

func (challengeAuthenticator) Authenticate(_ context.Context, _ envelope.Identity, auth envelope.Authentication) (envelope.Authentication, error) {
	switch a := auth.(type) {
	case envelope.GuestAuthentication:
		return envelope.NewKeyAuthentication("question"), nil
	case *envelope.KeyAuthentication:
		if key, err := a.DecodedKey(); err == nil && key == "42" {
			return nil, nil
		}
	}
	return nil, server.ErrAuthenticationFailed
}

func TestServer_AuthenticationRoundtrip(t *testing.T) {
	_, network := startServer(t, server.WithAuthenticator(challengeAuthenticator{}))

	var challenges []string
	answer := func(answer string) client.Option {
		return client.WithAuthenticationRoundtrip(func(challenge envelope.Authentication) (envelope.Authentication, error) {
			key, err := challenge.(*envelope.KeyAuthentication).DecodedKey()
			require.NoError(t, err)
			challenges = append(challenges, key)
			return envelope.NewKeyAuthentication(answer), nil
		})
	}

	ch, err := build(t, network, answer("42"))
	require.NoError(t, err)
	assert.Equal(t, envelope.SessionStateEstablished, ch.State())
	assert.Equal(t, []string{"question"}, challenges)

	_, err = build(t, network, answer("41"))
	requireFailed(t, err, envelope.ReasonSessionAuthenticationFailed)
}

// refusingRegistry refuses every node but the allowed one.
type refusingRegistry struct {
	*server.MemoryRegistry
	allowed string
}

func (r refusingRegistry) Register(ctx context.Context, node *envelope.Node, ch *channel.Channel) error {
	if node.String() != r.allowed {
		return errors.New("node refused")
	}
	return r.MemoryRegistry.Register(ctx, node, ch)
}

func TestServer_RegistryRefusalFailsSession(t *testing.T) {
	_, network := startServer(t, server.WithRegistry(refusingRegistry{
		MemoryRegistry: server.NewMemoryRegistry(),
		allowed:        "alice@example.org/phone",
	}))

	_, err := build(t, network, client.WithInstance("phone"))
	require.NoError(t, err)
	_, err = build(t, network, client.WithInstance("phone"))
	require.NoError(t, err, "a node may hold several sessions")
	_, err = build(t, network, client.WithInstance("tablet"))
	requireFailed(t, err, envelope.ReasonSessionRegistrationError)
}

func TestServer_HandsChannelsToHandler(t *testing.T) {
	echo := server.ChannelHandlerFunc(func(ctx context.Context, ch *channel.Channel) {
		for {
			m, err := ch.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			text, _ := m.Text()
			reply := envelope.NewTextMessage(m.From, "echo: "+text)
			if err := ch.SendMessage(ctx, reply); err != nil {
				return
			}
		}
	})
	_, network := startServer(t, server.WithHandler(echo))

	ch, err := build(t, network)
	require.NoError(t, err)
	ctx := testContext(t)

	require.NoError(t, ch.SendMessage(ctx, envelope.NewTextMessage(serverNode, "hi")))
	reply, err := ch.ReceiveMessage(ctx)
	require.NoError(t, err)
	text, err := reply.Text()
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", text)
}

func TestServer_AnswersFinishing(t *testing.T) {
	srv, network := startServer(t)

	ch, err := build(t, network, client.WithInstance("tablet"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Channels()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Finish(testContext(t)))
	assert.Equal(t, envelope.SessionStateFinished, ch.State())

	registry := srv.Registry().(*server.MemoryRegistry)
	assert.Eventually(t, func() bool { return registry.Len() == 0 && len(srv.Channels()) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServer_StopFinishesSessions(t *testing.T) {
	network := inmemory.NewNetwork()
	srv := server.New(serverNode, server.WithListener(network.Listen("server")))
	require.NoError(t, srv.Start(context.Background()))

	ch, err := build(t, network)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Channels()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Stop(testContext(t)))
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("client channel still open")
	}
	assert.Equal(t, envelope.SessionStateFinished, ch.State())
	assert.Empty(t, srv.Channels())

	_, err = build(t, network)
	assert.Error(t, err)
	require.NoError(t, srv.Stop(context.Background()))
}

func TestServer_StartValidation(t *testing.T) {
	ctx := context.Background()
	network := inmemory.NewNetwork()

	assert.ErrorContains(t, server.New(serverNode).Start(ctx), "no listeners")
	assert.ErrorContains(t, server.New(nil, server.WithListener(network.Listen("a"))).Start(ctx), "local node")

	srv := server.New(serverNode, server.WithListener(network.Listen("b")))
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop(ctx) })
	assert.ErrorContains(t, srv.Start(ctx), "already started")
}

func TestServer_ServeStopsWithContext(t *testing.T) {
	network := inmemory.NewNetwork()
	srv := server.New(serverNode, server.WithListener(network.Listen("server")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := build(t, network, client.WithInstance("serve"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
