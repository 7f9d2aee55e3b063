package client_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/channel/channeltest"
	"github.com/getmockd/lime/pkg/client"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/resend"
	"github.com/getmockd/lime/pkg/transport"
	"github.com/getmockd/lime/pkg/transport/inmemory"
)

var alice = envelope.Identity{Name: "alice", Domain: "example.org"}

// serve accepts connections on mem://name and runs a guest handshake on
// each of them.
func serve(t *testing.T, network *inmemory.Network, name string) {
	t.Helper()
	l := network.Listen(name)
	require.NoError(t, l.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var servers []*channel.Channel
	t.Cleanup(func() {
		cancel()
		_ = l.Stop(context.Background())
		mu.Lock()
		defer mu.Unlock()
		for _, s := range servers {
			_ = s.Close(context.Background())
		}
	})

	go func() {
		for {
			tr, err := l.Accept(ctx)
			if err != nil {
				return
			}
			s := channel.NewServer(tr, channel.WithLocalNode(channeltest.ServerNode))
			mu.Lock()
			servers = append(servers, s)
			mu.Unlock()
			go func() { _ = channeltest.Accept(ctx, s, false) }()
		}
	}()
}

func memURI(name string) *url.URL {
	return &url.URL{Scheme: inmemory.Scheme, Host: name}
}

func closeOnCleanup(t *testing.T, ch *channel.Channel) {
	t.Cleanup(func() { _ = ch.Close(context.Background()) })
}

func TestBuilder_Build(t *testing.T) {
	network := inmemory.NewNetwork()
	serve(t, network, "server")

	b := client.NewBuilder(network.NewTransport, memURI("server"),
		client.WithIdentity(alice),
		client.WithInstance("laptop"))

	ch, err := b.Build(context.Background())
	require.NoError(t, err)
	closeOnCleanup(t, ch)

	assert.Equal(t, envelope.SessionStateEstablished, ch.State())
	assert.Equal(t, "alice@example.org/laptop", ch.LocalNode().String())
	assert.Equal(t, channeltest.ServerNode.String(), ch.RemoteNode().String())
}

func TestBuilder_BuildsIndependentChannels(t *testing.T) {
	network := inmemory.NewNetwork()
	serve(t, network, "server")
	b := client.NewBuilder(network.NewTransport, memURI("server"), client.WithIdentity(alice))

	first, err := b.Build(context.Background())
	require.NoError(t, err)
	closeOnCleanup(t, first)
	second, err := b.Build(context.Background())
	require.NoError(t, err)
	closeOnCleanup(t, second)

	assert.NotEqual(t, first.SessionID(), second.SessionID())
}

func TestBuilder_AttachesActiveModules(t *testing.T) {
	network := inmemory.NewNetwork()
	serve(t, network, "server")

	var seen []envelope.SessionState
	var mu sync.Mutex
	tracker := client.CommandModule("tracker", true, func(*channel.Channel) channel.Module[*envelope.Command] {
		return &channel.ModuleFuncs[*envelope.Command]{
			StateChanged: func(_ context.Context, s envelope.SessionState) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, s)
			},
		}
	})
	inactive := client.MessageModule("inactive", false, func(*channel.Channel) channel.Module[*envelope.Message] {
		return &channel.ModuleFuncs[*envelope.Message]{}
	})

	b := client.NewBuilder(network.NewTransport, memURI("server"),
		client.WithIdentity(alice),
		client.WithModules(tracker, inactive, client.ResendRegistration(true)))

	assert.True(t, b.IsModuleActive("tracker"))
	assert.False(t, b.IsModuleActive("inactive"))
	assert.True(t, b.IsModuleActive(client.ResendModuleName))
	assert.Len(t, b.Modules(), 3)

	ch, err := b.Build(context.Background())
	require.NoError(t, err)
	closeOnCleanup(t, ch)

	mu.Lock()
	assert.Equal(t, []envelope.SessionState{
		envelope.SessionStateAuthenticating,
		envelope.SessionStateEstablished,
	}, seen, "modules are attached before the handshake")
	mu.Unlock()

	assert.Equal(t, 1, ch.MessageModules().Len(), "resend only")
	assert.Equal(t, 1, ch.NotificationModules().Len())
	assert.Equal(t, 2, ch.CommandModules().Len(), "ping reply and tracker")
}

func TestBuilder_ResendSurvivesChannelReplacement(t *testing.T) {
	network := inmemory.NewNetwork()
	l := network.Listen("server")
	require.NoError(t, l.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(func() {
		cancel()
		_ = l.Stop(context.Background())
	})

	accepted := make(chan *channel.Channel, 2)
	go func() {
		for {
			tr, err := l.Accept(ctx)
			if err != nil {
				return
			}
			s := channel.NewServer(tr, channel.WithLocalNode(channeltest.ServerNode))
			t.Cleanup(func() { _ = s.Close(context.Background()) })
			if channeltest.Accept(ctx, s, false) == nil {
				accepted <- s
			}
		}
	}()

	b := client.NewBuilder(network.NewTransport, memURI("server"),
		client.WithIdentity(alice),
		client.WithInstance("home"),
		client.WithModules(client.ResendRegistration(true, resend.WithWindow(50*time.Millisecond))))

	first, err := b.Build(ctx)
	require.NoError(t, err)
	<-accepted
	msg := envelope.NewTextMessage(nil, "hi")
	require.NoError(t, first.SendMessage(ctx, msg))
	require.NoError(t, first.Close(ctx))

	second, err := b.Build(ctx)
	require.NoError(t, err)
	closeOnCleanup(t, second)
	server := <-accepted

	got, err := server.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID, "the replacement channel resends the pending message")
}

func TestBuilder_SetModuleActive(t *testing.T) {
	network := inmemory.NewNetwork()
	serve(t, network, "server")

	b := client.NewBuilder(network.NewTransport, memURI("server"),
		client.WithIdentity(alice),
		client.WithModules(client.ResendRegistration(true)))

	require.NoError(t, b.SetModuleActive(client.ResendModuleName, false))
	assert.False(t, b.IsModuleActive(client.ResendModuleName))
	assert.Error(t, b.SetModuleActive("missing", true))

	ch, err := b.Build(context.Background())
	require.NoError(t, err)
	closeOnCleanup(t, ch)
	assert.Equal(t, 0, ch.MessageModules().Len())
}

func TestBuilder_Validation(t *testing.T) {
	network := inmemory.NewNetwork()

	_, err := client.NewBuilder(network.NewTransport, memURI("server")).Build(context.Background())
	assert.True(t, channel.IsValidation(err), "identity is required")

	_, err = client.NewBuilder(nil, memURI("server"), client.WithIdentity(alice)).Build(context.Background())
	assert.True(t, channel.IsValidation(err))
}

func TestBuilder_OpenFailure(t *testing.T) {
	network := inmemory.NewNetwork()
	b := client.NewBuilder(network.NewTransport, memURI("nobody"), client.WithIdentity(alice))

	_, err := b.Build(context.Background())
	assert.True(t, channel.IsTransportFailure(err), "got %v", err)
}

func TestBuilder_AttachFailureClosesTransport(t *testing.T) {
	network := inmemory.NewNetwork()
	serve(t, network, "server")

	var opened transport.Transport
	factory := func() transport.Transport {
		opened = network.NewTransport()
		return opened
	}
	broken := client.ModuleRegistration{
		Name:          "broken",
		Category:      client.CategoryChannel,
		DefaultActive: true,
		Attach:        func(context.Context, *channel.Channel) error { return errors.New("no storage") },
	}

	b := client.NewBuilder(factory, memURI("server"), client.WithIdentity(alice), client.WithModules(broken))
	_, err := b.Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	require.NotNil(t, opened)
	assert.False(t, opened.IsConnected())
}

func TestBuilder_RejectedSession(t *testing.T) {
	network := inmemory.NewNetwork()
	l := network.Listen("strict")
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tr, err := l.Accept(ctx)
		if err != nil {
			return
		}
		s := channel.NewServer(tr, channel.WithLocalNode(channeltest.ServerNode))
		if _, err := s.ReceiveNewSession(ctx); err != nil {
			return
		}
		_ = s.SendFailedSession(ctx, &envelope.Reason{Code: envelope.ReasonSessionError, Description: "maintenance"})
	}()

	b := client.NewBuilder(network.NewTransport, memURI("strict"), client.WithIdentity(alice))
	_, err := b.Build(context.Background())

	var failed *channel.SessionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "maintenance", failed.Session.Reason.Description)
}

func TestBuilder_HonoursContext(t *testing.T) {
	network := inmemory.NewNetwork()
	l := network.Listen("silent")
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	go func() {
		// accept but never answer
		_, _ = l.Accept(context.Background())
	}()

	b := client.NewBuilder(network.NewTransport, memURI("silent"), client.WithIdentity(alice))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Build(ctx)
	assert.True(t, channel.IsCancelled(err), "got %v", err)
}
