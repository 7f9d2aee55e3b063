package resend_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/channel/channeltest"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/resend"
	"github.com/getmockd/lime/pkg/transport/inmemory"
)

const window = 25 * time.Millisecond

type deadRecorder struct {
	mu       sync.Mutex
	messages []*envelope.Message
}

func (d *deadRecorder) Handle(_ context.Context, m *envelope.Message, _ channel.Info) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, m)
	return nil
}

func (d *deadRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func bind(t *testing.T, ch *channel.Channel, opts ...resend.Option) *resend.Module {
	t.Helper()
	m := resend.New(append([]resend.Option{resend.WithWindow(window)}, opts...)...)
	require.NoError(t, m.Bind(ch, true))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// receiveAll collects every message the server gets within d.
func receiveAll(t *testing.T, server *channel.Channel, d time.Duration) []*envelope.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var got []*envelope.Message
	for {
		m, err := server.ReceiveMessage(ctx)
		if err != nil {
			require.True(t, channel.IsCancelled(err), "unexpected error %v", err)
			return got
		}
		got = append(got, m)
	}
}

func receiveOne(t *testing.T, server *channel.Channel) *envelope.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := server.ReceiveMessage(ctx)
	require.NoError(t, err)
	return m
}

func TestResend_AckPreventsResend(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	storage := resend.NewMemoryStorage()
	bind(t, client, resend.WithStorage(storage))
	ctx := context.Background()

	sent := envelope.NewTextMessage(server.LocalNode(), "hello")
	require.NoError(t, client.SendMessage(ctx, sent))

	got := receiveOne(t, server)
	require.NoError(t, server.SendNotification(ctx, got.Notify(envelope.EventReceived)))

	_, err := client.ReceiveNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, storage.Len(resend.IdentityKeys{}.ChannelKey(client.Info())))

	assert.Empty(t, receiveAll(t, server, 4*window), "acknowledged message was re-sent")
}

func TestResend_BoundedRetryThenDead(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	dead := &deadRecorder{}
	storage := resend.NewMemoryStorage()
	bind(t, client,
		resend.WithMaxResendCount(2),
		resend.WithStorage(storage),
		resend.WithDeadMessageHandler(dead))

	sent := envelope.NewTextMessage(server.LocalNode(), "anyone there?")
	require.NoError(t, client.SendMessage(context.Background(), sent))

	require.Eventually(t, func() bool { return dead.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	got := receiveAll(t, server, 8*window)

	require.Len(t, got, 3, "original plus two resends")
	for i, m := range got {
		assert.Equal(t, sent.ID, m.ID)
		if i > 0 {
			count, _ := m.GetMetadata(resend.ResendCountKey)
			assert.Equal(t, []string{"1", "2"}[i-1], count)
		}
	}
	assert.Equal(t, 1, dead.count(), "dead handler runs exactly once")
	assert.Equal(t, sent.ID, dead.messages[0].ID)

	channelKey := resend.IdentityKeys{}.ChannelKey(client.Info())
	assert.Equal(t, 0, storage.Len(channelKey))
	assert.Len(t, storage.Dead(channelKey), 1)
}

func TestResend_AckAfterFirstResend(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	dead := &deadRecorder{}
	bind(t, client, resend.WithMaxResendCount(5), resend.WithDeadMessageHandler(dead))
	ctx := context.Background()

	require.NoError(t, client.SendMessage(ctx, envelope.NewTextMessage(server.LocalNode(), "ping")))

	original := receiveOne(t, server)
	again := receiveOne(t, server)
	assert.Equal(t, original.ID, again.ID)

	require.NoError(t, server.SendNotification(ctx, again.Notify(envelope.EventReceived)))
	_, err := client.ReceiveNotification(ctx)
	require.NoError(t, err)

	// a resend may have been in flight while the ack travelled
	extra := receiveAll(t, server, 6*window)
	assert.LessOrEqual(t, len(extra), 1)
	assert.Zero(t, dead.count())
}

func TestResend_AnyNotificationEventAcknowledges(t *testing.T) {
	for _, event := range []envelope.Event{envelope.EventAccepted, envelope.EventConsumed, envelope.EventFailed} {
		t.Run(string(event), func(t *testing.T) {
			client, server := channeltest.NewEstablishedPair(t)
			storage := resend.NewMemoryStorage()
			bind(t, client, resend.WithStorage(storage), resend.WithWindow(time.Hour))
			ctx := context.Background()

			require.NoError(t, client.SendMessage(ctx, envelope.NewTextMessage(server.LocalNode(), "x")))
			channelKey := resend.IdentityKeys{}.ChannelKey(client.Info())
			assert.Equal(t, 1, storage.Len(channelKey))

			got := receiveOne(t, server)
			require.NoError(t, server.SendNotification(ctx, got.Notify(event)))
			_, err := client.ReceiveNotification(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, storage.Len(channelKey))
		})
	}
}

func TestResend_FilterByDestination(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	dead := &deadRecorder{}
	bind(t, client,
		resend.WithMaxResendCount(2),
		resend.WithFilterByDestination(true),
		resend.WithDeadMessageHandler(dead))
	ctx := context.Background()

	require.NoError(t, client.SendMessage(ctx, envelope.NewTextMessage(server.LocalNode(), "routed")))
	got := receiveOne(t, server)

	wrongHop := got.Notify(envelope.EventReceived)
	wrongHop.From = envelope.MustParseNode("relay@example.org/node1")
	require.NoError(t, server.SendNotification(ctx, wrongHop))
	_, err := client.ReceiveNotification(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dead.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	resent := receiveAll(t, server, 4*window)
	assert.Len(t, resent, 2, "ack from another identity must not cancel resends")
}

func TestResend_FilterAcceptsAckFromDestination(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	storage := resend.NewMemoryStorage()
	bind(t, client, resend.WithFilterByDestination(true), resend.WithStorage(storage), resend.WithWindow(time.Hour))
	ctx := context.Background()

	require.NoError(t, client.SendMessage(ctx, envelope.NewTextMessage(server.LocalNode(), "direct")))
	got := receiveOne(t, server)

	ack := got.Notify(envelope.EventReceived)
	ack.From = server.LocalNode()
	require.NoError(t, server.SendNotification(ctx, ack))
	_, err := client.ReceiveNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, storage.Len(resend.IdentityKeys{}.ChannelKey(client.Info())))
}

func TestResend_MessagesWithoutIDAreNotTracked(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	storage := resend.NewMemoryStorage()
	bind(t, client, resend.WithStorage(storage))

	m := envelope.NewTextMessage(server.LocalNode(), "fire and forget")
	m.ID = ""
	require.NoError(t, client.SendMessage(context.Background(), m))

	assert.Equal(t, 0, storage.Len(resend.IdentityKeys{}.ChannelKey(client.Info())))
	assert.Len(t, receiveAll(t, server, 4*window), 1)
}

func TestResend_UnbindStopsAndRebindDelivers(t *testing.T) {
	client1, server1 := channeltest.NewEstablishedPair(t)
	storage := resend.NewMemoryStorage()
	m := resend.New(resend.WithWindow(4*window), resend.WithStorage(storage))
	require.NoError(t, m.Bind(client1, true))
	t.Cleanup(func() { _ = m.Close() })

	sent := envelope.NewTextMessage(server1.LocalNode(), "survive")
	require.NoError(t, client1.SendMessage(context.Background(), sent))
	require.NoError(t, m.Unbind())

	assert.Len(t, receiveAll(t, server1, 12*window), 1, "no resend on the unbound channel")
	assert.False(t, client1.MessageModules().Contains(m.MessageModule()))

	client2, server2 := channeltest.NewEstablishedPair(t)
	require.NoError(t, m.Bind(client2, true))

	got := receiveOne(t, server2)
	assert.Equal(t, sent.ID, got.ID)
	count, _ := got.GetMetadata(resend.ResendCountKey)
	assert.Equal(t, "1", count)
}

func TestResend_RebindMigratesToNewChannelKey(t *testing.T) {
	client1, server1 := channeltest.NewEstablishedPair(t)
	storage := resend.NewMemoryStorage()
	m := resend.New(resend.WithWindow(time.Hour), resend.WithStorage(storage))
	require.NoError(t, m.Bind(client1, true))
	t.Cleanup(func() { _ = m.Close() })

	sent := envelope.NewTextMessage(server1.LocalNode(), "moved")
	require.NoError(t, client1.SendMessage(context.Background(), sent))
	oldKey := resend.IdentityKeys{}.ChannelKey(client1.Info())
	require.Equal(t, 1, storage.Len(oldKey))
	require.NoError(t, m.Unbind())

	client2, _ := channeltest.NewEstablishedPair(t,
		channeltest.WithIdentity(envelope.Identity{Name: "bob", Domain: "example.org"}, "desk"))
	newKey := resend.IdentityKeys{}.ChannelKey(client2.Info())
	require.NotEqual(t, oldKey, newKey)

	require.NoError(t, m.Bind(client2, true))
	require.Eventually(t, func() bool {
		return storage.Len(oldKey) == 0 && storage.Len(newKey) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResend_BindBeforeEstablishedStartsOnEstablished(t *testing.T) {
	ct, st := inmemory.NewPair(0)
	client, server := channeltest.NewPair(ct, st, channeltest.Config{})
	t.Cleanup(func() {
		_ = client.Close(context.Background())
		_ = server.Close(context.Background())
	})

	dead := &deadRecorder{}
	m := bind(t, client, resend.WithMaxResendCount(1), resend.WithDeadMessageHandler(dead))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = channeltest.Accept(ctx, server, false) }()
	_, err := client.EstablishSession(ctx, channel.SessionParams{
		Identity:       channeltest.ClientIdentity,
		Authentication: envelope.GuestAuthentication{},
	})
	require.NoError(t, err)
	assert.True(t, client.MessageModules().Contains(m.MessageModule()))

	require.NoError(t, client.SendMessage(ctx, envelope.NewTextMessage(server.LocalNode(), "x")))
	require.Eventually(t, func() bool { return dead.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Len(t, receiveAll(t, server, 2*window), 2)
}

func TestResend_BindLifecycleErrors(t *testing.T) {
	client, _ := channeltest.NewEstablishedPair(t)
	m := resend.New()

	err := m.Unbind()
	assert.True(t, channel.IsInvalidState(err))
	assert.ErrorIs(t, err, channel.ErrModuleNotBound)
	assert.NoError(t, m.Close())

	require.NoError(t, m.Bind(client, true))
	err = m.Bind(client, true)
	assert.True(t, channel.IsInvalidState(err))
	assert.ErrorIs(t, err, channel.ErrModuleAlreadyBound)

	assert.True(t, channel.IsValidation(resend.New().Bind(nil, true)))
	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestResend_FailedResendIsReportedAndRetried(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	storage := resend.NewMemoryStorage()
	m := bind(t, client, resend.WithStorage(storage), resend.WithMaxResendCount(10))

	var mu sync.Mutex
	failures := 0
	broken := errors.New("queue full")
	client.MessageModules().Add(&channel.ModuleFuncs[*envelope.Message]{
		Sending: func(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
			if _, resent := msg.GetMetadata(resend.ResendCountKey); !resent {
				return msg, nil
			}
			mu.Lock()
			defer mu.Unlock()
			if failures < 2 {
				failures++
				return nil, broken
			}
			return msg, nil
		},
	})

	sent := envelope.NewTextMessage(server.LocalNode(), "flaky")
	require.NoError(t, client.SendMessage(context.Background(), sent))
	receiveOne(t, server)

	select {
	case err := <-m.Errors():
		assert.ErrorIs(t, err, broken)
	case <-time.After(2 * time.Second):
		t.Fatal("resend failure not reported")
	}

	again := receiveOne(t, server)
	assert.Equal(t, sent.ID, again.ID)
	assert.Equal(t, envelope.SessionStateEstablished, client.State())
}

func TestResend_LoopStopsWhenSessionEnds(t *testing.T) {
	client, server := channeltest.NewEstablishedPair(t)
	dead := &deadRecorder{}
	bind(t, client,
		resend.WithWindow(2*window),
		resend.WithMaxResendCount(1),
		resend.WithDeadMessageHandler(dead))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.SendMessage(ctx, envelope.NewTextMessage(server.LocalNode(), "bye")))
	receiveOne(t, server)
	require.NoError(t, server.SendFinishedSession(ctx))

	require.Eventually(t, func() bool {
		return client.State() == envelope.SessionStateFinished
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(16 * window)
	assert.Zero(t, dead.count(), "no resend or dead letter after the session ended")
}
