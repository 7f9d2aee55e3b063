//go:build integration

package natskv_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/getmockd/lime/pkg/channel/channeltest"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/resend"
	"github.com/getmockd/lime/pkg/resend/natskv"
)

const natsImage = "nats:2.11.7-alpine"

func startNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        natsImage,
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--js"},
			WaitingFor:   wait.ForListeningPort("4222/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestStorage_Integration(t *testing.T) {
	js := startNATS(t)
	ctx := context.Background()

	s, err := natskv.New(ctx, js, natskv.Config{Bucket: "lime_resend_storage"})
	require.NoError(t, err)

	now := time.Now()
	m1 := envelope.NewTextMessage(envelope.MustParseNode("bob@example.org"), "first")
	m1.SetMetadata(resend.ResendCountKey, "2")
	m2 := envelope.NewTextMessage(envelope.MustParseNode("bob@example.org"), "second")
	m3 := envelope.NewTextMessage(envelope.MustParseNode("bob@example.org"), "later")

	require.NoError(t, s.Add(ctx, "alice>bob", m1.ID, m1, now.Add(-time.Second)))
	require.NoError(t, s.Add(ctx, "alice>bob", m2.ID, m2, now.Add(-time.Minute)))
	require.NoError(t, s.Add(ctx, "alice>bob", m3.ID, m3, now.Add(time.Hour)))
	require.NoError(t, s.Add(ctx, "carol>bob", "other", m1, now.Add(-time.Hour)))

	keys, err := s.GetExpiredKeys(ctx, "alice>bob", now)
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID, m1.ID}, keys)

	got, err := s.Remove(ctx, "alice>bob", m1.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	text, err := got.Text()
	require.NoError(t, err)
	assert.Equal(t, "first", text)
	count, _ := got.GetMetadata(resend.ResendCountKey)
	assert.Equal(t, "2", count)
	assert.Equal(t, "bob@example.org", got.To.String())

	got, err = s.Remove(ctx, "alice>bob", m1.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.AddDead(ctx, "alice>bob", m2.ID, m2))
	dead, err := s.Dead(ctx, "alice>bob", m2.ID)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, m2.ID, dead.ID)

	keys, err = s.GetExpiredKeys(ctx, "nobody", now)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStorage_ResendModule_Integration(t *testing.T) {
	js := startNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := natskv.New(ctx, js, natskv.Config{Bucket: "lime_resend_module"})
	require.NoError(t, err)

	client, server := channeltest.NewEstablishedPair(t)
	m := resend.New(resend.WithWindow(100*time.Millisecond), resend.WithStorage(s))
	require.NoError(t, m.Bind(client, true))
	t.Cleanup(func() { _ = m.Close() })

	sent := envelope.NewTextMessage(server.LocalNode(), "persisted")
	require.NoError(t, client.SendMessage(ctx, sent))

	first, err := server.ReceiveMessage(ctx)
	require.NoError(t, err)
	again, err := server.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, server.SendNotification(ctx, again.Notify(envelope.EventReceived)))
	_, err = client.ReceiveNotification(ctx)
	require.NoError(t, err)

	keys, err := s.GetExpiredKeys(ctx, resend.IdentityKeys{}.ChannelKey(client.Info()), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, keys)
}
