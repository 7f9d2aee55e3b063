package websocket_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/channel/channeltest"
	"github.com/getmockd/lime/pkg/envelope"
	limetls "github.com/getmockd/lime/pkg/tls"
	"github.com/getmockd/lime/pkg/transport"
	"github.com/getmockd/lime/pkg/transport/websocket"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startListener(t *testing.T, l *websocket.Listener) *websocket.Listener {
	t.Helper()
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l
}

func connect(t *testing.T, l *websocket.Listener, opts ...websocket.Option) (transport.Transport, transport.Transport) {
	t.Helper()
	ctx := testContext(t)
	client := websocket.NewTransport(opts...)
	require.NoError(t, client.Open(ctx, l.ListenerURIs()[0]))
	server, err := l.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close(context.Background())
		_ = server.Close(context.Background())
	})
	return client, server
}

func TestTransport_RoundTrip(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil, websocket.WithPath("/lime")))
	client, server := connect(t, l)
	ctx := testContext(t)

	assert.Equal(t, "/lime", l.ListenerURIs()[0].Path)
	assert.Equal(t, envelope.EncryptionNone, client.Encryption())

	cmd := envelope.NewCommand(envelope.MethodGet, "/ping")
	require.NoError(t, client.Send(ctx, cmd))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, got.(*envelope.Command).ID)

	require.NoError(t, server.Send(ctx, cmd.SuccessResponse()))
	got, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusSuccess, got.(*envelope.Command).Status)
}

func TestTransport_CloseEndsPeer(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil))
	client, server := connect(t, l)

	require.NoError(t, client.Close(context.Background()))
	assert.False(t, client.IsConnected())

	_, err := server.Receive(testContext(t))
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Eventually(t, func() bool { return !server.IsConnected() }, time.Second, 5*time.Millisecond)
}

func TestTransport_ReceiveHonoursContext(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil))
	client, server := connect(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the connection survives a cancelled receive
	require.NoError(t, client.Send(testContext(t), envelope.NewTextMessage(nil, "later")))
	got, err := server.Receive(testContext(t))
	require.NoError(t, err)
	assert.IsType(t, &envelope.Message{}, got)
}

func TestTransport_Options(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil))
	client, _ := connect(t, l)
	ctx := testContext(t)

	assert.Equal(t, []envelope.SessionEncryption{envelope.EncryptionNone}, client.SupportedEncryption())
	assert.ErrorIs(t, client.SetEncryption(ctx, envelope.EncryptionTLS), transport.ErrUnsupportedEncryption)
	assert.ErrorIs(t, client.SetCompression(ctx, envelope.CompressionGzip), transport.ErrUnsupportedCompression)
	assert.ErrorIs(t, client.Open(ctx, l.ListenerURIs()[0]), transport.ErrAlreadyOpen)

	_, err := websocket.NewTransport().Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestTransport_WSS(t *testing.T) {
	cert, err := limetls.Generate(nil)
	require.NoError(t, err)
	l := startListener(t, websocket.NewListener("127.0.0.1:0", cert.ServerConfig()))
	assert.Equal(t, "wss", l.ListenerURIs()[0].Scheme)

	client, server := connect(t, l, websocket.WithTLSConfig(cert.ClientConfig("")))
	assert.Equal(t, envelope.EncryptionTLS, client.Encryption())
	assert.Equal(t, envelope.EncryptionTLS, server.Encryption())

	ctx := testContext(t)
	require.NoError(t, client.Send(ctx, envelope.NewTextMessage(nil, "secure")))
	_, err = server.Receive(ctx)
	require.NoError(t, err)
}

func TestListener_GorillaClient(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil))
	ctx := testContext(t)

	dialer := gorilla.Dialer{Subprotocols: []string{websocket.Subprotocol}}
	conn, resp, err := dialer.Dial(l.ListenerURIs()[0].String(), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()
	assert.Equal(t, websocket.Subprotocol, conn.Subprotocol())

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	defer server.Close(context.Background())

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte(`{"id":"1","to":"bob@example.org","type":"text/plain","content":"hi"}`)))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	msg := got.(*envelope.Message)
	assert.Equal(t, "bob@example.org", msg.To.String())

	require.NoError(t, server.Send(ctx, msg.Notify(envelope.EventReceived)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorilla.TextMessage, typ)
	assert.JSONEq(t, `{"id":"1","event":"received"}`, string(data))
}

func TestListener_RejectsBinaryFrames(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil))
	ctx := testContext(t)

	dialer := gorilla.Dialer{Subprotocols: []string{websocket.Subprotocol}}
	conn, resp, err := dialer.Dial(l.ListenerURIs()[0].String(), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	defer server.Close(context.Background())

	require.NoError(t, conn.WriteMessage(gorilla.BinaryMessage, []byte{1, 2, 3}))
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, websocket.ErrBinaryFrame)
}

func TestListener_RequiresSubprotocol(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil))

	conn, resp, err := gorilla.DefaultDialer.Dial(l.ListenerURIs()[0].String(), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *gorilla.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, gorilla.ClosePolicyViolation, closeErr.Code)
}

func TestListener_UnknownPath(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil, websocket.WithPath("/lime")))
	uri := *l.ListenerURIs()[0]
	uri.Path = "/other"

	dialer := gorilla.Dialer{Subprotocols: []string{websocket.Subprotocol}}
	_, resp, err := dialer.Dial(uri.String(), nil)
	require.ErrorIs(t, err, gorilla.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListener_Stop(t *testing.T) {
	l := websocket.NewListener("127.0.0.1:0", nil)
	assert.Nil(t, l.ListenerURIs())
	require.NoError(t, l.Start(context.Background()))
	require.Error(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(context.Background()))

	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrListenerStopped)
}

func TestSession_OverWebSocket(t *testing.T) {
	l := startListener(t, websocket.NewListener("127.0.0.1:0", nil))
	ctx := testContext(t)

	accepted := make(chan *channel.Channel, 1)
	go func() {
		st, err := l.Accept(ctx)
		if err != nil {
			return
		}
		server := channel.NewServer(st, channel.WithLocalNode(channeltest.ServerNode))
		if channeltest.Accept(ctx, server, true) == nil {
			accepted <- server
		}
	}()

	ct := websocket.NewTransport()
	require.NoError(t, ct.Open(ctx, l.ListenerURIs()[0]))
	client := channel.NewClient(ct)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	_, err := client.EstablishSession(ctx, channel.SessionParams{
		Identity:       channeltest.ClientIdentity,
		Authentication: envelope.GuestAuthentication{},
		Instance:       channeltest.ClientInstance,
	})
	require.NoError(t, err)

	var server *channel.Channel
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server handshake did not complete")
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	resp, err := client.ProcessCommand(ctx, channel.NewPingCommand())
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusSuccess, resp.Status)
}
