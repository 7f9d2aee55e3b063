// Package mqtt relays envelopes through an MQTT broker.
//
// A listener subscribes to <prefix>/listen. A client subscribes to its own
// inbox, <prefix>/clients/<id>, and publishes frames to the listen topic;
// every frame names the sender's inbox in replyTo. The listener opens a
// server transport per client inbox with an inbox of its own,
// <prefix>/sessions/<id>, and once the client sees it in a reply it
// publishes there directly. A frame with closed set ends the transport.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/getmockd/lime/internal/id"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// DefaultPrefix is the topic prefix used when the URI has no path.
const DefaultPrefix = "lime"

// DefaultQoS is the quality of service of published frames.
const DefaultQoS byte = 1

const inboxBuffer = 256

// ErrInboxFull is reported when a peer outpaces the receiver by more than
// the inbox buffer. The transport is closed.
var ErrInboxFull = errors.New("mqtt: inbox full")

type frame struct {
	ReplyTo  string          `json:"replyTo,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Closed   bool            `json:"closed,omitempty"`
}

type options struct {
	qos            byte
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		qos:            DefaultQoS,
		connectTimeout: 10 * time.Second,
		logger:         logging.Nop(),
	}
}

// Option configures transports and listeners.
type Option func(*options)

// WithQoS sets the quality of service, 0 to 2.
func WithQoS(qos byte) Option {
	return func(o *options) {
		if qos <= 2 {
			o.qos = qos
		}
	}
}

// WithTLSConfig sets the config for mqtts broker URIs.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithConnectTimeout bounds the broker connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
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

// connect opens a broker connection for an mqtt:// or mqtts:// URI and
// returns it with the topic prefix taken from the URI path.
func connect(ctx context.Context, uri *url.URL, clientID string, o options, onLost func(error)) (paho.Client, string, error) {
	if uri == nil {
		return nil, "", errors.New("mqtt: uri is required")
	}
	var broker string
	switch uri.Scheme {
	case "mqtt", "tcp":
		broker = "tcp://" + uri.Host
	case "mqtts", "ssl":
		broker = "ssl://" + uri.Host
	default:
		return nil, "", fmt.Errorf("mqtt: unsupported uri %s", uri.Redacted())
	}

	prefix := strings.Trim(uri.Path, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(o.connectTimeout)
	if o.tlsConfig != nil {
		opts.SetTLSConfig(o.tlsConfig)
	}
	if uri.User != nil {
		opts.SetUsername(uri.User.Username())
		if p, ok := uri.User.Password(); ok {
			opts.SetPassword(p)
		}
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) { onLost(err) })

	c := paho.NewClient(opts)
	if err := wait(ctx, c.Connect()); err != nil {
		return nil, "", fmt.Errorf("mqtt: connecting to %s: %w", uri.Host, err)
	}
	return c, prefix, nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transport is one end of a broker-relayed session.
type Transport struct {
	opts   options
	client paho.Client
	inbox  string

	// release is called once on close. Client transports disconnect;
	// server transports unsubscribe and leave their listener.
	release func()

	mu   sync.RWMutex
	peer string

	in       chan envelope.Envelope
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport returns an unopened client transport.
func NewTransport(opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{opts: o}
}

// NewFactory returns a factory of client transports.
func NewFactory(opts ...Option) transport.Factory {
	return func() transport.Transport { return NewTransport(opts...) }
}

func newTransport(client paho.Client, inbox, peer string, o options, release func()) *Transport {
	return &Transport{
		opts:    o,
		client:  client,
		inbox:   inbox,
		peer:    peer,
		release: release,
		in:      make(chan envelope.Envelope, inboxBuffer),
		done:    make(chan struct{}),
	}
}

// Open connects to the broker in uri and subscribes to a fresh inbox.
func (t *Transport) Open(ctx context.Context, uri *url.URL) error {
	if t.client != nil {
		return transport.ErrAlreadyOpen
	}

	t.in = make(chan envelope.Envelope, inboxBuffer)
	t.done = make(chan struct{})
	clientID := "lime-" + id.Short()
	client, prefix, err := connect(ctx, uri, clientID, t.opts, func(err error) {
		t.shutdown(fmt.Errorf("mqtt: connection lost: %w", err))
	})
	if err != nil {
		return err
	}

	t.client = client
	t.inbox = prefix + "/clients/" + clientID
	t.peer = prefix + "/listen"
	t.release = func() { client.Disconnect(250) }

	if err := wait(ctx, client.Subscribe(t.inbox, t.opts.qos, t.handle)); err != nil {
		client.Disconnect(0)
		t.client = nil
		return fmt.Errorf("mqtt: subscribing to %s: %w", t.inbox, err)
	}
	return nil
}

// handle runs on the paho router and must not wait on tokens.
func (t *Transport) handle(_ paho.Client, msg paho.Message) {
	var f frame
	if err := json.Unmarshal(msg.Payload(), &f); err != nil {
		t.opts.logger.Warn("dropping malformed frame", "topic", msg.Topic(), logging.KeyError, err)
		return
	}
	t.deliver(f)
}

func (t *Transport) deliver(f frame) {
	if f.ReplyTo != "" {
		t.mu.Lock()
		t.peer = f.ReplyTo
		t.mu.Unlock()
	}
	if f.Closed {
		t.shutdown(transport.ErrClosed)
		return
	}
	if len(f.Envelope) == 0 {
		return
	}

	e, err := envelope.Unmarshal(f.Envelope)
	if err != nil {
		t.opts.logger.Warn("dropping malformed envelope", "inbox", t.inbox, logging.KeyError, err)
		return
	}
	select {
	case t.in <- e:
	case <-t.done:
	default:
		t.shutdown(ErrInboxFull)
	}
}

func (t *Transport) shutdown(err error) {
	t.doneOnce.Do(func() {
		t.err = err
		close(t.done)
		if t.release != nil {
			// May run on the paho router, which Disconnect waits for.
			go t.release()
		}
	})
}

func (t *Transport) publish(ctx context.Context, f frame) error {
	t.mu.RLock()
	peer := t.peer
	t.mu.RUnlock()

	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return wait(ctx, t.client.Publish(peer, t.opts.qos, false, payload))
}

// Send publishes e to the peer inbox.
func (t *Transport) Send(ctx context.Context, e envelope.Envelope) error {
	if t.client == nil {
		return transport.ErrNotConnected
	}
	select {
	case <-t.done:
		return t.err
	default:
	}

	data, err := envelope.Marshal(e)
	if err != nil {
		return err
	}
	if err := t.publish(ctx, frame{ReplyTo: t.inbox, Envelope: data}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("mqtt: publishing: %w", err)
	}
	return nil
}

// Receive returns the next envelope. Envelopes already queued are
// delivered before the close is reported.
func (t *Transport) Receive(ctx context.Context) (envelope.Envelope, error) {
	if t.client == nil {
		return nil, transport.ErrNotConnected
	}
	select {
	case e := <-t.in:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		select {
		case e := <-t.in:
			return e, nil
		default:
			return nil, t.err
		}
	}
}

// Close tells the peer and releases the inbox.
func (t *Transport) Close(ctx context.Context) error {
	if t.client == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	err := t.publish(ctx, frame{ReplyTo: t.inbox, Closed: true})
	t.shutdown(transport.ErrClosed)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mqtt: announcing close: %w", err)
	}
	return nil
}

// IsConnected reports whether the transport is open.
func (t *Transport) IsConnected() bool {
	if t.client == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return t.client.IsConnectionOpen()
	}
}

// Inbox returns the topic this transport receives on.
func (t *Transport) Inbox() string { return t.inbox }

// SupportedCompression returns none only.
func (t *Transport) SupportedCompression() []envelope.SessionCompression {
	return []envelope.SessionCompression{envelope.CompressionNone}
}

// Compression returns none.
func (t *Transport) Compression() envelope.SessionCompression { return envelope.CompressionNone }

// SetCompression accepts none only.
func (t *Transport) SetCompression(_ context.Context, c envelope.SessionCompression) error {
	if c != envelope.CompressionNone {
		return transport.ErrUnsupportedCompression
	}
	return nil
}

// SupportedEncryption returns none only. Broker connections use mqtts for
// TLS instead.
func (t *Transport) SupportedEncryption() []envelope.SessionEncryption {
	return []envelope.SessionEncryption{envelope.EncryptionNone}
}

// Encryption returns none.
func (t *Transport) Encryption() envelope.SessionEncryption { return envelope.EncryptionNone }

// SetEncryption accepts none only.
func (t *Transport) SetEncryption(_ context.Context, e envelope.SessionEncryption) error {
	if e != envelope.EncryptionNone {
		return transport.ErrUnsupportedEncryption
	}
	return nil
}
