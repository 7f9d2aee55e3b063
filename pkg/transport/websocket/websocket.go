// Package websocket carries one envelope per text frame over a WebSocket
// connection negotiated with the "lime" subprotocol.
//
// Encryption is a property of the URI: wss connections report tls and
// cannot change it, ws connections report none.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	ws "github.com/coder/websocket"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// Subprotocol is the WebSocket subprotocol both ends must agree on.
const Subprotocol = "lime"

// DefaultMaxEnvelopeSize bounds a single received frame.
const DefaultMaxEnvelopeSize = 1 << 20

var (
	// ErrSubprotocolMismatch is returned when the peer did not agree on
	// the lime subprotocol.
	ErrSubprotocolMismatch = errors.New("websocket: lime subprotocol not negotiated")

	// ErrBinaryFrame is returned when the peer sends a binary frame.
	ErrBinaryFrame = errors.New("websocket: binary frames are not supported")
)

type options struct {
	maxEnvelopeSize int64
	tlsConfig       *tls.Config
	header          http.Header
	path            string
	originPatterns  []string
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		maxEnvelopeSize: DefaultMaxEnvelopeSize,
		path:            "/",
		logger:          logging.Nop(),
	}
}

// Option configures transports and listeners.
type Option func(*options)

// WithMaxEnvelopeSize bounds received frames, in bytes.
func WithMaxEnvelopeSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEnvelopeSize = n
		}
	}
}

// WithTLSConfig sets the client config used for wss URIs.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithHeader adds headers to the client handshake request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithPath sets the path a Listener serves. The default is "/".
func WithPath(p string) Option {
	return func(o *options) {
		if p != "" {
			o.path = p
		}
	}
}

// WithOriginPatterns lists the browser origins a Listener accepts besides
// its own host.
func WithOriginPatterns(patterns ...string) Option {
	return func(o *options) { o.originPatterns = append(o.originPatterns, patterns...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Transport is one end of a WebSocket connection.
type Transport struct {
	opts options

	mu         sync.RWMutex
	conn       *ws.Conn
	encryption envelope.SessionEncryption

	frames   chan []byte
	done     chan struct{}
	doneOnce sync.Once
	err      error
	cancel   context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport returns an unopened client transport.
func NewTransport(opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{opts: o, encryption: envelope.EncryptionNone}
}

// NewFactory returns a factory of client transports.
func NewFactory(opts ...Option) transport.Factory {
	return func() transport.Transport { return NewTransport(opts...) }
}

// Open dials a ws:// or wss:// URI.
func (t *Transport) Open(ctx context.Context, uri *url.URL) error {
	if t.connection() != nil {
		return transport.ErrAlreadyOpen
	}
	if uri == nil || (uri.Scheme != "ws" && uri.Scheme != "wss") {
		return fmt.Errorf("websocket: unsupported uri %v", uri)
	}

	dialOpts := &ws.DialOptions{
		Subprotocols:    []string{Subprotocol},
		HTTPHeader:      t.opts.header,
		CompressionMode: ws.CompressionDisabled,
	}
	if t.opts.tlsConfig != nil {
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: t.opts.tlsConfig}}
	}

	conn, resp, err := ws.Dial(ctx, uri.String(), dialOpts)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return fmt.Errorf("websocket: dialing %s: %w", uri.Redacted(), err)
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(ws.StatusPolicyViolation, "lime subprotocol required")
		return ErrSubprotocolMismatch
	}

	encryption := envelope.EncryptionNone
	if uri.Scheme == "wss" {
		encryption = envelope.EncryptionTLS
	}
	t.start(conn, encryption)
	return nil
}

func (t *Transport) start(conn *ws.Conn, encryption envelope.SessionEncryption) {
	conn.SetReadLimit(t.opts.maxEnvelopeSize)
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn, t.encryption, t.cancel = conn, encryption, cancel
	t.frames = make(chan []byte)
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(ctx, conn)
}

func (t *Transport) readLoop(ctx context.Context, conn *ws.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.shutdown(err)
			return
		}
		if typ != ws.MessageText {
			_ = conn.Close(ws.StatusUnsupportedData, "text frames only")
			t.shutdown(ErrBinaryFrame)
			return
		}
		select {
		case t.frames <- data:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) shutdown(err error) {
	t.doneOnce.Do(func() {
		t.err = closeErr(err)
		close(t.done)
		t.cancel()
	})
}

func closeErr(err error) error {
	switch ws.CloseStatus(err) {
	case ws.StatusNormalClosure, ws.StatusGoingAway:
		return transport.ErrClosed
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return transport.ErrClosed
	}
	return fmt.Errorf("websocket: %w", err)
}

func (t *Transport) connection() *ws.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Send writes e as one text frame.
func (t *Transport) Send(ctx context.Context, e envelope.Envelope) error {
	conn := t.connection()
	if conn == nil {
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
	if err := conn.Write(ctx, ws.MessageText, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return closeErr(err)
	}
	return nil
}

// Receive returns the next envelope. Frames already read are delivered
// before the close is reported.
func (t *Transport) Receive(ctx context.Context) (envelope.Envelope, error) {
	if t.connection() == nil {
		return nil, transport.ErrNotConnected
	}
	select {
	case data := <-t.frames:
		return envelope.Unmarshal(data)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, t.err
	}
}

// Close sends a normal closure and stops the reader.
func (t *Transport) Close(context.Context) error {
	conn := t.connection()
	if conn == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	err := conn.Close(ws.StatusNormalClosure, "")
	t.shutdown(nil)
	if err != nil && closeErr(err) != transport.ErrClosed {
		return err
	}
	return nil
}

// IsConnected reports whether the connection is open.
func (t *Transport) IsConnected() bool {
	if t.connection() == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

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

// SupportedEncryption returns the encryption fixed by the URI scheme.
func (t *Transport) SupportedEncryption() []envelope.SessionEncryption {
	return []envelope.SessionEncryption{t.Encryption()}
}

// Encryption returns tls for wss connections and none otherwise.
func (t *Transport) Encryption() envelope.SessionEncryption {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.encryption
}

// SetEncryption accepts the current encryption only.
func (t *Transport) SetEncryption(_ context.Context, e envelope.SessionEncryption) error {
	if e != t.Encryption() {
		return transport.ErrUnsupportedEncryption
	}
	return nil
}
