// Package tcp carries envelopes as a stream of JSON documents over TCP.
//
// There is no framing besides the JSON syntax itself. A session may
// negotiate TLS, in which case both ends upgrade the connection in place
// right after the negotiation is confirmed.
package tcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// Scheme is the URI scheme of LIME over TCP.
const Scheme = "net.tcp"

// DefaultPort is used when the URI has none.
const DefaultPort = "55321"

// DefaultMaxEnvelopeSize bounds a single received envelope.
const DefaultMaxEnvelopeSize = 1 << 20

// ErrEnvelopeTooLarge is returned by Receive for an envelope over the
// configured limit. The transport is closed.
var ErrEnvelopeTooLarge = errors.New("tcp: envelope too large")

var expired = time.Unix(1, 0)

type options struct {
	maxEnvelopeSize int
	dialer          *net.Dialer
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		maxEnvelopeSize: DefaultMaxEnvelopeSize,
		dialer:          &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		logger:          logging.Nop(),
	}
}

// Option configures transports and listeners.
type Option func(*options)

// WithMaxEnvelopeSize bounds received envelopes, in bytes.
func WithMaxEnvelopeSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEnvelopeSize = n
		}
	}
}

// WithDialer sets the dialer used by Open.
func WithDialer(d *net.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
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

// Transport is one end of a TCP connection.
type Transport struct {
	opts options

	// tlsConfig is the client config for outbound transports and the
	// server config for accepted ones.
	tlsConfig *tls.Config
	server    bool

	mu         sync.RWMutex
	conn       net.Conn
	dec        *json.Decoder
	host       string
	encryption envelope.SessionEncryption

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport returns an unopened client transport. tlsConfig is used
// when the session negotiates TLS; nil means the system roots and the
// URI host as server name.
func NewTransport(tlsConfig *tls.Config, opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{opts: o, tlsConfig: tlsConfig, encryption: envelope.EncryptionNone}
}

// NewFactory returns a factory of client transports sharing tlsConfig.
func NewFactory(tlsConfig *tls.Config, opts ...Option) transport.Factory {
	return func() transport.Transport { return NewTransport(tlsConfig, opts...) }
}

func newServerTransport(conn net.Conn, tlsConfig *tls.Config, o options) *Transport {
	return &Transport{
		opts:       o,
		tlsConfig:  tlsConfig,
		server:     true,
		conn:       conn,
		dec:        json.NewDecoder(conn),
		encryption: envelope.EncryptionNone,
	}
}

// Open dials the host of a net.tcp:// URI.
func (t *Transport) Open(ctx context.Context, uri *url.URL) error {
	if t.server || t.current() != nil {
		return transport.ErrAlreadyOpen
	}
	if uri == nil || (uri.Scheme != Scheme && uri.Scheme != "tcp") {
		return fmt.Errorf("tcp: unsupported uri %v", uri)
	}

	host, port := uri.Hostname(), uri.Port()
	if port == "" {
		port = DefaultPort
	}
	conn, err := t.opts.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("tcp: dialing %s: %w", uri.Host, err)
	}

	t.mu.Lock()
	t.conn, t.dec, t.host = conn, json.NewDecoder(conn), host
	t.mu.Unlock()
	return nil
}

func (t *Transport) current() net.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Send writes e as one JSON document.
func (t *Transport) Send(ctx context.Context, e envelope.Envelope) error {
	data, err := envelope.Marshal(e)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn := t.current()
	if conn == nil {
		return transport.ErrNotConnected
	}
	if t.closed.Load() {
		return transport.ErrClosed
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(expired)
		close(fired)
	})
	_, err = conn.Write(data)
	if !stop() {
		<-fired
		if err != nil {
			// a partial write leaves the stream unusable
			_ = t.Close(context.Background())
			return ctx.Err()
		}
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		return t.ioErr(err)
	}
	return nil
}

// Receive reads the next JSON document and decodes it.
func (t *Transport) Receive(ctx context.Context) (envelope.Envelope, error) {
	t.mu.RLock()
	conn, dec := t.conn, t.dec
	t.mu.RUnlock()
	if conn == nil {
		return nil, transport.ErrNotConnected
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(expired)
		close(fired)
	})
	var raw json.RawMessage
	err := dec.Decode(&raw)
	if !stop() {
		<-fired
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			t.resume(conn, dec)
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, t.ioErr(err)
	}

	if len(raw) > t.opts.maxEnvelopeSize {
		_ = t.Close(context.Background())
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(raw))
	}
	return envelope.Unmarshal(raw)
}

// resume replaces a decoder whose read was interrupted. Buffered holds
// everything from the start of the unfinished document, so nothing is
// lost.
func (t *Transport) resume(conn net.Conn, dec *json.Decoder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dec == dec {
		t.dec = json.NewDecoder(io.MultiReader(dec.Buffered(), conn))
	}
}

func (t *Transport) ioErr(err error) error {
	if t.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return transport.ErrClosed
	}
	return fmt.Errorf("tcp: %w", err)
}

// Close closes the connection.
func (t *Transport) Close(context.Context) error {
	conn := t.current()
	if conn == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("tcp: closing: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is open.
func (t *Transport) IsConnected() bool {
	return t.current() != nil && !t.closed.Load()
}

// RemoteAddr returns the peer address, or nil before Open.
func (t *Transport) RemoteAddr() net.Addr {
	if conn := t.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
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

// SupportedEncryption lists tls unless this is a server transport without
// a certificate.
func (t *Transport) SupportedEncryption() []envelope.SessionEncryption {
	if t.server && t.tlsConfig == nil {
		return []envelope.SessionEncryption{envelope.EncryptionNone}
	}
	return []envelope.SessionEncryption{envelope.EncryptionNone, envelope.EncryptionTLS}
}

// Encryption returns the current encryption.
func (t *Transport) Encryption() envelope.SessionEncryption {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.encryption
}

// SetEncryption upgrades the connection to TLS. It must not run
// concurrently with Send or Receive. A TLS connection cannot be
// downgraded.
func (t *Transport) SetEncryption(ctx context.Context, e envelope.SessionEncryption) error {
	if !transport.SupportsEncryption(t, e) {
		return transport.ErrUnsupportedEncryption
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return transport.ErrNotConnected
	}
	if e == t.encryption {
		return nil
	}
	if e == envelope.EncryptionNone {
		return fmt.Errorf("%w: cannot leave tls", transport.ErrUnsupportedEncryption)
	}

	var conn *tls.Conn
	if t.server {
		conn = tls.Server(t.conn, t.tlsConfig)
	} else {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if t.tlsConfig != nil {
			cfg = t.tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = t.host
		}
		conn = tls.Client(t.conn, cfg)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tcp: tls handshake: %w", err)
	}

	t.conn, t.dec, t.encryption = conn, json.NewDecoder(conn), envelope.EncryptionTLS
	return nil
}

// ConnectionState returns the TLS state, or nil before the upgrade.
func (t *Transport) ConnectionState() *tls.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.conn.(*tls.Conn); ok {
		s := c.ConnectionState()
		return &s
	}
	return nil
}
