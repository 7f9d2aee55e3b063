// Package quic carries envelopes as a stream of JSON documents over one
// bidirectional QUIC stream.
//
// QUIC always runs TLS 1.3, so the session encryption is tls from the
// start and cannot be negotiated away. The client opens the stream and
// writes first; the listener hands out a transport once that stream
// arrives.
package quic

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

	"github.com/quic-go/quic-go"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// Scheme is the URI scheme of LIME over QUIC.
const Scheme = "quic"

// DefaultPort is used when the URI has none.
const DefaultPort = "55321"

// ALPN is the application protocol both ends announce.
const ALPN = "lime"

// DefaultMaxEnvelopeSize bounds a single received envelope.
const DefaultMaxEnvelopeSize = 1 << 20

// ErrEnvelopeTooLarge is returned by Receive for an envelope over the
// configured limit. The transport is closed.
var ErrEnvelopeTooLarge = errors.New("quic: envelope too large")

var expired = time.Unix(1, 0)

// stream is the part of a QUIC stream the transport uses.
type stream interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// connection is the part of a QUIC connection the transport uses.
type connection interface {
	CloseWithError(quic.ApplicationErrorCode, string) error
	RemoteAddr() net.Addr
}

type options struct {
	maxEnvelopeSize int
	config          *quic.Config
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		maxEnvelopeSize: DefaultMaxEnvelopeSize,
		config: &quic.Config{
			HandshakeIdleTimeout: 10 * time.Second,
			MaxIdleTimeout:       60 * time.Second,
			KeepAlivePeriod:      15 * time.Second,
		},
		logger: logging.Nop(),
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

// WithConfig replaces the QUIC connection settings.
func WithConfig(c *quic.Config) Option {
	return func(o *options) {
		if c != nil {
			o.config = c
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

// Transport is one end of a QUIC stream.
type Transport struct {
	opts      options
	tlsConfig *tls.Config
	server    bool

	mu     sync.RWMutex
	conn   connection
	stream stream
	dec    *json.Decoder

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport returns an unopened client transport. A nil tlsConfig means
// the system roots and the URI host as server name.
func NewTransport(tlsConfig *tls.Config, opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{opts: o, tlsConfig: tlsConfig}
}

// NewFactory returns a factory of client transports sharing tlsConfig.
func NewFactory(tlsConfig *tls.Config, opts ...Option) transport.Factory {
	return func() transport.Transport { return NewTransport(tlsConfig, opts...) }
}

func newServerTransport(conn connection, s stream, o options) *Transport {
	return &Transport{opts: o, server: true, conn: conn, stream: s, dec: json.NewDecoder(s)}
}

// Open dials the host of a quic:// URI and opens the session stream.
func (t *Transport) Open(ctx context.Context, uri *url.URL) error {
	if t.server || t.current() != nil {
		return transport.ErrAlreadyOpen
	}
	if uri == nil || uri.Scheme != Scheme {
		return fmt.Errorf("quic: unsupported uri %v", uri)
	}

	host, port := uri.Hostname(), uri.Port()
	if port == "" {
		port = DefaultPort
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if t.tlsConfig != nil {
		cfg = t.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	cfg.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, net.JoinHostPort(host, port), cfg, t.opts.config)
	if err != nil {
		return fmt.Errorf("quic: dialing %s: %w", uri.Host, err)
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return fmt.Errorf("quic: opening stream: %w", err)
	}

	t.mu.Lock()
	t.conn, t.stream, t.dec = conn, s, json.NewDecoder(s)
	t.mu.Unlock()
	return nil
}

func (t *Transport) current() stream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stream
}

// Send writes e as one JSON document.
func (t *Transport) Send(ctx context.Context, e envelope.Envelope) error {
	data, err := envelope.Marshal(e)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	s := t.current()
	if s == nil {
		return transport.ErrNotConnected
	}
	if t.closed.Load() {
		return transport.ErrClosed
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.SetWriteDeadline(expired)
		close(fired)
	})
	_, err = s.Write(data)
	if !stop() {
		<-fired
		if err != nil {
			_ = t.Close(context.Background())
			return ctx.Err()
		}
		_ = s.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		return t.ioErr(err)
	}
	return nil
}

// Receive reads the next JSON document and decodes it.
func (t *Transport) Receive(ctx context.Context) (envelope.Envelope, error) {
	t.mu.RLock()
	s, dec := t.stream, t.dec
	t.mu.RUnlock()
	if s == nil {
		return nil, transport.ErrNotConnected
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.SetReadDeadline(expired)
		close(fired)
	})
	var raw json.RawMessage
	err := dec.Decode(&raw)
	if !stop() {
		<-fired
		_ = s.SetReadDeadline(time.Time{})
		if err != nil {
			t.resume(s, dec)
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

// resume replaces a decoder whose read was interrupted, keeping the
// buffered start of the unfinished document.
func (t *Transport) resume(s stream, dec *json.Decoder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dec == dec {
		t.dec = json.NewDecoder(io.MultiReader(dec.Buffered(), s))
	}
}

func (t *Transport) ioErr(err error) error {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	if t.closed.Load() || errors.Is(err, io.EOF) || errors.As(err, &appErr) || errors.As(err, &idleErr) {
		return transport.ErrClosed
	}
	return fmt.Errorf("quic: %w", err)
}

// Close ends the stream and the connection.
func (t *Transport) Close(context.Context) error {
	t.mu.RLock()
	conn, s := t.conn, t.stream
	t.mu.RUnlock()
	if s == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.Close()
	if err := conn.CloseWithError(0, "closed"); err != nil {
		return fmt.Errorf("quic: closing: %w", err)
	}
	return nil
}

// IsConnected reports whether the stream is open.
func (t *Transport) IsConnected() bool {
	return t.current() != nil && !t.closed.Load()
}

// RemoteAddr returns the peer address, or nil before Open.
func (t *Transport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
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

// SupportedEncryption returns tls only.
func (t *Transport) SupportedEncryption() []envelope.SessionEncryption {
	return []envelope.SessionEncryption{envelope.EncryptionTLS}
}

// Encryption returns tls.
func (t *Transport) Encryption() envelope.SessionEncryption { return envelope.EncryptionTLS }

// SetEncryption accepts tls only.
func (t *Transport) SetEncryption(_ context.Context, e envelope.SessionEncryption) error {
	if e != envelope.EncryptionTLS {
		return transport.ErrUnsupportedEncryption
	}
	return nil
}
