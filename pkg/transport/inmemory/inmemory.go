// Package inmemory provides transports connected through Go channels.
//
// NewPair returns two connected transports. A Network maps mem:// URIs to
// listeners so that client transports can Open a named server; networks are
// plain values, owned by whoever builds them.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/transport"
)

// Scheme is the URI scheme resolved by a Network.
const Scheme = "mem"

// DefaultBufferSize is the number of envelopes each direction can hold
// before Send blocks.
const DefaultBufferSize = 64

var (
	supportedCompression = []envelope.SessionCompression{envelope.CompressionNone, envelope.CompressionGzip}
	supportedEncryption  = []envelope.SessionEncryption{envelope.EncryptionNone, envelope.EncryptionTLS}
)

// link is the shared state of a connected pair.
type link struct {
	done     chan struct{}
	doneOnce sync.Once
}

func (l *link) close() {
	l.doneOnce.Do(func() { close(l.done) })
}

// Transport is one end of an in-memory pair. Compression and encryption
// are recorded but not applied.
type Transport struct {
	network *Network
	buffer  int

	mu          sync.RWMutex
	link        *link
	in          <-chan envelope.Envelope
	out         chan<- envelope.Envelope
	compression envelope.SessionCompression
	encryption  envelope.SessionEncryption

	sent     atomic.Int64
	received atomic.Int64
}

var _ transport.Transport = (*Transport)(nil)

// NewPair returns two connected transports.
func NewPair(buffer int) (*Transport, *Transport) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ab := make(chan envelope.Envelope, buffer)
	ba := make(chan envelope.Envelope, buffer)
	l := &link{done: make(chan struct{})}

	a := &Transport{buffer: buffer, link: l, in: ba, out: ab}
	b := &Transport{buffer: buffer, link: l, in: ab, out: ba}
	for _, t := range []*Transport{a, b} {
		t.compression = envelope.CompressionNone
		t.encryption = envelope.EncryptionNone
	}
	return a, b
}

// NewTransport returns an unopened client transport resolving mem:// URIs
// through network.
func NewTransport(network *Network) *Transport {
	return &Transport{
		network:     network,
		buffer:      DefaultBufferSize,
		compression: envelope.CompressionNone,
		encryption:  envelope.EncryptionNone,
	}
}

// Open connects to the listener registered under uri.
func (t *Transport) Open(ctx context.Context, uri *url.URL) error {
	if t.IsConnected() {
		return transport.ErrAlreadyOpen
	}
	if t.network == nil {
		return errors.New("inmemory: transport has no network")
	}
	if uri == nil || uri.Scheme != Scheme {
		return fmt.Errorf("inmemory: unsupported uri %v", uri)
	}

	client, server := NewPair(t.buffer)
	if err := t.network.dial(ctx, uri.Host, server); err != nil {
		return err
	}

	t.mu.Lock()
	t.link, t.in, t.out = client.link, client.in, client.out
	t.mu.Unlock()
	return nil
}

func (t *Transport) ends() (*link, <-chan envelope.Envelope, chan<- envelope.Envelope) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.link, t.in, t.out
}

// Send queues a copy of e for the peer, so that neither side sees the
// other's later changes.
func (t *Transport) Send(ctx context.Context, e envelope.Envelope) error {
	l, _, out := t.ends()
	if l == nil {
		return transport.ErrNotConnected
	}
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}

	select {
	case out <- envelope.Clone(e):
		t.sent.Add(1)
		return nil
	case <-l.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next envelope from the peer. Envelopes queued before
// the pair was closed are still delivered.
func (t *Transport) Receive(ctx context.Context) (envelope.Envelope, error) {
	l, in, _ := t.ends()
	if l == nil {
		return nil, transport.ErrNotConnected
	}

	select {
	case e := <-in:
		t.received.Add(1)
		return e, nil
	default:
	}

	select {
	case e := <-in:
		t.received.Add(1)
		return e, nil
	case <-l.done:
		select {
		case e := <-in:
			t.received.Add(1)
			return e, nil
		default:
			return nil, transport.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends of the pair.
func (t *Transport) Close(context.Context) error {
	l, _, _ := t.ends()
	if l != nil {
		l.close()
	}
	return nil
}

// IsConnected reports whether the pair is open.
func (t *Transport) IsConnected() bool {
	l, _, _ := t.ends()
	if l == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Sent returns the number of envelopes handed to the peer.
func (t *Transport) Sent() int64 { return t.sent.Load() }

// Received returns the number of envelopes taken from the peer.
func (t *Transport) Received() int64 { return t.received.Load() }

// SupportedCompression implements transport.Transport.
func (t *Transport) SupportedCompression() []envelope.SessionCompression {
	return slices.Clone(supportedCompression)
}

// Compression implements transport.Transport.
func (t *Transport) Compression() envelope.SessionCompression {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.compression
}

// SetCompression records c.
func (t *Transport) SetCompression(_ context.Context, c envelope.SessionCompression) error {
	if !slices.Contains(supportedCompression, c) {
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedCompression, c)
	}
	t.mu.Lock()
	t.compression = c
	t.mu.Unlock()
	return nil
}

// SupportedEncryption implements transport.Transport.
func (t *Transport) SupportedEncryption() []envelope.SessionEncryption {
	return slices.Clone(supportedEncryption)
}

// Encryption implements transport.Transport.
func (t *Transport) Encryption() envelope.SessionEncryption {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.encryption
}

// SetEncryption records e.
func (t *Transport) SetEncryption(_ context.Context, e envelope.SessionEncryption) error {
	if !slices.Contains(supportedEncryption, e) {
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedEncryption, e)
	}
	t.mu.Lock()
	t.encryption = e
	t.mu.Unlock()
	return nil
}
