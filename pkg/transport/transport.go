// Package transport defines the duplex envelope stream a channel runs on.
//
// Implementations live in subpackages: inmemory for tests and in-process
// peers, tcp for JSON over TCP with an optional TLS upgrade, websocket for
// one envelope per text frame, quic for JSON over a QUIC stream, and mqtt
// for broker-relayed pub/sub.
package transport

import (
	"context"
	"errors"
	"net/url"
	"slices"

	"github.com/getmockd/lime/pkg/envelope"
)

// Transport is an opaque duplex envelope stream. Send and Receive may be
// called concurrently with each other, but not with themselves.
type Transport interface {
	// Open connects a client transport to uri. Server transports returned
	// by a Listener are already open.
	Open(ctx context.Context, uri *url.URL) error

	Send(ctx context.Context, e envelope.Envelope) error
	Receive(ctx context.Context) (envelope.Envelope, error)
	Close(ctx context.Context) error
	IsConnected() bool

	SupportedCompression() []envelope.SessionCompression
	Compression() envelope.SessionCompression
	SetCompression(ctx context.Context, c envelope.SessionCompression) error

	SupportedEncryption() []envelope.SessionEncryption
	Encryption() envelope.SessionEncryption
	SetEncryption(ctx context.Context, e envelope.SessionEncryption) error
}

// Listener accepts server-side transports.
type Listener interface {
	Start(ctx context.Context) error
	Accept(ctx context.Context) (Transport, error)
	Stop(ctx context.Context) error
	ListenerURIs() []*url.URL
}

// Factory creates unopened client transports.
type Factory func() Transport

// Common transport errors.
var (
	// ErrNotConnected is returned when sending or receiving on a transport
	// that was never opened.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned once the transport or its peer has closed.
	ErrClosed = errors.New("transport: closed")

	// ErrAlreadyOpen is returned by Open on a connected transport.
	ErrAlreadyOpen = errors.New("transport: already open")

	// ErrUnsupportedCompression is returned for a compression option the
	// transport does not implement.
	ErrUnsupportedCompression = errors.New("transport: unsupported compression")

	// ErrUnsupportedEncryption is returned for an encryption option the
	// transport does not implement.
	ErrUnsupportedEncryption = errors.New("transport: unsupported encryption")

	// ErrListenerStopped is returned by Accept after Stop.
	ErrListenerStopped = errors.New("transport: listener stopped")
)

// SupportsCompression reports whether t lists c as supported.
func SupportsCompression(t Transport, c envelope.SessionCompression) bool {
	return slices.Contains(t.SupportedCompression(), c)
}

// SupportsEncryption reports whether t lists e as supported.
func SupportsEncryption(t Transport, e envelope.SessionEncryption) bool {
	return slices.Contains(t.SupportedEncryption(), e)
}
