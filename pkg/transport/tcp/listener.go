package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// Listener accepts TCP connections and hands them out as server
// transports.
type Listener struct {
	addr      string
	tlsConfig *tls.Config
	opts      options
	log       *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	accepted chan *Transport
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ transport.Listener = (*Listener)(nil)

// NewListener returns a listener on addr. With a non-nil tlsConfig,
// sessions may negotiate TLS.
func NewListener(addr string, tlsConfig *tls.Config, opts ...Option) *Listener {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{
		addr:      addr,
		tlsConfig: tlsConfig,
		opts:      o,
		log:       logging.Component(o.logger, "tcp-listener"),
		accepted:  make(chan *Transport),
		stopped:   make(chan struct{}),
	}
}

// Start binds the address and starts accepting.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return errors.New("tcp: listener already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.log.Info("listening", "addr", ln.Addr().String(), "tls", l.tlsConfig != nil)

	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.stopped:
			default:
				l.log.Error("accept failed", logging.KeyError, err)
			}
			return
		}

		t := newServerTransport(conn, l.tlsConfig, l.opts)
		select {
		case l.accepted <- t:
		case <-l.stopped:
			_ = conn.Close()
			return
		}
	}
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case t := <-l.accepted:
		return t, nil
	case <-l.stopped:
		return nil, transport.ErrListenerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the listening socket. Accepted transports stay open.
func (l *Listener) Stop(context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.mu.Lock()
		if l.ln != nil {
			err = l.ln.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ListenerURIs returns the net.tcp URI of the bound address.
func (l *Listener) ListenerURIs() []*url.URL {
	addr := l.Addr()
	if addr == nil {
		return nil
	}
	return []*url.URL{{Scheme: Scheme, Host: addr.String()}}
}
