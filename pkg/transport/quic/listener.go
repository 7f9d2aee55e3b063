package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// streamTimeout bounds the wait for the session stream of a new
// connection.
const streamTimeout = 10 * time.Second

// Listener accepts QUIC connections and hands out their first stream as a
// server transport.
type Listener struct {
	addr      string
	tlsConfig *tls.Config
	opts      options
	log       *slog.Logger

	mu       sync.Mutex
	ln       *quic.Listener
	accepted chan *Transport
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ transport.Listener = (*Listener)(nil)

// NewListener returns a listener on the UDP address addr. QUIC requires a
// certificate, so tlsConfig must not be nil.
func NewListener(addr string, tlsConfig *tls.Config, opts ...Option) *Listener {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{
		addr:      addr,
		tlsConfig: tlsConfig,
		opts:      o,
		log:       logging.Component(o.logger, "quic-listener"),
		accepted:  make(chan *Transport),
		stopped:   make(chan struct{}),
	}
}

// Start binds the address and starts accepting.
func (l *Listener) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return errors.New("quic: listener already started")
	}
	if l.tlsConfig == nil {
		return errors.New("quic: listener requires a TLS config")
	}

	cfg := l.tlsConfig.Clone()
	cfg.NextProtos = []string{ALPN}
	ln, err := quic.ListenAddr(l.addr, cfg, l.opts.config)
	if err != nil {
		return err
	}
	l.ln = ln
	l.log.Info("listening", "addr", ln.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		<-l.stopped
		cancel()
	}()
	go l.acceptLoop(ctx, ln)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln *quic.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-l.stopped:
			default:
				l.log.Error("accept failed", logging.KeyError, err)
			}
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			sctx, cancel := context.WithTimeout(ctx, streamTimeout)
			defer cancel()
			s, err := conn.AcceptStream(sctx)
			if err != nil {
				l.log.Debug("no session stream", "remote", conn.RemoteAddr().String(), logging.KeyError, err)
				_ = conn.CloseWithError(0, "")
				return
			}

			t := newServerTransport(conn, s, l.opts)
			select {
			case l.accepted <- t:
			case <-l.stopped:
				_ = t.Close(context.Background())
			}
		}()
	}
}

// Accept waits for the next session stream.
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

// Stop closes the listener. Accepted transports stay open.
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

// ListenerURIs returns the quic URI of the bound address.
func (l *Listener) ListenerURIs() []*url.URL {
	addr := l.Addr()
	if addr == nil {
		return nil
	}
	return []*url.URL{{Scheme: Scheme, Host: addr.String()}}
}
