package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// Listener upgrades HTTP requests on its path to server transports. It can
// serve on its own address through Start, or be mounted on an existing mux
// as an http.Handler.
type Listener struct {
	addr      string
	tlsConfig *tls.Config
	opts      options
	log       *slog.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener

	accepted chan *Transport
	stopped  chan struct{}
	stopOnce sync.Once
}

var (
	_ transport.Listener = (*Listener)(nil)
	_ http.Handler       = (*Listener)(nil)
)

// NewListener returns a listener for addr. With a non-nil tlsConfig it
// serves wss.
func NewListener(addr string, tlsConfig *tls.Config, opts ...Option) *Listener {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{
		addr:      addr,
		tlsConfig: tlsConfig,
		opts:      o,
		log:       logging.Component(o.logger, "websocket-listener"),
		accepted:  make(chan *Transport, 16),
		stopped:   make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and queues the transport for Accept.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.opts.path {
		http.NotFound(w, r)
		return
	}
	select {
	case <-l.stopped:
		http.Error(w, "listener stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		Subprotocols:    []string{Subprotocol},
		OriginPatterns:  l.opts.originPatterns,
		CompressionMode: ws.CompressionDisabled,
	})
	if err != nil {
		l.log.Debug("upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(ws.StatusPolicyViolation, "lime subprotocol required")
		return
	}

	encryption := envelope.EncryptionNone
	if r.TLS != nil {
		encryption = envelope.EncryptionTLS
	}
	t := &Transport{opts: l.opts}
	t.start(conn, encryption)

	select {
	case l.accepted <- t:
	case <-l.stopped:
		_ = t.Close(context.Background())
	}
}

// Start binds the address and serves HTTP on it.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return errors.New("websocket: listener already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return err
	}
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}
	l.ln = ln
	l.srv = &http.Server{Handler: l, ReadHeaderTimeout: 10 * time.Second}

	srv := l.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("http server stopped", logging.KeyError, err)
		}
	}()
	l.log.Info("listening", "addr", ln.Addr().String(), "path", l.opts.path, "tls", l.tlsConfig != nil)
	return nil
}

// Accept waits for the next upgraded connection.
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

// Stop shuts the HTTP server down and closes transports nobody accepted.
// Accepted transports stay open.
func (l *Listener) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.mu.Lock()
		srv := l.srv
		l.mu.Unlock()
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
		for {
			select {
			case t := <-l.accepted:
				_ = t.Close(ctx)
			default:
				return
			}
		}
	})
	return err
}

// ListenerURIs returns the ws or wss URI of the bound address.
func (l *Listener) ListenerURIs() []*url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	scheme := "ws"
	if l.tlsConfig != nil {
		scheme = "wss"
	}
	return []*url.URL{{Scheme: scheme, Host: l.ln.Addr().String(), Path: l.opts.path}}
}
