package inmemory

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/getmockd/lime/pkg/transport"
)

// Network resolves mem://name URIs to listeners.
type Network struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen returns a listener for mem://name. It must be started before
// clients can connect.
func (n *Network) Listen(name string) *Listener {
	return &Listener{
		network: n,
		name:    name,
		accept:  make(chan *Transport, 16),
		stopped: make(chan struct{}),
	}
}

// NewTransport returns an unopened client transport on this network.
func (n *Network) NewTransport() transport.Transport {
	return NewTransport(n)
}

func (n *Network) register(l *Listener) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[l.name]; ok {
		return fmt.Errorf("inmemory: %s://%s is already listening", Scheme, l.name)
	}
	n.listeners[l.name] = l
	return nil
}

func (n *Network) unregister(l *Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[l.name] == l {
		delete(n.listeners, l.name)
	}
}

func (n *Network) dial(ctx context.Context, name string, server *Transport) error {
	n.mu.RLock()
	l, ok := n.listeners[name]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inmemory: no listener at %s://%s", Scheme, name)
	}

	select {
	case l.accept <- server:
		return nil
	case <-l.stopped:
		return transport.ErrListenerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listener hands out the server end of every pair opened against its URI.
type Listener struct {
	network *Network
	name    string
	accept  chan *Transport

	stopOnce sync.Once
	stopped  chan struct{}
}

var _ transport.Listener = (*Listener)(nil)

// Start registers the listener on its network.
func (l *Listener) Start(context.Context) error {
	return l.network.register(l)
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case t := <-l.accept:
		return t, nil
	case <-l.stopped:
		return nil, transport.ErrListenerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop unregisters the listener. Pending connections are dropped.
func (l *Listener) Stop(context.Context) error {
	l.stopOnce.Do(func() {
		l.network.unregister(l)
		close(l.stopped)
	})
	return nil
}

// ListenerURIs implements transport.Listener.
func (l *Listener) ListenerURIs() []*url.URL {
	return []*url.URL{{Scheme: Scheme, Host: l.name}}
}
