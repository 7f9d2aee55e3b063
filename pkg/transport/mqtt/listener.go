package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/getmockd/lime/internal/id"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

const acceptBuffer = 16

// Listener subscribes to the listen topic of a broker and opens a server
// transport for every client inbox that writes to it.
type Listener struct {
	uri  *url.URL
	opts options
	log  *slog.Logger

	mu       sync.Mutex
	client   paho.Client
	prefix   string
	sessions map[string]*Transport // by client inbox
	accepted chan *Transport
	stopped  chan struct{}
	stopOnce sync.Once
}

var _ transport.Listener = (*Listener)(nil)

// NewListener returns a listener for the broker at uri, an mqtt:// or
// mqtts:// URI whose path is the topic prefix.
func NewListener(uri *url.URL, opts ...Option) *Listener {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{
		uri:      uri,
		opts:     o,
		log:      logging.Component(o.logger, "mqtt-listener"),
		sessions: make(map[string]*Transport),
		accepted: make(chan *Transport, acceptBuffer),
		stopped:  make(chan struct{}),
	}
}

// Start connects to the broker and subscribes to the listen topic.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return errors.New("mqtt: listener already started")
	}

	client, prefix, err := connect(ctx, l.uri, "lime-listener-"+id.Short(), l.opts, func(err error) {
		l.log.Error("broker connection lost", logging.KeyError, err)
		l.closeSessions(fmt.Errorf("mqtt: connection lost: %w", err))
	})
	if err != nil {
		return err
	}

	topic := prefix + "/listen"
	if err := wait(ctx, client.Subscribe(topic, l.opts.qos, l.handle)); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt: subscribing to %s: %w", topic, err)
	}
	l.client = client
	l.prefix = prefix
	l.log.Info("listening", "broker", l.uri.Host, "topic", topic)
	return nil
}

// handle routes a listen-topic frame to its session, opening one for a
// new client inbox.
func (l *Listener) handle(_ paho.Client, msg paho.Message) {
	var f frame
	if err := json.Unmarshal(msg.Payload(), &f); err != nil || f.ReplyTo == "" {
		l.log.Warn("dropping frame without reply topic", "topic", msg.Topic())
		return
	}

	l.mu.Lock()
	t, ok := l.sessions[f.ReplyTo]
	if !ok {
		if f.Closed {
			l.mu.Unlock()
			return
		}
		select {
		case <-l.stopped:
			l.mu.Unlock()
			return
		default:
		}
		t = l.open(f.ReplyTo)
	}
	l.mu.Unlock()

	// The session inbox is now routable, but frames already sent to the
	// listen topic still arrive here.
	t.deliver(f)
	if ok {
		return
	}
	select {
	case l.accepted <- t:
	default:
		l.log.Warn("accept queue full, dropping session", "peer", f.ReplyTo)
		t.shutdown(transport.ErrClosed)
	}
}

// open must be called with l.mu held. It does not wait for the inbox
// subscription; the broker handles it before any reply this client
// publishes afterwards.
func (l *Listener) open(peer string) *Transport {
	client := l.client
	inbox := l.prefix + "/sessions/" + id.UUID()

	var t *Transport
	t = newTransport(client, inbox, peer, l.opts, func() {
		client.Unsubscribe(inbox)
		l.mu.Lock()
		if l.sessions[peer] == t {
			delete(l.sessions, peer)
		}
		l.mu.Unlock()
	})
	l.sessions[peer] = t
	client.Subscribe(inbox, l.opts.qos, t.handle)
	return t
}

func (l *Listener) closeSessions(err error) {
	l.mu.Lock()
	open := make([]*Transport, 0, len(l.sessions))
	for _, t := range l.sessions {
		open = append(open, t)
	}
	l.mu.Unlock()
	for _, t := range open {
		t.shutdown(err)
	}
}

// Accept waits for the next session.
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

// Stop closes every open session and disconnects.
func (l *Listener) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopped)

		l.mu.Lock()
		client := l.client
		open := make([]*Transport, 0, len(l.sessions))
		for _, t := range l.sessions {
			open = append(open, t)
		}
		l.mu.Unlock()

		for _, t := range open {
			if err := t.Close(ctx); err != nil {
				l.log.Debug("closing session", "peer", t.peer, logging.KeyError, err)
			}
		}
		if client != nil {
			client.Disconnect(250)
		}
	})
	return nil
}

// ListenerURIs returns the broker URI without credentials.
func (l *Listener) ListenerURIs() []*url.URL {
	u := *l.uri
	u.User = nil
	return []*url.URL{&u}
}
