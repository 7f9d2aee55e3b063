package mqtt

import (
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/getmockd/lime/pkg/logging"
)

// Broker is an embedded MQTT broker for deployments without one.
type Broker struct {
	addr      string
	tlsConfig *tls.Config
	users     map[string]string
	log       *slog.Logger

	mu      sync.Mutex
	server  *mochi.Server
	running bool
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerTLS serves mqtts with c.
func WithBrokerTLS(c *tls.Config) BrokerOption {
	return func(b *Broker) { b.tlsConfig = c }
}

// WithUsers requires clients to connect with one of the username and
// password pairs.
func WithUsers(users map[string]string) BrokerOption {
	return func(b *Broker) { b.users = users }
}

// WithBrokerLogger sets the logger.
func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBroker returns a broker that will listen on addr.
func NewBroker(addr string, opts ...BrokerOption) *Broker {
	b := &Broker{addr: addr, log: logging.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.Component(b.log, "mqtt-broker")
	return b
}

// Start binds the address and serves in the background.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("mqtt: broker already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       b.log,
	})

	if len(b.users) > 0 {
		if err := server.AddHook(&usersHook{users: b.users}, nil); err != nil {
			return fmt.Errorf("mqtt: adding auth hook: %w", err)
		}
	} else if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("mqtt: adding allow hook: %w", err)
	}

	listener := listeners.NewTCP(listeners.Config{
		ID:        "lime-" + b.addr,
		Address:   b.addr,
		TLSConfig: b.tlsConfig,
	})
	if err := server.AddListener(listener); err != nil {
		return fmt.Errorf("mqtt: adding listener: %w", err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			b.log.Error("broker stopped", logging.KeyError, err)
		}
	}()

	b.server = server
	b.running = true
	b.log.Info("broker listening", "addr", b.addr, "tls", b.tlsConfig != nil, "auth", len(b.users) > 0)
	return nil
}

// Stop closes the broker and disconnects every client.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	server := b.server
	b.running = false
	b.server = nil
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- server.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("mqtt: broker shutdown: %w", ctx.Err())
	}
}

// Addr returns the configured address.
func (b *Broker) Addr() string { return b.addr }

// shutdownTimeout bounds Stop when called without a deadline.
const shutdownTimeout = 5 * time.Second

// Close stops the broker with a default timeout.
func (b *Broker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.Stop(ctx)
}

type usersHook struct {
	mochi.HookBase
	users map[string]string
}

func (h *usersHook) ID() string { return "lime-users" }

func (h *usersHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
	}, []byte{b})
}

func (h *usersHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	username := string(cl.Properties.Username)
	password := []byte(pk.Connect.Password)

	ok := false
	for user, pass := range h.users {
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(pass), password) == 1
		if userMatch && passMatch {
			ok = true
		}
	}
	return ok
}

// OnACLCheck admits authenticated clients to every topic.
func (h *usersHook) OnACLCheck(*mochi.Client, string, bool) bool {
	return true
}
