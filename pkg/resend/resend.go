package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/metrics"
)

// ResendCountKey is the metadata key holding how many times a message has
// been re-sent.
const ResendCountKey = "#resendCount"

// errorBuffer is the capacity of the Errors channel.
const errorBuffer = 16

// migrationHorizon is far enough in the future to select every entry.
const migrationHorizon = 100 * 365 * 24 * time.Hour

// Module tracks outgoing messages on its bound channel and re-sends the
// unacknowledged ones.
type Module struct {
	window   time.Duration
	maxCount int
	storage  Storage
	keys     KeyProvider
	dead     DeadMessageHandler
	logger   *slog.Logger
	metrics  *metrics.Metrics

	messages      *messageModule
	notifications *notificationModule

	mu         sync.Mutex
	ch         *channel.Channel
	registered bool
	channelKey string
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	errs chan error
}

// New returns an unbound module.
func New(opts ...Option) *Module {
	o := options{
		window:   DefaultWindow,
		maxCount: DefaultMaxResendCount,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.storage == nil {
		o.storage = NewMemoryStorage()
	}
	if o.keys == nil {
		o.keys = IdentityKeys{}
	}
	logger := logging.Component(o.logger, "resend")
	if o.dead == nil {
		o.dead = LoggingDeadMessageHandler{Logger: logger}
	}

	m := &Module{
		window:   o.window,
		maxCount: o.maxCount,
		storage:  o.storage,
		keys:     o.keys,
		dead:     o.dead,
		logger:   logger,
		metrics:  o.metrics,
		errs:     make(chan error, errorBuffer),
	}
	m.messages = &messageModule{m: m}
	m.notifications = &notificationModule{m: m}
	return m
}

// MessageModule returns the module to add to a channel's message
// pipeline when binding without autoRegister.
func (m *Module) MessageModule() channel.Module[*envelope.Message] { return m.messages }

// NotificationModule returns the module to add to a channel's
// notification pipeline when binding without autoRegister.
func (m *Module) NotificationModule() channel.Module[*envelope.Notification] {
	return m.notifications
}

// Errors reports failed re-sends and storage errors from the background
// loop. Errors are dropped when nobody drains the channel.
func (m *Module) Errors() <-chan error { return m.errs }

// Bind attaches the module to ch. With autoRegister the module adds itself
// to the channel's message and notification pipelines. Entries stored
// under a previous binding move to ch when its channel key differs, and
// are re-sent on ch once the session is established.
func (m *Module) Bind(ch *channel.Channel, autoRegister bool) error {
	const op = "resend bind"
	if ch == nil {
		return &channel.Error{Kind: channel.KindValidation, Op: op, Err: errors.New("channel is nil")}
	}

	m.mu.Lock()
	if m.ch != nil {
		m.mu.Unlock()
		return &channel.Error{Kind: channel.KindInvalidState, Op: op, Err: channel.ErrModuleAlreadyBound}
	}
	m.ch = ch
	m.registered = autoRegister
	m.mu.Unlock()

	if autoRegister {
		ch.MessageModules().Add(m.messages)
		ch.NotificationModules().Add(m.notifications)
	}
	if ch.State() == envelope.SessionStateEstablished {
		m.start(ch)
	}
	return nil
}

// Unbind detaches the module from its channel and stops the loop. Pending
// entries stay in storage.
func (m *Module) Unbind() error {
	m.mu.Lock()
	ch := m.ch
	if ch == nil {
		m.mu.Unlock()
		return &channel.Error{Kind: channel.KindInvalidState, Op: "resend unbind", Err: channel.ErrModuleNotBound}
	}
	m.ch = nil
	registered := m.registered
	m.registered = false
	done := m.stopLocked()
	m.mu.Unlock()

	if registered {
		ch.MessageModules().Remove(m.messages)
		ch.NotificationModules().Remove(m.notifications)
	}
	if done != nil {
		<-done
	}
	return nil
}

// Close unbinds the module if it is bound.
func (m *Module) Close() error {
	err := m.Unbind()
	if errors.Is(err, channel.ErrModuleNotBound) {
		return nil
	}
	return err
}

func (m *Module) bound() *channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

// track stores an outgoing message until it is acknowledged.
func (m *Module) track(ctx context.Context, msg *envelope.Message) {
	ch := m.bound()
	if ch == nil || msg.ID == "" {
		return
	}
	info := ch.Info()
	channelKey := m.keys.ChannelKey(info)
	messageKey := m.keys.MessageKey(msg, info)
	deadline := time.Now().Add(m.window * time.Duration(resendCount(msg)+1))

	if err := m.storage.Add(ctx, channelKey, messageKey, msg, deadline); err != nil {
		m.report(fmt.Errorf("resend: storing message %s: %w", msg.ID, err))
	}
}

// acknowledge removes the message a received notification refers to.
func (m *Module) acknowledge(ctx context.Context, n *envelope.Notification) {
	ch := m.bound()
	if ch == nil || n.ID == "" {
		return
	}
	info := ch.Info()
	removed, err := m.storage.Remove(ctx, m.keys.ChannelKey(info), m.keys.NotificationKey(n, info))
	if err != nil {
		m.report(fmt.Errorf("resend: removing message %s: %w", n.ID, err))
		return
	}
	if removed != nil {
		m.logger.Debug("message acknowledged", logging.KeyEnvelopeID, n.ID, "event", n.Event)
	}
}

func (m *Module) stateChanged(state envelope.SessionState) {
	ch := m.bound()
	if ch == nil {
		return
	}
	switch {
	case state == envelope.SessionStateEstablished:
		m.start(ch)
	case state.Step() > envelope.SessionStateEstablished.Step():
		m.mu.Lock()
		m.stopLocked()
		m.mu.Unlock()
	}
}

// start moves entries left by a previous binding to ch's key and starts
// the loop for ch.
func (m *Module) start(ch *channel.Channel) {
	channelKey := m.keys.ChannelKey(ch.Info())

	m.mu.Lock()
	if m.ch != ch || m.loopCancel != nil {
		m.mu.Unlock()
		return
	}
	previous := m.channelKey
	m.channelKey = channelKey
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel, m.loopDone = cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		if previous != "" && previous != channelKey {
			m.migrate(ctx, previous, channelKey)
		}
		m.run(ctx, ch, channelKey)
	}()
}

// stopLocked cancels the loop and returns a channel closed when it exits.
// It does not wait, since it may be called from the loop's own send path.
func (m *Module) stopLocked() chan struct{} {
	if m.loopCancel == nil {
		return nil
	}
	m.loopCancel()
	done := m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	return done
}

func (m *Module) migrate(ctx context.Context, from, to string) {
	keys, err := m.storage.GetExpiredKeys(ctx, from, time.Now().Add(migrationHorizon))
	if err != nil {
		m.report(fmt.Errorf("resend: listing messages to migrate: %w", err))
		return
	}
	now := time.Now()
	for _, key := range keys {
		msg, err := m.storage.Remove(ctx, from, key)
		if err != nil {
			m.report(fmt.Errorf("resend: migrating %s: %w", key, err))
			continue
		}
		if msg == nil {
			continue
		}
		if err := m.storage.Add(ctx, to, key, msg, now); err != nil {
			m.report(fmt.Errorf("resend: migrating %s: %w", key, err))
		}
	}
	if len(keys) > 0 {
		m.logger.Info("pending messages moved to new channel", "count", len(keys))
	}
}

func (m *Module) run(ctx context.Context, ch *channel.Channel, channelKey string) {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Done():
			return
		case <-ticker.C:
			if !m.resendExpired(ctx, ch, channelKey) {
				return
			}
		}
	}
}

// resendExpired handles every expired entry once. It returns false when
// the channel can no longer send.
func (m *Module) resendExpired(ctx context.Context, ch *channel.Channel, channelKey string) bool {
	keys, err := m.storage.GetExpiredKeys(ctx, channelKey, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			m.report(fmt.Errorf("resend: listing expired messages: %w", err))
		}
		return ctx.Err() == nil
	}

	info := ch.Info()
	for _, key := range keys {
		if ctx.Err() != nil {
			return false
		}
		msg, err := m.storage.Remove(ctx, channelKey, key)
		if err != nil {
			m.report(fmt.Errorf("resend: removing %s: %w", key, err))
			continue
		}
		if msg == nil {
			continue
		}

		count := resendCount(msg)
		if count >= m.maxCount {
			m.deadLetter(ctx, channelKey, key, msg, info)
			continue
		}

		count++
		msg.SetMetadata(ResendCountKey, strconv.Itoa(count))
		deadline := time.Now().Add(m.window * time.Duration(count+1))
		if err := m.storage.Add(ctx, channelKey, key, msg, deadline); err != nil {
			m.report(fmt.Errorf("resend: storing %s: %w", key, err))
		}

		m.logger.Warn("re-sending unacknowledged message", logging.KeyEnvelopeID, msg.ID, "attempt", count)
		m.metrics.Resend()
		if err := ch.SendMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return false
			}
			if addErr := m.storage.Add(context.WithoutCancel(ctx), channelKey, key, msg, time.Now()); addErr != nil {
				err = errors.Join(err, addErr)
			}
			m.report(fmt.Errorf("resend: re-sending %s: %w", msg.ID, err))
			if !ch.IsEstablished() {
				m.logger.Info("channel no longer established, stopping resend loop")
				return false
			}
		}
	}
	return true
}

func (m *Module) deadLetter(ctx context.Context, channelKey, key string, msg *envelope.Message, info channel.Info) {
	if err := m.storage.AddDead(ctx, channelKey, key, msg); err != nil {
		m.report(fmt.Errorf("resend: storing dead message %s: %w", msg.ID, err))
	}
	m.metrics.DeadMessage()
	if err := m.dead.Handle(ctx, msg, info); err != nil {
		m.report(fmt.Errorf("resend: dead message handler for %s: %w", msg.ID, err))
	}
}

func (m *Module) report(err error) {
	m.logger.Warn("resend error", logging.KeyError, err)
	select {
	case m.errs <- err:
	default:
	}
}

func resendCount(msg *envelope.Message) int {
	v, ok := msg.GetMetadata(ResendCountKey)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// messageModule tracks outgoing messages and follows the session state.
type messageModule struct {
	m *Module
}

func (mm *messageModule) OnSending(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	mm.m.track(ctx, msg)
	return msg, nil
}

func (mm *messageModule) OnReceiving(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
	return msg, nil
}

func (mm *messageModule) OnStateChanged(_ context.Context, state envelope.SessionState) {
	mm.m.stateChanged(state)
}

// notificationModule treats every correlated notification as an
// acknowledgment.
type notificationModule struct {
	m *Module
}

func (nm *notificationModule) OnSending(_ context.Context, n *envelope.Notification) (*envelope.Notification, error) {
	return n, nil
}

func (nm *notificationModule) OnReceiving(ctx context.Context, n *envelope.Notification) (*envelope.Notification, error) {
	nm.m.acknowledge(ctx, n)
	return n, nil
}

func (nm *notificationModule) OnStateChanged(context.Context, envelope.SessionState) {}
