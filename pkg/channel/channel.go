package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/lime/internal/id"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/metrics"
	"github.com/getmockd/lime/pkg/transport"
)

// Role tells whether a channel initiated the session or accepted it.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Info is a snapshot of a channel's identity and state.
type Info struct {
	SessionID  string
	State      envelope.SessionState
	Role       Role
	LocalNode  *envelope.Node
	RemoteNode *envelope.Node
}

// Channel runs a LIME session over a transport it exclusively owns.
//
// Sends are serialized: at most one envelope is written at a time, in
// submission order. Once the session is established a single consumer
// goroutine reads the transport, runs the receive pipelines and queues
// envelopes for the Receive* methods.
type Channel struct {
	transport transport.Transport
	role      Role
	opts      options
	logger    atomic.Pointer[slog.Logger]
	metrics   *metrics.Metrics

	mu              sync.RWMutex
	state           envelope.SessionState
	sessionID       string
	pendingID       string
	localNode       *envelope.Node
	remoteNode      *envelope.Node
	consumerStarted bool
	failErr         error

	// sessionMu serializes session operations so that the state check and
	// the exchange that follows are atomic for callers.
	sessionMu sync.Mutex
	sendSem   chan struct{}

	messageModules      ModuleList[*envelope.Message]
	notificationModules ModuleList[*envelope.Notification]
	commandModules      ModuleList[*envelope.Command]

	pending     *PendingCommands
	ownsPending bool

	messages      chan *envelope.Message
	notifications chan *envelope.Notification
	commands      chan *envelope.Command
	sessions      chan *envelope.Session

	// finishing is closed once this side has asked to end the session.
	finishing     chan struct{}
	finishingOnce sync.Once

	lastSeen atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	doneOnce  sync.Once
}

// NewClient returns a client channel in state New. Its session id and
// nodes are assigned when the session is established.
func NewClient(t transport.Transport, opts ...Option) *Channel {
	return newChannel(t, RoleClient, opts)
}

// NewServer returns a server channel in state New with its session id
// already assigned.
func NewServer(t transport.Transport, opts ...Option) *Channel {
	c := newChannel(t, RoleServer, opts)
	c.sessionID = c.opts.sessionID
	if c.sessionID == "" {
		c.sessionID = id.Session()
	}
	c.logger.Store(c.log().With(logging.KeySessionID, c.sessionID))
	return c
}

func newChannel(t transport.Transport, role Role, opts []Option) *Channel {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Channel{
		transport:     t,
		role:          role,
		opts:          o,
		metrics:       o.metrics,
		state:         envelope.SessionStateNew,
		localNode:     o.localNode,
		sendSem:       make(chan struct{}, 1),
		pending:       o.pending,
		messages:      make(chan *envelope.Message, o.bufferSize),
		notifications: make(chan *envelope.Notification, o.bufferSize),
		commands:      make(chan *envelope.Command, o.bufferSize),
		sessions:      make(chan *envelope.Session, 2),
		finishing:     make(chan struct{}),
		done:          make(chan struct{}),
	}
	if c.pending == nil {
		c.pending = NewPendingCommands(o.metrics)
		c.ownsPending = true
	}
	c.logger.Store(logging.Component(o.logger, "channel").With("role", role.String()))
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.touch()

	if o.autoReplyPings {
		c.commandModules.Add(NewReplyPingModule(c))
	}
	return c
}

// State returns the current session state.
func (c *Channel) State() envelope.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the session id, or "" for a client channel that is
// not yet established.
func (c *Channel) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// LocalNode returns a copy of the local node, or nil.
func (c *Channel) LocalNode() *envelope.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localNode.Clone()
}

// RemoteNode returns a copy of the remote node, or nil.
func (c *Channel) RemoteNode() *envelope.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteNode.Clone()
}

// Info returns a snapshot of the channel.
func (c *Channel) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		SessionID:  c.sessionID,
		State:      c.state,
		Role:       c.role,
		LocalNode:  c.localNode.Clone(),
		RemoteNode: c.remoteNode.Clone(),
	}
}

// Role returns whether the channel is a client or a server.
func (c *Channel) Role() Role { return c.role }

// Transport returns the underlying transport.
func (c *Channel) Transport() transport.Transport { return c.transport }

// Logger returns the channel's logger, for modules that want to log with
// the channel's attributes.
func (c *Channel) Logger() *slog.Logger { return c.log() }

func (c *Channel) log() *slog.Logger { return c.logger.Load() }

// MessageModules returns the message pipeline.
func (c *Channel) MessageModules() *ModuleList[*envelope.Message] { return &c.messageModules }

// NotificationModules returns the notification pipeline.
func (c *Channel) NotificationModules() *ModuleList[*envelope.Notification] {
	return &c.notificationModules
}

// CommandModules returns the command pipeline.
func (c *Channel) CommandModules() *ModuleList[*envelope.Command] { return &c.commandModules }

// PendingCommands returns the correlation table used by ProcessCommand.
func (c *Channel) PendingCommands() *PendingCommands { return c.pending }

// Done is closed when the channel is torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the transport error that failed the channel, if any.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failErr
}

// IsEstablished reports whether envelopes other than sessions can be sent.
func (c *Channel) IsEstablished() bool {
	return c.State() == envelope.SessionStateEstablished && c.transport.IsConnected()
}

// SendMessage runs m through the message pipeline and writes it.
// A module may drop it, in which case nothing is sent and nil is returned.
func (c *Channel) SendMessage(ctx context.Context, m *envelope.Message) error {
	const op = "send message"
	if m == nil {
		return validation(op, "message is nil")
	}
	if err := c.requireState(op, envelope.SessionStateEstablished); err != nil {
		return err
	}
	out, err := c.messageModules.sending(ctx, m)
	if err != nil {
		return moduleErr(op, err)
	}
	if out == nil {
		return nil
	}
	return c.write(ctx, op, out)
}

// SendNotification runs n through the notification pipeline and writes it.
func (c *Channel) SendNotification(ctx context.Context, n *envelope.Notification) error {
	const op = "send notification"
	if n == nil {
		return validation(op, "notification is nil")
	}
	if err := c.requireState(op, envelope.SessionStateEstablished); err != nil {
		return err
	}
	out, err := c.notificationModules.sending(ctx, n)
	if err != nil {
		return moduleErr(op, err)
	}
	if out == nil {
		return nil
	}
	return c.write(ctx, op, out)
}

// SendCommand runs cmd through the command pipeline and writes it. It does
// not wait for a response; see ProcessCommand.
func (c *Channel) SendCommand(ctx context.Context, cmd *envelope.Command) error {
	_, err := c.sendCommand(ctx, "send command", cmd)
	return err
}

// SendRequest writes cmd like SendCommand but returns ErrEnvelopeDropped
// when a module drops it. It is meant for callers that registered cmd.ID
// in a shared PendingCommands table themselves.
func (c *Channel) SendRequest(ctx context.Context, cmd *envelope.Command) error {
	const op = "send request"
	sent, err := c.sendCommand(ctx, op, cmd)
	if err == nil && !sent {
		err = &Error{Kind: KindValidation, Op: op, Err: ErrEnvelopeDropped}
	}
	return err
}

func (c *Channel) sendCommand(ctx context.Context, op string, cmd *envelope.Command) (bool, error) {
	if cmd == nil {
		return false, validation(op, "command is nil")
	}
	if err := c.requireState(op, envelope.SessionStateEstablished); err != nil {
		return false, err
	}
	out, err := c.commandModules.sending(ctx, cmd)
	if err != nil {
		return false, moduleErr(op, err)
	}
	if out == nil {
		return false, nil
	}
	return true, c.write(ctx, op, out)
}

// ReceiveMessage returns the next message that passed the receive
// pipeline.
func (c *Channel) ReceiveMessage(ctx context.Context) (*envelope.Message, error) {
	return receive(ctx, c, "receive message", c.messages)
}

// ReceiveNotification returns the next notification that passed the
// receive pipeline.
func (c *Channel) ReceiveNotification(ctx context.Context) (*envelope.Notification, error) {
	return receive(ctx, c, "receive notification", c.notifications)
}

// ReceiveCommand returns the next command that is not a response to a
// pending ProcessCommand call.
func (c *Channel) ReceiveCommand(ctx context.Context) (*envelope.Command, error) {
	return receive(ctx, c, "receive command", c.commands)
}

func receive[T any](ctx context.Context, c *Channel, op string, queue chan T) (T, error) {
	var zero T

	c.mu.RLock()
	started, state := c.consumerStarted, c.state
	c.mu.RUnlock()
	if !started {
		return zero, invalidState(op, "session is %s", state)
	}

	select {
	case v := <-queue:
		return v, nil
	case <-ctx.Done():
		return zero, cancelled(op, ctx.Err())
	case <-c.done:
		select {
		case v := <-queue:
			return v, nil
		default:
			return zero, c.closedErr(op)
		}
	}
}

// ProcessCommand sends req and waits for the response carrying the same
// id. Without a deadline on ctx the channel's command timeout applies.
func (c *Channel) ProcessCommand(ctx context.Context, req *envelope.Command) (*envelope.Command, error) {
	const op = "process command"
	if req == nil {
		return nil, validation(op, "command is nil")
	}
	if req.ID == "" {
		return nil, validation(op, "command id is required")
	}
	if req.Status != "" {
		return nil, validation(op, "command %s is a response", req.ID)
	}
	if err := c.requireState(op, envelope.SessionStateEstablished); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.commandTimeout)
		defer cancel()
	}

	waiter, err := c.pending.Register(req.ID)
	if err != nil {
		if errors.Is(err, ErrDuplicateCommandID) {
			return nil, &Error{Kind: KindValidation, Op: op, Err: err}
		}
		return nil, c.closedErr(op)
	}

	sent, err := c.sendCommand(ctx, op, req)
	if err != nil || !sent {
		c.pending.Remove(req.ID)
		if err == nil {
			err = &Error{Kind: KindValidation, Op: op, Err: ErrEnvelopeDropped}
		}
		return nil, err
	}

	return AwaitResponse(ctx, c.pending, req.ID, waiter, c.done, func() error { return c.closedErr(op) })
}

// AwaitResponse waits on a waiter obtained from pending.Register. On
// cancellation, or when done closes first, the waiter is removed so that
// id is released exactly once. closed builds the error returned when the
// table or the owner shut down.
func AwaitResponse(
	ctx context.Context,
	pending *PendingCommands,
	id string,
	waiter <-chan *envelope.Command,
	done <-chan struct{},
	closed func() error,
) (*envelope.Command, error) {
	const op = "process command"
	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, closed()
		}
		return resp, nil
	case <-ctx.Done():
		if !pending.Remove(id) {
			if resp, ok := <-waiter; ok {
				return resp, nil
			}
		}
		return nil, cancelled(op, ctx.Err())
	case <-done:
		if !pending.Remove(id) {
			if resp, ok := <-waiter; ok {
				return resp, nil
			}
		}
		return nil, closed()
	}
}

// Close tears the channel down without finishing the session and waits
// for its goroutines. The session state is left as it was.
func (c *Channel) Close(ctx context.Context) error {
	c.teardown()

	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return cancelled("close", ctx.Err())
	}
}

func (c *Channel) requireState(op string, allowed ...envelope.SessionState) error {
	state := c.State()
	for _, s := range allowed {
		if state == s {
			return nil
		}
	}
	return invalidState(op, "session is %s", state)
}

// write serializes access to the transport and applies the send timeout.
func (c *Channel) write(ctx context.Context, op string, e envelope.Envelope) error {
	select {
	case c.sendSem <- struct{}{}:
	case <-ctx.Done():
		return cancelled(op, ctx.Err())
	case <-c.done:
		return c.closedErr(op)
	}
	defer func() { <-c.sendSem }()

	c.fillPp(e)

	sendCtx, cancel := context.WithTimeout(ctx, c.opts.sendTimeout)
	defer cancel()

	if err := c.transport.Send(sendCtx, e); err != nil {
		if ctx.Err() != nil || isContextErr(err) {
			return cancelled(op, err)
		}
		c.log().Error("send failed", logging.KeyKind, envelope.KindOf(e), logging.KeyError, err)
		c.fail(err)
		return transportFailure(op, err)
	}

	c.metrics.EnvelopeSent(envelope.KindOf(e))
	c.log().Debug("envelope sent",
		logging.KeyKind, envelope.KindOf(e),
		logging.KeyEnvelopeID, e.EnvelopeHeader().ID,
	)
	return nil
}

// fillPp routes responses back through this node when sending on behalf
// of another originator.
func (c *Channel) fillPp(e envelope.Envelope) {
	local := c.LocalNode()
	if local == nil {
		return
	}
	h := e.EnvelopeHeader()
	switch {
	case h.Pp == nil:
		if h.From != nil && !h.From.Equal(local) {
			h.Pp = local
		}
	case h.Pp.Domain == "":
		h.Pp.Domain = local.Domain
	}
}

// read takes one envelope from the transport before the consumer runs.
func (c *Channel) read(ctx context.Context, op string) (envelope.Envelope, error) {
	e, err := c.transport.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil || isContextErr(err) {
			return nil, cancelled(op, err)
		}
		c.log().Error("receive failed", logging.KeyError, err)
		c.fail(err)
		return nil, transportFailure(op, err)
	}
	c.touch()
	c.metrics.EnvelopeReceived(envelope.KindOf(e))
	return e, nil
}

func (c *Channel) consume() {
	defer c.wg.Done()
	ctx := c.runCtx

	for {
		e, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || c.State().IsTerminal() {
				return
			}
			c.log().Error("receive failed", logging.KeyError, err)
			c.fail(err)
			return
		}
		c.touch()
		c.metrics.EnvelopeReceived(envelope.KindOf(e))
		c.log().Debug("envelope received",
			logging.KeyKind, envelope.KindOf(e),
			logging.KeyEnvelopeID, e.EnvelopeHeader().ID,
		)

		if !c.dispatch(ctx, e) {
			return
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, e envelope.Envelope) bool {
	switch v := e.(type) {
	case *envelope.Message:
		m, err := c.messageModules.receiving(ctx, v)
		if err != nil {
			c.log().Warn("message module failed", logging.KeyEnvelopeID, v.ID, logging.KeyError, err)
			return true
		}
		if m == nil {
			return true
		}
		return deliver(ctx, c, c.messages, m)

	case *envelope.Notification:
		n, err := c.notificationModules.receiving(ctx, v)
		if err != nil {
			c.log().Warn("notification module failed", logging.KeyEnvelopeID, v.ID, logging.KeyError, err)
			return true
		}
		if n == nil {
			return true
		}
		return deliver(ctx, c, c.notifications, n)

	case *envelope.Command:
		cmd, err := c.commandModules.receiving(ctx, v)
		if err != nil {
			c.log().Warn("command module failed", logging.KeyEnvelopeID, v.ID, logging.KeyError, err)
			return true
		}
		if cmd == nil {
			return true
		}
		if cmd.IsResponse() && c.pending.Resolve(cmd) {
			return true
		}
		return deliver(ctx, c, c.commands, cmd)

	case *envelope.Session:
		return c.sessionReceived(v)
	}
	return true
}

// deliver queues v for the receive operations. Once the session is
// finishing, envelopes that do not fit are dropped so that the consumer
// still reads the finished reply.
func deliver[T envelope.Envelope](ctx context.Context, c *Channel, queue chan T, v T) bool {
	select {
	case queue <- v:
		return true
	case <-ctx.Done():
		return false
	case <-c.finishing:
	}

	select {
	case queue <- v:
	default:
		c.metrics.EnvelopeDropped(envelope.KindOf(v))
		c.log().Warn("dropping envelope while finishing, receive queue is full",
			logging.KeyKind, envelope.KindOf(v),
			logging.KeyEnvelopeID, v.EnvelopeHeader().ID,
		)
	}
	return true
}

func (c *Channel) markFinishing() {
	c.finishingOnce.Do(func() { close(c.finishing) })
}

// sessionReceived handles session envelopes after establishment.
func (c *Channel) sessionReceived(s *envelope.Session) bool {
	switch s.State {
	case envelope.SessionStateFinishing, envelope.SessionStateFinished, envelope.SessionStateFailed:
		if err := c.setState("receive session", s.State, s); err != nil {
			c.log().Warn("ignoring session envelope", logging.KeyState, s.State, logging.KeyError, err)
			return true
		}
		return !s.State.IsTerminal()
	default:
		c.log().Warn("unexpected session envelope", logging.KeyState, s.State)
		return true
	}
}

// setState moves the session to next and notifies the modules. received
// is queued for ReceiveFinishingSession and ReceiveFinishedSession in the
// same critical section. Reaching a terminal state tears the channel down.
func (c *Channel) setState(op string, next envelope.SessionState, received *envelope.Session) error {
	c.mu.Lock()
	cur := c.state
	if cur == next {
		c.mu.Unlock()
		return nil
	}
	if !cur.CanTransitionTo(next) {
		c.mu.Unlock()
		return invalidState(op, "cannot move session from %s to %s", cur, next)
	}
	c.state = next
	if received != nil && c.consumerStarted {
		select {
		case c.sessions <- received:
		default:
		}
	}
	start := next == envelope.SessionStateEstablished && !c.consumerStarted
	if start {
		c.consumerStarted = true
		c.logger.Store(c.log().With(
			logging.KeySessionID, c.sessionID,
			logging.KeyLocalNode, c.localNode.String(),
			logging.KeyRemoteNode, c.remoteNode.String(),
		))
	}
	c.mu.Unlock()

	c.log().Info("session state changed", "from", cur, logging.KeyState, next)
	c.metrics.SessionTransition(string(next))

	if start {
		c.wg.Add(1)
		go c.consume()
		if c.opts.remotePingInterval > 0 || c.opts.remoteIdleTimeout > 0 {
			c.wg.Add(1)
			go c.watch()
		}
	}

	c.messageModules.stateChanged(c.runCtx, next)
	c.notificationModules.stateChanged(c.runCtx, next)
	c.commandModules.stateChanged(c.runCtx, next)

	if next.IsTerminal() {
		c.teardown()
	}
	return nil
}

// fail records cause, moves the session to Failed and closes the
// transport.
func (c *Channel) fail(cause error) {
	c.mu.Lock()
	if c.failErr == nil {
		c.failErr = cause
	}
	terminal := c.state.IsTerminal()
	c.mu.Unlock()

	if !terminal {
		_ = c.setState("fail", envelope.SessionStateFailed, nil)
	}
	c.teardown()
}

func (c *Channel) teardown() {
	c.doneOnce.Do(func() {
		c.runCancel()
		close(c.done)
		if c.ownsPending {
			c.pending.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.sendTimeout)
		defer cancel()
		if err := c.transport.Close(ctx); err != nil {
			c.log().Debug("closing transport", logging.KeyError, err)
		}
	})
}

func (c *Channel) closedErr(op string) error {
	if err := c.Err(); err != nil {
		return transportFailure(op, err)
	}
	return &Error{Kind: KindInvalidState, Op: op, Err: ErrChannelClosed}
}

func (c *Channel) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Channel) quietFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

func moduleErr(op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if isContextErr(err) {
		return cancelled(op, err)
	}
	return &Error{Kind: KindValidation, Op: op, Err: err}
}
