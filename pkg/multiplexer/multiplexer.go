package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
)

// ChannelFactory builds established client channels. *client.Builder
// implements it.
type ChannelFactory interface {
	Build(ctx context.Context, opts ...channel.Option) (*channel.Channel, error)
}

// FactoryFunc adapts a function to ChannelFactory.
type FactoryFunc func(ctx context.Context, opts ...channel.Option) (*channel.Channel, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, opts ...channel.Option) (*channel.Channel, error) {
	return f(ctx, opts...)
}

type slot struct {
	index int

	// mu serializes builds of this slot.
	mu   sync.Mutex
	ch   atomic.Pointer[channel.Channel]
	load atomic.Int64
}

func (s *slot) established() *channel.Channel {
	if ch := s.ch.Load(); ch != nil && ch.IsEstablished() {
		return ch
	}
	return nil
}

func (s *slot) release() { s.load.Add(-1) }

// Multiplexer spreads traffic over a fixed number of channels.
type Multiplexer struct {
	factory ChannelFactory
	opts    options
	logger  *slog.Logger
	pending *channel.PendingCommands
	slots   []*slot
	next    atomic.Uint64

	messages      chan *envelope.Message
	notifications chan *envelope.Notification
	commands      chan *envelope.Command

	// building is cancelled before the pooled sessions are finished so
	// that their end does not trigger a rebuild. ctx, which the pumps run
	// on, is cancelled once they have finished.
	building     context.Context
	stopBuilding context.CancelFunc
	ctx          context.Context
	cancel       context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns a multiplexer with size slots. No channel is built until
// Start or the first send.
func New(factory ChannelFactory, size int, opts ...Option) (*Multiplexer, error) {
	if factory == nil {
		return nil, errors.New("multiplexer: channel factory is required")
	}
	if size < 1 {
		return nil, fmt.Errorf("multiplexer: size must be at least 1, got %d", size)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &Multiplexer{
		factory:       factory,
		opts:          o,
		logger:        logging.Component(o.logger, "multiplexer"),
		pending:       channel.NewPendingCommands(o.metrics),
		slots:         make([]*slot, size),
		messages:      make(chan *envelope.Message, o.bufferSize),
		notifications: make(chan *envelope.Notification, o.bufferSize),
		commands:      make(chan *envelope.Command, o.bufferSize),
	}
	for i := range m.slots {
		m.slots[i] = &slot{index: i}
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.building, m.stopBuilding = context.WithCancel(m.ctx)
	return m, nil
}

// Size returns the number of slots.
func (m *Multiplexer) Size() int { return len(m.slots) }

// Strategy returns the slot selection strategy.
func (m *Multiplexer) Strategy() Strategy { return m.opts.strategy }

// PendingCommands returns the correlation table shared by every slot.
func (m *Multiplexer) PendingCommands() *channel.PendingCommands { return m.pending }

// Start builds every slot in parallel and returns the first error.
// Slots that were built stay in the pool.
func (m *Multiplexer) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.slots {
		g.Go(func() error {
			_, err := m.acquire(gctx, s)
			return err
		})
	}
	return g.Wait()
}

// Channels returns the established channels, in slot order.
func (m *Multiplexer) Channels() []*channel.Channel {
	out := make([]*channel.Channel, 0, len(m.slots))
	for _, s := range m.slots {
		if ch := s.established(); ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

// Healthy returns the number of established channels.
func (m *Multiplexer) Healthy() int { return len(m.Channels()) }

// LocalNode returns the local node of the first established channel.
func (m *Multiplexer) LocalNode() *envelope.Node {
	if chs := m.Channels(); len(chs) > 0 {
		return chs[0].LocalNode()
	}
	return nil
}

// RemoteNode returns the remote node of the first established channel.
func (m *Multiplexer) RemoteNode() *envelope.Node {
	if chs := m.Channels(); len(chs) > 0 {
		return chs[0].RemoteNode()
	}
	return nil
}

// SendMessage sends msg on one of the pooled channels.
func (m *Multiplexer) SendMessage(ctx context.Context, msg *envelope.Message) error {
	if msg == nil {
		return &channel.Error{Kind: channel.KindValidation, Op: "send message", Err: errors.New("message is nil")}
	}
	s, err := m.send(ctx, "send message", func(ctx context.Context, ch *channel.Channel) error {
		return ch.SendMessage(ctx, msg)
	})
	if err != nil {
		return err
	}
	s.release()
	return nil
}

// SendNotification sends n on one of the pooled channels.
func (m *Multiplexer) SendNotification(ctx context.Context, n *envelope.Notification) error {
	if n == nil {
		return &channel.Error{Kind: channel.KindValidation, Op: "send notification", Err: errors.New("notification is nil")}
	}
	s, err := m.send(ctx, "send notification", func(ctx context.Context, ch *channel.Channel) error {
		return ch.SendNotification(ctx, n)
	})
	if err != nil {
		return err
	}
	s.release()
	return nil
}

// SendCommand sends cmd on one of the pooled channels without waiting
// for a response.
func (m *Multiplexer) SendCommand(ctx context.Context, cmd *envelope.Command) error {
	if cmd == nil {
		return &channel.Error{Kind: channel.KindValidation, Op: "send command", Err: errors.New("command is nil")}
	}
	s, err := m.send(ctx, "send command", func(ctx context.Context, ch *channel.Channel) error {
		return ch.SendCommand(ctx, cmd)
	})
	if err != nil {
		return err
	}
	s.release()
	return nil
}

// ProcessCommand sends req and waits for the response with the same id,
// whichever pooled channel it arrives on. Without a deadline on ctx the
// command timeout applies.
func (m *Multiplexer) ProcessCommand(ctx context.Context, req *envelope.Command) (*envelope.Command, error) {
	const op = "process command"
	switch {
	case req == nil:
		return nil, &channel.Error{Kind: channel.KindValidation, Op: op, Err: errors.New("command is nil")}
	case req.ID == "":
		return nil, &channel.Error{Kind: channel.KindValidation, Op: op, Err: errors.New("command id is required")}
	case req.Status != "":
		return nil, &channel.Error{Kind: channel.KindValidation, Op: op, Err: fmt.Errorf("command %s is a response", req.ID)}
	}
	if m.closed() {
		return nil, m.closedErr(op)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.commandTimeout)
		defer cancel()
	}

	waiter, err := m.pending.Register(req.ID)
	if err != nil {
		if errors.Is(err, channel.ErrDuplicateCommandID) {
			return nil, &channel.Error{Kind: channel.KindValidation, Op: op, Err: err}
		}
		return nil, m.closedErr(op)
	}

	s, err := m.send(ctx, op, func(ctx context.Context, ch *channel.Channel) error {
		return ch.SendRequest(ctx, req)
	})
	if err != nil {
		m.pending.Remove(req.ID)
		return nil, err
	}
	defer s.release()

	return channel.AwaitResponse(ctx, m.pending, req.ID, waiter, m.ctx.Done(), func() error { return m.closedErr(op) })
}

// ReceiveMessage returns the next message received on any pooled channel.
func (m *Multiplexer) ReceiveMessage(ctx context.Context) (*envelope.Message, error) {
	return receive(ctx, m, "receive message", m.messages)
}

// ReceiveNotification returns the next notification received on any
// pooled channel.
func (m *Multiplexer) ReceiveNotification(ctx context.Context) (*envelope.Notification, error) {
	return receive(ctx, m, "receive notification", m.notifications)
}

// ReceiveCommand returns the next command received on any pooled channel
// that is not a response to ProcessCommand.
func (m *Multiplexer) ReceiveCommand(ctx context.Context) (*envelope.Command, error) {
	return receive(ctx, m, "receive command", m.commands)
}

// Close stops rebuilding, finishes the sessions of the pooled channels and
// waits for the pumps to exit. The pumps keep running until every session
// has finished. Commands still waiting fail.
func (m *Multiplexer) Close(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	m.closeOnce.Do(func() {
		m.stopBuilding()

		var wg sync.WaitGroup
		for _, s := range m.slots {
			s.mu.Lock()
			ch := s.ch.Swap(nil)
			s.mu.Unlock()
			if ch == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ch.IsEstablished() {
					if err := ch.Finish(ctx); err != nil {
						m.logger.Debug("finishing pooled channel", "slot", s.index, logging.KeyError, err)
					}
				}
				if err := ch.Close(ctx); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		m.cancel()
		m.pending.Close()
		m.wg.Wait()
		m.opts.metrics.SetHealthyChannels(0)
	})
	return errors.Join(errs...)
}

func receive[T any](ctx context.Context, m *Multiplexer, op string, queue chan T) (T, error) {
	var zero T
	select {
	case v := <-queue:
		return v, nil
	case <-ctx.Done():
		return zero, &channel.Error{Kind: channel.KindCancelled, Op: op, Err: ctx.Err()}
	case <-m.ctx.Done():
		select {
		case v := <-queue:
			return v, nil
		default:
			return zero, m.closedErr(op)
		}
	}
}

// send runs fn on a pooled channel, moving to the next slot when the
// chosen channel has failed. On success the chosen slot's load stays
// incremented until the caller releases it.
func (m *Multiplexer) send(ctx context.Context, op string, fn func(context.Context, *channel.Channel) error) (*slot, error) {
	if m.closed() {
		return nil, m.closedErr(op)
	}

	n := len(m.slots)
	start := m.pick()
	var lastErr error
	for i := range n {
		s := m.slots[(start+i)%n]
		ch, err := m.acquire(ctx, s)
		if err != nil {
			if ctx.Err() != nil || m.closed() {
				return nil, err
			}
			lastErr = err
			continue
		}

		s.load.Add(1)
		err = fn(ctx, ch)
		if err == nil {
			return s, nil
		}
		s.release()
		if !retryable(err) && ch.IsEstablished() {
			return nil, err
		}
		m.logger.Debug("send failed on pooled channel",
			"slot", s.index,
			logging.KeySessionID, ch.SessionID(),
			logging.KeyError, err,
		)
		lastErr = err
	}
	return nil, lastErr
}

func retryable(err error) bool {
	return channel.IsTransportFailure(err) || errors.Is(err, channel.ErrChannelClosed)
}

func (m *Multiplexer) pick() int {
	n := len(m.slots)
	if m.opts.strategy == LeastPending {
		best, bestLoad := 0, int64(-1)
		for i, s := range m.slots {
			if l := s.load.Load(); bestLoad < 0 || l < bestLoad {
				best, bestLoad = i, l
			}
		}
		return best
	}
	return int((m.next.Add(1) - 1) % uint64(n))
}

// acquire returns the slot's established channel, building one if
// needed.
func (m *Multiplexer) acquire(ctx context.Context, s *slot) (*channel.Channel, error) {
	const op = "acquire channel"
	if ch := s.established(); ch != nil {
		return ch, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch := s.established(); ch != nil {
		return ch, nil
	}
	if m.closed() {
		return nil, m.closedErr(op)
	}

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.building, cancel)
	defer stop()

	opts := make([]channel.Option, 0, len(m.opts.channelOpts)+1)
	opts = append(opts, m.opts.channelOpts...)
	opts = append(opts, channel.WithPendingCommands(m.pending))

	ch, err := m.factory.Build(buildCtx, opts...)
	if err != nil {
		if m.closed() {
			return nil, m.closedErr(op)
		}
		return nil, err
	}
	if m.closed() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), time.Second)
		defer cancelClose()
		_ = ch.Close(closeCtx)
		return nil, m.closedErr(op)
	}

	s.ch.Store(ch)
	m.wg.Add(4)
	go pump(m, ch.ReceiveMessage, m.messages)
	go pump(m, ch.ReceiveNotification, m.notifications)
	go pump(m, ch.ReceiveCommand, m.commands)
	go m.watch(s, ch)

	m.logger.Debug("pooled channel established", "slot", s.index, logging.KeySessionID, ch.SessionID())
	m.reportHealthy()
	return ch, nil
}

func pump[T any](m *Multiplexer, receive func(context.Context) (T, error), out chan T) {
	defer m.wg.Done()
	for {
		v, err := receive(m.ctx)
		if err != nil {
			return
		}
		select {
		case out <- v:
		case <-m.ctx.Done():
			return
		}
	}
}

// watch rebuilds s once ch ends.
func (m *Multiplexer) watch(s *slot, ch *channel.Channel) {
	defer m.wg.Done()
	select {
	case <-m.ctx.Done():
		return
	case <-ch.Done():
	}
	if m.closed() {
		return
	}

	s.ch.CompareAndSwap(ch, nil)
	m.reportHealthy()
	m.opts.metrics.Rebuild()
	m.logger.Warn("pooled channel ended, rebuilding",
		"slot", s.index,
		logging.KeySessionID, ch.SessionID(),
		logging.KeyState, ch.State(),
		logging.KeyError, ch.Err(),
	)

	b := backoff.WithContext(m.opts.newBackOff(), m.building)
	err := backoff.RetryNotify(func() error {
		_, err := m.acquire(m.building, s)
		var failed *channel.SessionFailedError
		if errors.As(err, &failed) || channel.IsValidation(err) || m.closed() {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		m.logger.Debug("rebuilding slot failed", "slot", s.index, logging.KeyError, err, "retry_in", next)
	})
	if err != nil && !m.closed() {
		m.logger.Error("gave up rebuilding slot", "slot", s.index, logging.KeyError, err)
	}
}

func (m *Multiplexer) closed() bool {
	return m.building.Err() != nil
}

func (m *Multiplexer) reportHealthy() {
	m.opts.metrics.SetHealthyChannels(m.Healthy())
}

func (m *Multiplexer) closedErr(op string) error {
	return &channel.Error{Kind: channel.KindInvalidState, Op: op, Err: channel.ErrChannelClosed}
}
