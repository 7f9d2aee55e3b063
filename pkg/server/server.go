package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/getmockd/lime/internal/id"
	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
	"github.com/getmockd/lime/pkg/transport"
)

// maxAuthenticationRoundtrips bounds the challenges of one handshake.
const maxAuthenticationRoundtrips = 8

// ErrSessionRejected is wrapped by handshake errors after the server sent
// a failed session.
var ErrSessionRejected = errors.New("session rejected")

// ChannelHandler serves an established channel. HandleChannel may return
// before the channel ends; ctx is cancelled when the server stops.
type ChannelHandler interface {
	HandleChannel(ctx context.Context, ch *channel.Channel)
}

// ChannelHandlerFunc adapts a function to ChannelHandler.
type ChannelHandlerFunc func(ctx context.Context, ch *channel.Channel)

// HandleChannel implements ChannelHandler.
func (f ChannelHandlerFunc) HandleChannel(ctx context.Context, ch *channel.Channel) { f(ctx, ch) }

// Server accepts sessions for a local node.
type Server struct {
	local *envelope.Node
	opts  options
	log   *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	channels map[*channel.Channel]struct{}
	wg       sync.WaitGroup
}

// New returns a server for local. It does not listen until Start.
func New(local *envelope.Node, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = NewMemoryRegistry()
	}
	return &Server{
		local:    local,
		opts:     o,
		log:      logging.Component(o.logger, "server"),
		channels: make(map[*channel.Channel]struct{}),
	}
}

// Registry returns the node registry.
func (s *Server) Registry() NodeRegistry { return s.opts.registry }

// Channels returns the established channels.
func (s *Server) Channels() []*channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channel.Channel, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// Start starts every listener and accepts in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.local == nil || s.local.Domain == "" {
		return errors.New("server: local node is required")
	}
	if len(s.opts.listeners) == 0 {
		return errors.New("server: no listeners")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server: already started")
	}

	for i, l := range s.opts.listeners {
		if err := l.Start(ctx); err != nil {
			for _, started := range s.opts.listeners[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("server: starting listener: %w", err)
		}
		for _, uri := range l.ListenerURIs() {
			s.log.Info("accepting sessions", "uri", uri.String())
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	for _, l := range s.opts.listeners {
		s.wg.Add(1)
		go s.acceptLoop(l)
	}
	return nil
}

// Serve starts the server and stops it when ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop stops the listeners and ends every session with a finished
// session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	open := make([]*channel.Channel, 0, len(s.channels))
	for ch := range s.channels {
		open = append(open, ch)
	}
	s.mu.Unlock()

	var errs []error
	for _, l := range s.opts.listeners {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ch := range open {
		if ch.IsEstablished() {
			if err := ch.SendFinishedSession(ctx); err != nil {
				s.log.Debug("finishing session", logging.KeySessionID, ch.SessionID(), logging.KeyError, err)
			}
		}
		_ = ch.Close(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: waiting for sessions: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

func (s *Server) acceptLoop(l transport.Listener) {
	defer s.wg.Done()
	for {
		t, err := l.Accept(s.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerStopped) || s.ctx.Err() != nil {
				return
			}
			s.log.Error("accept failed", logging.KeyError, err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveTransport(t)
		}()
	}
}

func (s *Server) serveTransport(t transport.Transport) {
	opts := []channel.Option{
		channel.WithLocalNode(s.local),
		channel.WithLogger(s.opts.logger),
		channel.WithMetrics(s.opts.metrics),
	}
	ch := channel.NewServer(t, append(opts, s.opts.channelOpts...)...)
	log := s.log.With(logging.KeySessionID, ch.SessionID())

	hctx, cancel := context.WithTimeout(s.ctx, s.opts.handshakeTimeout)
	remote, err := s.handshake(hctx, ch)
	cancel()
	if err != nil {
		log.Warn("handshake failed", logging.KeyError, err)
		_ = ch.Close(context.Background())
		return
	}
	log = log.With(logging.KeyRemoteNode, remote.String())

	if !s.track(ch) {
		_ = ch.Close(context.Background())
		_ = s.opts.registry.Unregister(context.Background(), remote, ch)
		return
	}
	defer func() {
		s.untrack(ch)
		if err := s.opts.registry.Unregister(context.Background(), remote, ch); err != nil {
			log.Warn("unregistering node", logging.KeyError, err)
		}
		log.Info("session ended", logging.KeyState, string(ch.State()))
	}()
	log.Info("session established")

	go s.answerFinishing(ch, log)
	if s.opts.handler != nil {
		s.opts.handler.HandleChannel(s.ctx, ch)
	}
	<-ch.Done()
}

// answerFinishing replies finished to the client's finishing session.
func (s *Server) answerFinishing(ch *channel.Channel, log *slog.Logger) {
	if _, err := ch.ReceiveFinishingSession(s.ctx); err != nil {
		return
	}
	if err := ch.SendFinishedSession(s.ctx); err != nil {
		log.Debug("sending finished session", logging.KeyError, err)
	}
}

func (s *Server) track(ch *channel.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.channels[ch] = struct{}{}
	return true
}

func (s *Server) untrack(ch *channel.Channel) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
}

// handshake runs the server side of session establishment and returns
// the registered remote node.
func (s *Server) handshake(ctx context.Context, ch *channel.Channel) (*envelope.Node, error) {
	if _, err := ch.ReceiveNewSession(ctx); err != nil {
		return nil, err
	}
	if err := s.negotiate(ctx, ch); err != nil {
		return nil, err
	}

	schemes := s.opts.authenticator.Schemes()
	if err := ch.SendAuthenticatingSession(ctx, schemes); err != nil {
		return nil, err
	}

	var from *envelope.Node
	for round := 0; ; round++ {
		session, err := ch.ReceiveAuthenticatingSession(ctx)
		if err != nil {
			return nil, err
		}
		from = session.From
		if from == nil || from.Domain == "" {
			return nil, reject(ctx, ch, envelope.ReasonSessionAuthenticationFailed, "identity is required")
		}
		if session.Authentication == nil || !slices.Contains(schemes, session.Authentication.Scheme()) {
			return nil, reject(ctx, ch, envelope.ReasonSessionAuthenticationFailed, "authentication scheme not offered")
		}

		challenge, err := s.opts.authenticator.Authenticate(ctx, from.Identity(), session.Authentication)
		if err != nil {
			s.log.Info("authentication failed", "identity", from.Identity().String(), logging.KeyError, err)
			return nil, reject(ctx, ch, envelope.ReasonSessionAuthenticationFailed, "authentication failed")
		}
		if challenge == nil {
			break
		}
		if round+1 >= maxAuthenticationRoundtrips {
			return nil, reject(ctx, ch, envelope.ReasonSessionAuthenticationFailed, "too many authentication roundtrips")
		}
		if err := ch.SendAuthenticatingRoundtrip(ctx, challenge); err != nil {
			return nil, err
		}
	}

	remote := from.Clone()
	if remote.Instance == "" {
		remote.Instance = id.Instance()
	}
	if err := s.opts.registry.Register(ctx, remote, ch); err != nil {
		return nil, reject(ctx, ch, envelope.ReasonSessionRegistrationError, err.Error())
	}
	if err := ch.SendEstablishedSession(ctx, remote); err != nil {
		_ = s.opts.registry.Unregister(context.WithoutCancel(ctx), remote, ch)
		return nil, err
	}
	return remote, nil
}

// negotiate offers transport options when the client has a choice, or
// when the only option differs from the transport's current one.
func (s *Server) negotiate(ctx context.Context, ch *channel.Channel) error {
	t := ch.Transport()
	compression := offered(s.opts.compression, t.SupportedCompression())
	encryption := offered(s.opts.encryption, t.SupportedEncryption())
	if len(compression) == 0 || len(encryption) == 0 {
		return reject(ctx, ch, envelope.ReasonSessionNegotiationInvalidOptions, "no transport options in common")
	}
	if len(compression) == 1 && len(encryption) == 1 &&
		compression[0] == t.Compression() && encryption[0] == t.Encryption() {
		return nil
	}

	if err := ch.SendNegotiatingOptions(ctx, compression, encryption); err != nil {
		return err
	}
	choice, err := ch.ReceiveNegotiatingSession(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(compression, choice.Compression) || !slices.Contains(encryption, choice.Encryption) {
		return reject(ctx, ch, envelope.ReasonSessionNegotiationInvalidOptions, "invalid negotiation options")
	}
	if err := ch.SendNegotiatingConfirmation(ctx, choice.Compression, choice.Encryption); err != nil {
		return err
	}
	if err := t.SetCompression(ctx, choice.Compression); err != nil {
		return err
	}
	return t.SetEncryption(ctx, choice.Encryption)
}

func offered[T comparable](configured, supported []T) []T {
	if len(configured) == 0 {
		return slices.Clone(supported)
	}
	out := make([]T, 0, len(configured))
	for _, v := range configured {
		if slices.Contains(supported, v) {
			out = append(out, v)
		}
	}
	return out
}

func reject(ctx context.Context, ch *channel.Channel, code int, description string) error {
	reason := &envelope.Reason{Code: code, Description: description}
	if err := ch.SendFailedSession(ctx, reason); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSessionRejected, description, err)
	}
	return fmt.Errorf("%w: %s", ErrSessionRejected, description)
}
