package channel

import (
	"context"
	"slices"

	"github.com/getmockd/lime/pkg/envelope"
)

// CompressionSelector picks one of the compression options offered by the
// server.
type CompressionSelector func(options []envelope.SessionCompression) envelope.SessionCompression

// EncryptionSelector picks one of the encryption options offered by the
// server.
type EncryptionSelector func(options []envelope.SessionEncryption) envelope.SessionEncryption

// AuthenticationRoundtrip answers an authentication challenge sent by the
// server.
type AuthenticationRoundtrip func(challenge envelope.Authentication) (envelope.Authentication, error)

// maxAuthenticationRoundtrips bounds challenge exchanges in EstablishSession.
const maxAuthenticationRoundtrips = 8

// SessionParams configures EstablishSession.
type SessionParams struct {
	Identity       envelope.Identity
	Authentication envelope.Authentication
	Instance       string

	// Nil selectors choose the first offered option the transport
	// supports.
	CompressionSelector CompressionSelector
	EncryptionSelector  EncryptionSelector

	// Roundtrip answers authentication challenges. Without it a challenge
	// ends the handshake with an error.
	Roundtrip AuthenticationRoundtrip
}

// StartNewSession sends a new session and returns the server's reply,
// which is negotiating, authenticating or failed. Requires state New.
func (c *Channel) StartNewSession(ctx context.Context) (*envelope.Session, error) {
	const op = "start new session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleClient); err != nil {
		return nil, err
	}
	if err := c.requireState(op, envelope.SessionStateNew); err != nil {
		return nil, err
	}
	if err := c.write(ctx, op, &envelope.Session{State: envelope.SessionStateNew}); err != nil {
		return nil, err
	}
	return c.receiveClientSession(ctx, op)
}

// NegotiateSession sends the chosen transport options and returns the
// server's confirmation. The caller applies the confirmed options to the
// transport before receiving the next session. Requires state Negotiating.
func (c *Channel) NegotiateSession(
	ctx context.Context,
	compression envelope.SessionCompression,
	encryption envelope.SessionEncryption,
) (*envelope.Session, error) {
	const op = "negotiate session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleClient); err != nil {
		return nil, err
	}
	if compression == "" || encryption == "" {
		return nil, validation(op, "compression and encryption are required")
	}
	if err := c.requireState(op, envelope.SessionStateNegotiating); err != nil {
		return nil, err
	}

	s := &envelope.Session{
		Header:      envelope.Header{ID: c.pendingSessionID()},
		State:       envelope.SessionStateNegotiating,
		Compression: compression,
		Encryption:  encryption,
	}
	if err := c.write(ctx, op, s); err != nil {
		return nil, err
	}
	return c.receiveClientSession(ctx, op)
}

// ReceiveSession returns the next session envelope during the handshake.
// Requires state Negotiating or Authenticating.
func (c *Channel) ReceiveSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleClient); err != nil {
		return nil, err
	}
	if err := c.requireState(op, envelope.SessionStateNegotiating, envelope.SessionStateAuthenticating); err != nil {
		return nil, err
	}
	return c.receiveClientSession(ctx, op)
}

// AuthenticateSession sends the client's identity and credentials and
// returns the server's reply. On established the local and remote nodes
// are taken from the reply. Requires state Authenticating.
func (c *Channel) AuthenticateSession(
	ctx context.Context,
	identity envelope.Identity,
	authentication envelope.Authentication,
	instance string,
) (*envelope.Session, error) {
	const op = "authenticate session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleClient); err != nil {
		return nil, err
	}
	if identity.Domain == "" {
		return nil, validation(op, "identity is required")
	}
	if authentication == nil {
		return nil, validation(op, "authentication is required")
	}
	if err := c.requireState(op, envelope.SessionStateAuthenticating); err != nil {
		return nil, err
	}

	s := &envelope.Session{
		Header:         envelope.Header{ID: c.pendingSessionID(), From: identity.ToNode(instance)},
		State:          envelope.SessionStateAuthenticating,
		Scheme:         authentication.Scheme(),
		Authentication: authentication,
	}
	if err := c.write(ctx, op, s); err != nil {
		return nil, err
	}
	return c.receiveClientSession(ctx, op)
}

// SendFinishingSession asks the server to end the session. The state
// changes when the finished reply arrives. Requires state Established.
func (c *Channel) SendFinishingSession(ctx context.Context) error {
	const op = "send finishing session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleClient); err != nil {
		return err
	}
	if err := c.requireState(op, envelope.SessionStateEstablished); err != nil {
		return err
	}
	if err := c.write(ctx, op, &envelope.Session{
		Header: envelope.Header{ID: c.SessionID()},
		State:  envelope.SessionStateFinishing,
	}); err != nil {
		return err
	}
	c.markFinishing()
	return nil
}

// ReceiveFinishedSession waits for the server to end the session with a
// finished or failed envelope. The transport is closed by the time it
// returns. Requires state Established, unless the reply has already been
// received.
func (c *Channel) ReceiveFinishedSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive finished session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleClient); err != nil {
		return nil, err
	}
	return c.awaitSession(ctx, op, envelope.SessionState.IsTerminal, envelope.SessionStateEstablished)
}

// Finish ends the session gracefully. A client sends finishing and waits
// for finished; a server sends finished.
func (c *Channel) Finish(ctx context.Context) error {
	if c.role == RoleServer {
		return c.SendFinishedSession(ctx)
	}
	if err := c.SendFinishingSession(ctx); err != nil {
		return err
	}
	_, err := c.ReceiveFinishedSession(ctx)
	return err
}

// EstablishSession runs the whole client handshake: new, negotiation when
// offered, authentication. It returns the established session, or a
// *SessionFailedError when the server rejects the session.
func (c *Channel) EstablishSession(ctx context.Context, p SessionParams) (*envelope.Session, error) {
	const op = "establish session"

	s, err := c.StartNewSession(ctx)
	if err != nil {
		return nil, err
	}

	if s.State == envelope.SessionStateNegotiating {
		compression := c.selectCompression(p.CompressionSelector, s.CompressionOptions)
		encryption := c.selectEncryption(p.EncryptionSelector, s.EncryptionOptions)

		if s, err = c.NegotiateSession(ctx, compression, encryption); err != nil {
			return nil, err
		}
		if s.State == envelope.SessionStateNegotiating {
			if err := c.applyTransportOptions(ctx, op, s); err != nil {
				return nil, err
			}
			if s, err = c.ReceiveSession(ctx); err != nil {
				return nil, err
			}
		}
	}

	if s.State == envelope.SessionStateAuthenticating {
		if s, err = c.AuthenticateSession(ctx, p.Identity, p.Authentication, p.Instance); err != nil {
			return nil, err
		}
		for i := 0; s.State == envelope.SessionStateAuthenticating; i++ {
			if p.Roundtrip == nil || i >= maxAuthenticationRoundtrips {
				return nil, invalidState(op, "unanswered authentication challenge")
			}
			answer, err := p.Roundtrip(s.Authentication)
			if err != nil {
				return nil, validation(op, "answering authentication challenge: %w", err)
			}
			if s, err = c.AuthenticateSession(ctx, p.Identity, answer, p.Instance); err != nil {
				return nil, err
			}
		}
	}

	if s.State != envelope.SessionStateEstablished {
		return s, &SessionFailedError{Session: s}
	}
	return s, nil
}

func (c *Channel) selectCompression(sel CompressionSelector, offered []envelope.SessionCompression) envelope.SessionCompression {
	if sel != nil {
		return sel(offered)
	}
	supported := c.transport.SupportedCompression()
	for _, o := range offered {
		if slices.Contains(supported, o) {
			return o
		}
	}
	return c.transport.Compression()
}

func (c *Channel) selectEncryption(sel EncryptionSelector, offered []envelope.SessionEncryption) envelope.SessionEncryption {
	if sel != nil {
		return sel(offered)
	}
	supported := c.transport.SupportedEncryption()
	for _, o := range offered {
		if slices.Contains(supported, o) {
			return o
		}
	}
	return c.transport.Encryption()
}

// applyTransportOptions switches the transport to the options confirmed
// in s.
func (c *Channel) applyTransportOptions(ctx context.Context, op string, s *envelope.Session) error {
	if s.Compression != "" && s.Compression != c.transport.Compression() {
		if err := c.transport.SetCompression(ctx, s.Compression); err != nil {
			c.fail(err)
			return transportFailure(op, err)
		}
	}
	if s.Encryption != "" && s.Encryption != c.transport.Encryption() {
		if err := c.transport.SetEncryption(ctx, s.Encryption); err != nil {
			c.fail(err)
			return transportFailure(op, err)
		}
	}
	return nil
}

func (c *Channel) receiveClientSession(ctx context.Context, op string) (*envelope.Session, error) {
	e, err := c.read(ctx, op)
	if err != nil {
		return nil, err
	}
	s, ok := e.(*envelope.Session)
	if !ok {
		return nil, invalidState(op, "%w: %s before session established", ErrUnexpectedEnvelope, envelope.KindOf(e))
	}

	c.mu.Lock()
	if c.pendingID == "" {
		c.pendingID = s.ID
	}
	if s.State == envelope.SessionStateEstablished {
		if c.sessionID == "" {
			c.sessionID = s.ID
			if c.sessionID == "" {
				c.sessionID = c.pendingID
			}
		}
		c.localNode = s.To.Clone()
		c.remoteNode = s.From.Clone()
	}
	c.mu.Unlock()

	if err := c.setState(op, s.State, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Channel) pendingSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingID
}

func (c *Channel) requireRole(op string, role Role) error {
	if c.role != role {
		return invalidState(op, "not available on a %s channel", c.role)
	}
	return nil
}

// awaitSession returns a session envelope queued by the consumer whose
// state satisfies want. The queue is checked together with the current
// state so that a reply processed before the call is not missed.
func (c *Channel) awaitSession(
	ctx context.Context,
	op string,
	want func(envelope.SessionState) bool,
	allowed ...envelope.SessionState,
) (*envelope.Session, error) {
	c.mu.Lock()
	state := c.state
	var queued *envelope.Session
	select {
	case queued = <-c.sessions:
	default:
	}
	c.mu.Unlock()

	if queued != nil && want(queued.State) {
		return queued, nil
	}
	if !slices.Contains(allowed, state) {
		return nil, invalidState(op, "session is %s", state)
	}

	for {
		select {
		case s := <-c.sessions:
			if want(s.State) {
				return s, nil
			}
		case <-ctx.Done():
			return nil, cancelled(op, ctx.Err())
		case <-c.done:
			select {
			case s := <-c.sessions:
				if want(s.State) {
					return s, nil
				}
			default:
			}
			return nil, c.closedErr(op)
		}
	}
}
