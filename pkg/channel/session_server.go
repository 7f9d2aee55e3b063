package channel

import (
	"context"

	"github.com/getmockd/lime/pkg/envelope"
)

// ReceiveNewSession waits for the client's new session. Requires state New.
func (c *Channel) ReceiveNewSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive new session"
	return c.serverReceive(ctx, op, envelope.SessionStateNew, envelope.SessionStateNew)
}

// SendNegotiatingOptions offers transport options and moves the session to
// Negotiating. Requires state New.
func (c *Channel) SendNegotiatingOptions(
	ctx context.Context,
	compression []envelope.SessionCompression,
	encryption []envelope.SessionEncryption,
) error {
	const op = "send negotiating options"
	if len(compression) == 0 || len(encryption) == 0 {
		return validation(op, "compression and encryption options are required")
	}
	return c.serverSend(ctx, op, &envelope.Session{
		State:              envelope.SessionStateNegotiating,
		CompressionOptions: compression,
		EncryptionOptions:  encryption,
	}, envelope.SessionStateNegotiating, envelope.SessionStateNew)
}

// ReceiveNegotiatingSession waits for the client's choice of options.
// Requires state Negotiating.
func (c *Channel) ReceiveNegotiatingSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive negotiating session"
	return c.serverReceive(ctx, op, envelope.SessionStateNegotiating, envelope.SessionStateNegotiating)
}

// SendNegotiatingConfirmation confirms the chosen options. Both sides
// switch the transport afterwards. Requires state Negotiating.
func (c *Channel) SendNegotiatingConfirmation(
	ctx context.Context,
	compression envelope.SessionCompression,
	encryption envelope.SessionEncryption,
) error {
	const op = "send negotiating confirmation"
	if compression == "" || encryption == "" {
		return validation(op, "compression and encryption are required")
	}
	return c.serverSend(ctx, op, &envelope.Session{
		State:       envelope.SessionStateNegotiating,
		Compression: compression,
		Encryption:  encryption,
	}, "", envelope.SessionStateNegotiating)
}

// SendAuthenticatingSession offers authentication schemes and moves the
// session to Authenticating. Requires state New or Negotiating.
func (c *Channel) SendAuthenticatingSession(ctx context.Context, schemes []envelope.AuthenticationScheme) error {
	const op = "send authenticating session"
	if len(schemes) == 0 {
		return validation(op, "scheme options are required")
	}
	return c.serverSend(ctx, op, &envelope.Session{
		State:         envelope.SessionStateAuthenticating,
		SchemeOptions: schemes,
	}, envelope.SessionStateAuthenticating, envelope.SessionStateNew, envelope.SessionStateNegotiating)
}

// ReceiveAuthenticatingSession waits for the client's credentials.
// Requires state Authenticating.
func (c *Channel) ReceiveAuthenticatingSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive authenticating session"
	return c.serverReceive(ctx, op, envelope.SessionStateAuthenticating, envelope.SessionStateAuthenticating)
}

// SendAuthenticatingRoundtrip sends an authentication challenge. Requires
// state Authenticating.
func (c *Channel) SendAuthenticatingRoundtrip(ctx context.Context, challenge envelope.Authentication) error {
	const op = "send authenticating roundtrip"
	if challenge == nil {
		return validation(op, "challenge is required")
	}
	return c.serverSend(ctx, op, &envelope.Session{
		State:          envelope.SessionStateAuthenticating,
		Scheme:         challenge.Scheme(),
		Authentication: challenge,
	}, "", envelope.SessionStateAuthenticating)
}

// SendEstablishedSession establishes the session for remote and starts
// the consumer. Requires state Authenticating and a local node.
func (c *Channel) SendEstablishedSession(ctx context.Context, remote *envelope.Node) error {
	const op = "send established session"
	if remote == nil || remote.Domain == "" {
		return validation(op, "remote node is required")
	}
	if c.LocalNode() == nil {
		return validation(op, "server channel has no local node")
	}

	c.mu.Lock()
	if c.state == envelope.SessionStateAuthenticating {
		c.remoteNode = remote.Clone()
	}
	c.mu.Unlock()

	return c.serverSend(ctx, op, &envelope.Session{
		Header: envelope.Header{To: remote.Clone()},
		State:  envelope.SessionStateEstablished,
	}, envelope.SessionStateEstablished, envelope.SessionStateAuthenticating)
}

// ReceiveFinishingSession waits for the client to ask for the session to
// end. Requires state Established, unless the request already arrived.
func (c *Channel) ReceiveFinishingSession(ctx context.Context) (*envelope.Session, error) {
	const op = "receive finishing session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleServer); err != nil {
		return nil, err
	}
	isFinishing := func(s envelope.SessionState) bool { return s == envelope.SessionStateFinishing }
	return c.awaitSession(ctx, op, isFinishing, envelope.SessionStateEstablished)
}

// SendFinishedSession ends the session and closes the transport. Requires
// state Established or Finishing.
func (c *Channel) SendFinishedSession(ctx context.Context) error {
	const op = "send finished session"
	return c.serverSend(ctx, op, &envelope.Session{State: envelope.SessionStateFinished},
		envelope.SessionStateFinished, envelope.SessionStateEstablished, envelope.SessionStateFinishing)
}

// SendFailedSession ends the session with reason and closes the
// transport. Allowed in any non-terminal state. The channel fails even if
// the envelope cannot be written.
func (c *Channel) SendFailedSession(ctx context.Context, reason *envelope.Reason) error {
	const op = "send failed session"
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleServer); err != nil {
		return err
	}
	state := c.State()
	if state.IsTerminal() {
		return invalidState(op, "session is %s", state)
	}

	err := c.write(ctx, op, c.serverSession(&envelope.Session{State: envelope.SessionStateFailed, Reason: reason}))
	if !c.State().IsTerminal() {
		_ = c.setState(op, envelope.SessionStateFailed, nil)
	}
	return err
}

func (c *Channel) serverSession(s *envelope.Session) *envelope.Session {
	s.ID = c.SessionID()
	s.From = c.LocalNode()
	return s
}

// serverSend writes s in one of the allowed states and, when next is set,
// moves the session to next.
func (c *Channel) serverSend(
	ctx context.Context,
	op string,
	s *envelope.Session,
	next envelope.SessionState,
	allowed ...envelope.SessionState,
) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleServer); err != nil {
		return err
	}
	if err := c.requireState(op, allowed...); err != nil {
		return err
	}
	if err := c.write(ctx, op, c.serverSession(s)); err != nil {
		return err
	}
	if next == "" {
		return nil
	}
	return c.setState(op, next, nil)
}

// serverReceive reads the next session envelope during the handshake and
// checks that the client sent the expected state.
func (c *Channel) serverReceive(
	ctx context.Context,
	op string,
	expected envelope.SessionState,
	allowed ...envelope.SessionState,
) (*envelope.Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if err := c.requireRole(op, RoleServer); err != nil {
		return nil, err
	}
	if err := c.requireState(op, allowed...); err != nil {
		return nil, err
	}

	e, err := c.read(ctx, op)
	if err != nil {
		return nil, err
	}
	s, ok := e.(*envelope.Session)
	if !ok {
		return nil, invalidState(op, "%w: %s before session established", ErrUnexpectedEnvelope, envelope.KindOf(e))
	}
	if s.State != expected {
		return s, invalidState(op, "expected %s session, got %s", expected, s.State)
	}
	return s, nil
}
