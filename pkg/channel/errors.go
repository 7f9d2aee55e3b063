package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/getmockd/lime/pkg/envelope"
)

// Kind classifies channel errors so callers can branch without matching
// strings.
type Kind int

const (
	// KindUnknown is reported for errors that did not come from a channel.
	KindUnknown Kind = iota
	// KindInvalidState means the operation is not allowed in the current
	// session state, or a module was bound or unbound twice.
	KindInvalidState
	// KindValidation means a required argument was missing or malformed.
	KindValidation
	// KindCancelled means the caller's context was cancelled or its
	// deadline elapsed. The channel state is unchanged.
	KindCancelled
	// KindTransportFailure means the transport failed. The channel has
	// moved to Failed and closed the transport.
	KindTransportFailure
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid state"
	case KindValidation:
		return "validation"
	case KindCancelled:
		return "cancelled"
	case KindTransportFailure:
		return "transport failure"
	default:
		return "unknown"
	}
}

// Error is returned by every channel operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("channel: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("channel: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Sentinel causes wrapped by *Error.
var (
	// ErrModuleAlreadyBound is returned when binding a bound module.
	ErrModuleAlreadyBound = errors.New("module already bound")

	// ErrModuleNotBound is returned when unbinding a module that is not
	// bound.
	ErrModuleNotBound = errors.New("module not bound")

	// ErrDuplicateCommandID is returned when a command id is already
	// awaiting a response.
	ErrDuplicateCommandID = errors.New("command id already pending")

	// ErrChannelClosed is returned once the channel has been torn down.
	ErrChannelClosed = errors.New("channel closed")

	// ErrEnvelopeDropped is returned by ProcessCommand when a module
	// dropped the request before it was sent.
	ErrEnvelopeDropped = errors.New("envelope dropped by module")

	// ErrUnexpectedEnvelope is returned when a non-session envelope arrives
	// before the session is established.
	ErrUnexpectedEnvelope = errors.New("unexpected envelope")
)

// KindOf returns the kind of err. Context errors that did not pass through
// a channel are reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if isContextErr(err) {
		return KindCancelled
	}
	return KindUnknown
}

// IsInvalidState reports whether err is a state violation.
func IsInvalidState(err error) bool { return KindOf(err) == KindInvalidState }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsCancelled reports whether err is a cancellation or timeout.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// IsTransportFailure reports whether err is a transport failure.
func IsTransportFailure(err error) bool { return KindOf(err) == KindTransportFailure }

// SessionFailedError is returned when the remote party ends the handshake
// with a failed session.
type SessionFailedError struct {
	Session *envelope.Session
}

func (e *SessionFailedError) Error() string {
	if e.Session != nil && e.Session.Reason != nil {
		return fmt.Sprintf("channel: session failed: %s", e.Session.Reason.Error())
	}
	return "channel: session failed"
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func invalidState(op string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Err: fmt.Errorf(format, args...)}
}

func validation(op string, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func cancelled(op string, err error) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}

func transportFailure(op string, err error) *Error {
	return &Error{Kind: KindTransportFailure, Op: op, Err: err}
}
