package envelope

import "fmt"

// MediaType is a MIME type describing message content or command resources.
type MediaType string

// Media types used by the engine itself.
const (
	MediaTypeTextPlain MediaType = "text/plain"
	MediaTypeJSON      MediaType = "application/json"
	MediaTypePing      MediaType = "application/vnd.lime.ping+json"
)

// SessionState is the lifecycle stage of a session.
type SessionState string

// Session states in lifecycle order.
const (
	SessionStateNew            SessionState = "new"
	SessionStateNegotiating    SessionState = "negotiating"
	SessionStateAuthenticating SessionState = "authenticating"
	SessionStateEstablished    SessionState = "established"
	SessionStateFinishing      SessionState = "finishing"
	SessionStateFinished       SessionState = "finished"
	SessionStateFailed         SessionState = "failed"
)

// Step returns the position of s in the lifecycle, or -1 when s is not a
// known state. Failed shares the last step with Finished.
func (s SessionState) Step() int {
	switch s {
	case SessionStateNew:
		return 0
	case SessionStateNegotiating:
		return 1
	case SessionStateAuthenticating:
		return 2
	case SessionStateEstablished:
		return 3
	case SessionStateFinishing:
		return 4
	case SessionStateFinished, SessionStateFailed:
		return 5
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateFinished || s == SessionStateFailed
}

// CanTransitionTo reports whether the lifecycle allows moving from s to
// next: forward only, with Failed reachable from any non-terminal state.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if s.IsTerminal() || next.Step() < 0 {
		return false
	}
	if next == SessionStateFailed {
		return true
	}
	return next.Step() > s.Step()
}

// Event is the notification event of a message delivery.
type Event string

// Notification events.
const (
	EventAccepted   Event = "accepted"
	EventValidated  Event = "validated"
	EventAuthorized Event = "authorized"
	EventDispatched Event = "dispatched"
	EventReceived   Event = "received"
	EventConsumed   Event = "consumed"
	EventFailed     Event = "failed"
)

// CommandMethod is the action a command requests on a resource.
type CommandMethod string

// Command methods.
const (
	MethodGet         CommandMethod = "get"
	MethodSet         CommandMethod = "set"
	MethodDelete      CommandMethod = "delete"
	MethodObserve     CommandMethod = "observe"
	MethodSubscribe   CommandMethod = "subscribe"
	MethodUnsubscribe CommandMethod = "unsubscribe"
	MethodMerge       CommandMethod = "merge"
)

// CommandStatus is set on command responses.
type CommandStatus string

// Command statuses. Requests carry no status.
const (
	StatusSuccess CommandStatus = "success"
	StatusFailure CommandStatus = "failure"
	StatusPending CommandStatus = "pending"
)

// SessionCompression is a transport compression option.
type SessionCompression string

// Compression options.
const (
	CompressionNone SessionCompression = "none"
	CompressionGzip SessionCompression = "gzip"
)

// SessionEncryption is a transport encryption option.
type SessionEncryption string

// Encryption options.
const (
	EncryptionNone SessionEncryption = "none"
	EncryptionTLS  SessionEncryption = "tls"
)

// Reason explains a failure.
type Reason struct {
	Code        int    `json:"code"`
	Description string `json:"description,omitempty"`
}

func (r *Reason) clone() *Reason {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Error implements error so a reason can be returned directly.
func (r *Reason) Error() string {
	if r.Description == "" {
		return fmt.Sprintf("reason code %d", r.Code)
	}
	return fmt.Sprintf("%s (code %d)", r.Description, r.Code)
}

// Reason codes.
const (
	ReasonGeneralError                     = 1
	ReasonSessionError                     = 11
	ReasonSessionRegistrationError         = 12
	ReasonSessionAuthenticationFailed      = 13
	ReasonSessionUnregisterFailed          = 14
	ReasonSessionInvalidActionForState     = 15
	ReasonSessionNegotiationTimeout        = 16
	ReasonSessionNegotiationInvalidOptions = 17
	ReasonValidationError                  = 21
	ReasonAuthorizationError               = 31
	ReasonRoutingError                     = 41
	ReasonDispatchError                    = 51
	ReasonCommandProcessingError           = 61
	ReasonCommandResourceNotSupported      = 62
	ReasonCommandMethodNotSupported        = 63
	ReasonApplicationError                 = 101
)
