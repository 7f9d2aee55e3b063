// Package channel implements the LIME channel: the session state machine,
// the module pipelines, command correlation and the typed send and receive
// operations, on top of any transport.Transport.
//
// A client channel drives the handshake with EstablishSession, or step by
// step with StartNewSession, NegotiateSession, ReceiveSession and
// AuthenticateSession. A server channel answers with the Send*/Receive*
// session operations. Each session operation checks the state it requires
// and fails with a KindInvalidState error otherwise, leaving the state
// unchanged.
//
// The lifecycle only moves forward:
//
//	new -> negotiating -> authenticating -> established -> finishing -> finished
//
// and any non-terminal state may move to failed. Reaching finished or
// failed closes the transport.
//
// Once established, a consumer goroutine reads the transport. Messages,
// notifications and commands pass through their module pipelines before
// they are queued for ReceiveMessage, ReceiveNotification and
// ReceiveCommand. Command responses whose id is awaited by ProcessCommand
// resolve that call instead of being queued.
//
// Errors are *Error values carrying a Kind: invalid state, validation,
// cancelled or transport failure. A transport failure moves the session
// to failed.
package channel
