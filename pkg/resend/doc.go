// Package resend re-sends messages that were not acknowledged and hands
// the ones that never are to a dead message handler.
//
// A Module is bound to one channel at a time. Every message with an id
// that goes out through the channel is stored with a deadline of
// window × (resend count + 1). Any notification correlated with the
// message removes it. While the session is established a loop wakes
// every window, re-sends the expired messages through the channel and
// stores them again; once a message has been re-sent the maximum number
// of times it is moved to dead storage and the dead message handler is
// called exactly once.
//
// Stored messages outlive a binding: after Unbind the same module can be
// bound to a replacement channel and the pending messages are re-sent
// there.
//
// Storage is pluggable. MemoryStorage keeps entries in process; package
// natskv keeps them in a NATS JetStream key-value bucket.
package resend
