package envelope

import (
	"maps"

	"github.com/getmockd/lime/internal/id"
)

// Envelope is implemented by *Message, *Notification, *Command and *Session.
type Envelope interface {
	// EnvelopeHeader returns the routing header shared by all kinds.
	EnvelopeHeader() *Header

	isEnvelope()
}

// Header holds the members common to every envelope kind.
type Header struct {
	// ID identifies the envelope. It may be empty for fire-and-forget
	// messages and notifications.
	ID string `json:"id,omitempty"`

	// From is the originator. Peers fill it in when omitted.
	From *Node `json:"from,omitempty"`

	// To is the destination. Nil addresses the remote peer of the channel.
	To *Node `json:"to,omitempty"`

	// Pp is the per-hop routing override, set by intermediaries so that
	// responses can be routed back through them.
	Pp *Node `json:"pp,omitempty"`

	// Metadata carries optional string annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EnvelopeHeader implements Envelope.
func (h *Header) EnvelopeHeader() *Header { return h }

// SetMetadata sets a metadata entry, allocating the map on first use.
func (h *Header) SetMetadata(key, value string) {
	if h.Metadata == nil {
		h.Metadata = make(map[string]string)
	}
	h.Metadata[key] = value
}

// GetMetadata returns a metadata entry and whether it was present.
func (h *Header) GetMetadata(key string) (string, bool) {
	v, ok := h.Metadata[key]
	return v, ok
}

// Sender returns the node responses should be addressed to: Pp when an
// intermediary set it, From otherwise.
func (h *Header) Sender() *Node {
	if h.Pp != nil {
		return h.Pp
	}
	return h.From
}

func (h Header) clone() Header {
	c := Header{
		ID:   h.ID,
		From: h.From.Clone(),
		To:   h.To.Clone(),
		Pp:   h.Pp.Clone(),
	}
	if h.Metadata != nil {
		c.Metadata = maps.Clone(h.Metadata)
	}
	return c
}

// Clone returns a deep copy of e, as a serializing transport would hand
// it to the peer.
func Clone(e Envelope) Envelope {
	switch v := e.(type) {
	case *Message:
		return v.Clone()
	case *Notification:
		return v.Clone()
	case *Command:
		return v.Clone()
	case *Session:
		return v.Clone()
	default:
		return e
	}
}

// KindOf returns the lower-case kind name of e, used in logs and metrics.
func KindOf(e Envelope) string {
	switch e.(type) {
	case *Message:
		return "message"
	case *Notification:
		return "notification"
	case *Command:
		return "command"
	case *Session:
		return "session"
	default:
		return "unknown"
	}
}

// NewID returns a fresh envelope id.
func NewID() string {
	return id.Envelope()
}
