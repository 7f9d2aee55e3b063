package resend

import (
	"strings"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
)

// KeyProvider derives storage keys. Keys must be stable for a destination
// and message id, and a notification must map to the key of the message
// it acknowledges.
type KeyProvider interface {
	ChannelKey(info channel.Info) string
	MessageKey(m *envelope.Message, info channel.Info) string
	NotificationKey(n *envelope.Notification, info channel.Info) string
}

// IdentityKeys is the default KeyProvider. Channels are keyed by the local
// and remote identities, so a replacement channel between the same parties
// shares the key of the one it replaces.
type IdentityKeys struct {
	// FilterByDestination ties message keys to the destination identity.
	// Acknowledgments sent by another identity then do not match.
	FilterByDestination bool
}

var _ KeyProvider = IdentityKeys{}

// ChannelKey implements KeyProvider.
func (k IdentityKeys) ChannelKey(info channel.Info) string {
	return identityKey(info.LocalNode) + ">" + identityKey(info.RemoteNode)
}

// MessageKey implements KeyProvider.
func (k IdentityKeys) MessageKey(m *envelope.Message, info channel.Info) string {
	if !k.FilterByDestination {
		return m.ID
	}
	to := m.To
	if to == nil {
		to = info.RemoteNode
	}
	return m.ID + ":" + identityKey(to)
}

// NotificationKey implements KeyProvider.
func (k IdentityKeys) NotificationKey(n *envelope.Notification, info channel.Info) string {
	if !k.FilterByDestination {
		return n.ID
	}
	from := n.From
	if from == nil {
		from = info.RemoteNode
	}
	return n.ID + ":" + identityKey(from)
}

func identityKey(n *envelope.Node) string {
	if n == nil {
		return ""
	}
	return strings.ToLower(n.Identity().String())
}
