// Package envelope defines the units exchanged over a LIME channel.
//
// An Envelope is one of exactly four kinds: *Message, *Notification,
// *Command or *Session. The interface is sealed, so a type switch over the
// four kinds is exhaustive:
//
//	switch e := env.(type) {
//	case *envelope.Message:
//	case *envelope.Notification:
//	case *envelope.Command:
//	case *envelope.Session:
//	}
//
// Every kind embeds a Header carrying the id, the from/to/pp routing nodes
// and optional metadata. Marshal and Unmarshal implement the JSON wire form
// used by the transports; the kind of an inbound document is detected from
// the member that only that kind carries (content, event, method or state).
package envelope
