package envelope

import (
	"encoding/json"
	"slices"
	"strconv"
)

// Message transports content between nodes.
type Message struct {
	Header
	Type    MediaType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

func (*Message) isEnvelope() {}

// NewMessage builds a message with a fresh id whose content is the JSON
// encoding of content.
func NewMessage(to *Node, typ MediaType, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Message{
		Header:  Header{ID: NewID(), To: to},
		Type:    typ,
		Content: raw,
	}, nil
}

// NewTextMessage builds a text/plain message with a fresh id.
func NewTextMessage(to *Node, text string) *Message {
	return &Message{
		Header:  Header{ID: NewID(), To: to},
		Type:    MediaTypeTextPlain,
		Content: json.RawMessage(strconv.Quote(text)),
	}
}

// Text returns the content of a text/plain message.
func (m *Message) Text() (string, error) {
	var s string
	err := json.Unmarshal(m.Content, &s)
	return s, err
}

// Notify builds a notification for m addressed back to its sender.
func (m *Message) Notify(event Event) *Notification {
	return &Notification{
		Header: Header{ID: m.ID, To: m.Sender().Clone()},
		Event:  event,
	}
}

// Clone returns a copy whose header and content can be modified
// independently of m.
func (m *Message) Clone() *Message {
	c := &Message{Header: m.Header.clone(), Type: m.Type}
	if m.Content != nil {
		c.Content = append(json.RawMessage(nil), m.Content...)
	}
	return c
}

// Notification reports the delivery status of a message.
type Notification struct {
	Header
	Event  Event   `json:"event"`
	Reason *Reason `json:"reason,omitempty"`
}

func (*Notification) isEnvelope() {}

// NewFailedNotification builds a failed notification for message id.
func NewFailedNotification(messageID string, to *Node, reason *Reason) *Notification {
	return &Notification{
		Header: Header{ID: messageID, To: to},
		Event:  EventFailed,
		Reason: reason,
	}
}

// Clone returns a copy whose header and reason can be modified
// independently of n.
func (n *Notification) Clone() *Notification {
	return &Notification{Header: n.Header.clone(), Event: n.Event, Reason: n.Reason.clone()}
}

// Command is a request or response acting on a resource.
type Command struct {
	Header
	Method   CommandMethod   `json:"method"`
	URI      string          `json:"uri,omitempty"`
	Type     MediaType       `json:"type,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Status   CommandStatus   `json:"status,omitempty"`
	Reason   *Reason         `json:"reason,omitempty"`
}

func (*Command) isEnvelope() {}

// NewCommand builds a request with a fresh id.
func NewCommand(method CommandMethod, uri string) *Command {
	return &Command{
		Header: Header{ID: NewID()},
		Method: method,
		URI:    uri,
	}
}

// IsResponse reports whether the command carries a final status.
func (c *Command) IsResponse() bool {
	return c.Status == StatusSuccess || c.Status == StatusFailure
}

// SuccessResponse builds the success response for request c.
func (c *Command) SuccessResponse() *Command {
	return &Command{
		Header: Header{ID: c.ID, To: c.Sender().Clone()},
		Method: c.Method,
		Status: StatusSuccess,
	}
}

// FailureResponse builds the failure response for request c.
func (c *Command) FailureResponse(reason *Reason) *Command {
	return &Command{
		Header: Header{ID: c.ID, To: c.Sender().Clone()},
		Method: c.Method,
		Status: StatusFailure,
		Reason: reason,
	}
}

// Clone returns a copy whose header, resource and reason can be modified
// independently of c.
func (c *Command) Clone() *Command {
	out := *c
	out.Header = c.Header.clone()
	out.Reason = c.Reason.clone()
	if c.Resource != nil {
		out.Resource = append(json.RawMessage(nil), c.Resource...)
	}
	return &out
}

// Session negotiates and reports the state of a session.
type Session struct {
	Header
	State              SessionState           `json:"state"`
	EncryptionOptions  []SessionEncryption    `json:"encryptionOptions,omitempty"`
	Encryption         SessionEncryption      `json:"encryption,omitempty"`
	CompressionOptions []SessionCompression   `json:"compressionOptions,omitempty"`
	Compression        SessionCompression     `json:"compression,omitempty"`
	SchemeOptions      []AuthenticationScheme `json:"schemeOptions,omitempty"`
	Scheme             AuthenticationScheme   `json:"scheme,omitempty"`
	Authentication     Authentication         `json:"-"`
	Reason             *Reason                `json:"reason,omitempty"`
}

func (*Session) isEnvelope() {}

// Clone returns a copy of s. The authentication payload is shared.
func (s *Session) Clone() *Session {
	out := *s
	out.Header = s.Header.clone()
	out.Reason = s.Reason.clone()
	out.EncryptionOptions = slices.Clone(s.EncryptionOptions)
	out.CompressionOptions = slices.Clone(s.CompressionOptions)
	out.SchemeOptions = slices.Clone(s.SchemeOptions)
	return &out
}

// MarshalJSON writes the authentication payload alongside the session
// members.
func (s *Session) MarshalJSON() ([]byte, error) {
	type plain Session
	out := struct {
		plain
		Authentication json.RawMessage `json:"authentication,omitempty"`
	}{plain: plain(*s)}

	if s.Authentication != nil {
		raw, err := json.Marshal(s.Authentication)
		if err != nil {
			return nil, err
		}
		out.Authentication = raw
		if out.Scheme == "" {
			out.Scheme = s.Authentication.Scheme()
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the authentication payload according to scheme.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var in struct {
		plain
		Authentication json.RawMessage `json:"authentication"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Session(in.plain)

	if len(in.Authentication) > 0 && string(in.Authentication) != "null" {
		auth, err := DecodeAuthentication(s.Scheme, in.Authentication)
		if err != nil {
			return err
		}
		s.Authentication = auth
	}
	return nil
}
