package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned by Unmarshal when a document matches none of
// the four envelope kinds.
var ErrUnknownKind = errors.New("envelope: unknown kind")

// ErrNilEnvelope is returned by Marshal for a nil envelope.
var ErrNilEnvelope = errors.New("envelope: nil envelope")

// Marshal encodes e in its JSON wire form.
func Marshal(e Envelope) ([]byte, error) {
	if e == nil {
		return nil, ErrNilEnvelope
	}
	return json.Marshal(e)
}

// Unmarshal decodes a JSON document into the envelope kind it describes.
func Unmarshal(data []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("envelope: decoding document: %w", err)
	}

	var e Envelope
	switch {
	case has(probe, "content"):
		e = &Message{}
	case has(probe, "event"):
		e = &Notification{}
	case has(probe, "method"):
		e = &Command{}
	case has(probe, "state"):
		e = &Session{}
	default:
		return nil, ErrUnknownKind
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("envelope: decoding %s: %w", KindOf(e), err)
	}
	return e, nil
}

func has(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}
