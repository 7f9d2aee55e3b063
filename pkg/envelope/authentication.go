package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// AuthenticationScheme names how a client proves its identity.
type AuthenticationScheme string

// Authentication schemes.
const (
	SchemeGuest     AuthenticationScheme = "guest"
	SchemePlain     AuthenticationScheme = "plain"
	SchemeKey       AuthenticationScheme = "key"
	SchemeTransport AuthenticationScheme = "transport"
	SchemeExternal  AuthenticationScheme = "external"
)

// Authentication is the scheme-specific payload of an authenticating
// session.
type Authentication interface {
	Scheme() AuthenticationScheme
}

// GuestAuthentication carries no credentials.
type GuestAuthentication struct{}

// Scheme implements Authentication.
func (GuestAuthentication) Scheme() AuthenticationScheme { return SchemeGuest }

// PlainAuthentication carries a base64-encoded password.
type PlainAuthentication struct {
	Password string `json:"password"`
}

// NewPlainAuthentication encodes password for the wire.
func NewPlainAuthentication(password string) *PlainAuthentication {
	return &PlainAuthentication{Password: base64.StdEncoding.EncodeToString([]byte(password))}
}

// Scheme implements Authentication.
func (*PlainAuthentication) Scheme() AuthenticationScheme { return SchemePlain }

// DecodedPassword returns the plain-text password.
func (a *PlainAuthentication) DecodedPassword() (string, error) {
	b, err := base64.StdEncoding.DecodeString(a.Password)
	if err != nil {
		return "", fmt.Errorf("decoding password: %w", err)
	}
	return string(b), nil
}

// KeyAuthentication carries a base64-encoded access key.
type KeyAuthentication struct {
	Key string `json:"key"`
}

// NewKeyAuthentication encodes key for the wire.
func NewKeyAuthentication(key string) *KeyAuthentication {
	return &KeyAuthentication{Key: base64.StdEncoding.EncodeToString([]byte(key))}
}

// Scheme implements Authentication.
func (*KeyAuthentication) Scheme() AuthenticationScheme { return SchemeKey }

// DecodedKey returns the plain-text key.
func (a *KeyAuthentication) DecodedKey() (string, error) {
	b, err := base64.StdEncoding.DecodeString(a.Key)
	if err != nil {
		return "", fmt.Errorf("decoding key: %w", err)
	}
	return string(b), nil
}

// TransportAuthentication relies on the transport, e.g. a TLS client
// certificate.
type TransportAuthentication struct{}

// Scheme implements Authentication.
func (TransportAuthentication) Scheme() AuthenticationScheme { return SchemeTransport }

// ExternalAuthentication carries a token issued by a third party.
type ExternalAuthentication struct {
	Token  string `json:"token"`
	Issuer string `json:"issuer"`
}

// Scheme implements Authentication.
func (*ExternalAuthentication) Scheme() AuthenticationScheme { return SchemeExternal }

// DecodeAuthentication decodes raw as the payload of scheme.
func DecodeAuthentication(scheme AuthenticationScheme, raw json.RawMessage) (Authentication, error) {
	var auth Authentication
	switch scheme {
	case SchemeGuest:
		return GuestAuthentication{}, nil
	case SchemeTransport:
		return TransportAuthentication{}, nil
	case SchemePlain:
		auth = &PlainAuthentication{}
	case SchemeKey:
		auth = &KeyAuthentication{}
	case SchemeExternal:
		auth = &ExternalAuthentication{}
	default:
		return nil, fmt.Errorf("unknown authentication scheme %q", scheme)
	}
	if err := json.Unmarshal(raw, auth); err != nil {
		return nil, fmt.Errorf("decoding %s authentication: %w", scheme, err)
	}
	return auth, nil
}
