package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"

	"github.com/getmockd/lime/pkg/envelope"
)

// ErrAuthenticationFailed is returned by authenticators that reject the
// credentials.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator checks the credentials a client presents.
type Authenticator interface {
	// Schemes lists the schemes offered to clients, in order of
	// preference.
	Schemes() []envelope.AuthenticationScheme

	// Authenticate accepts the credentials by returning nil, nil. A
	// non-nil challenge is sent back to the client, whose answer is passed
	// to Authenticate again.
	Authenticate(ctx context.Context, identity envelope.Identity, auth envelope.Authentication) (challenge envelope.Authentication, err error)
}

// GuestAuthenticator admits every client with the guest scheme.
type GuestAuthenticator struct{}

// Schemes implements Authenticator.
func (GuestAuthenticator) Schemes() []envelope.AuthenticationScheme {
	return []envelope.AuthenticationScheme{envelope.SchemeGuest}
}

// Authenticate implements Authenticator.
func (GuestAuthenticator) Authenticate(_ context.Context, _ envelope.Identity, auth envelope.Authentication) (envelope.Authentication, error) {
	if auth == nil || auth.Scheme() != envelope.SchemeGuest {
		return nil, ErrAuthenticationFailed
	}
	return nil, nil
}

// PlainAuthenticator checks passwords against a fixed set of identities.
type PlainAuthenticator struct {
	passwords map[string]string
}

// NewPlainAuthenticator returns an authenticator for passwords keyed by
// name@domain. Keys are matched case-insensitively.
func NewPlainAuthenticator(passwords map[string]string) *PlainAuthenticator {
	a := &PlainAuthenticator{passwords: make(map[string]string, len(passwords))}
	for identity, password := range passwords {
		a.passwords[normalize(identity)] = password
	}
	return a
}

// Schemes implements Authenticator.
func (a *PlainAuthenticator) Schemes() []envelope.AuthenticationScheme {
	return []envelope.AuthenticationScheme{envelope.SchemePlain}
}

// Authenticate implements Authenticator.
func (a *PlainAuthenticator) Authenticate(_ context.Context, identity envelope.Identity, auth envelope.Authentication) (envelope.Authentication, error) {
	plain, ok := auth.(*envelope.PlainAuthentication)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	password, err := plain.DecodedPassword()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	want, ok := a.passwords[normalize(identity.String())]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return nil, ErrAuthenticationFailed
	}
	return nil, nil
}

// JWTAuthenticator accepts external tokens signed with a shared HMAC
// secret. The token subject must be the client's name@domain.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator returns an authenticator for HS256 tokens from
// issuer. An empty issuer accepts any.
func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer}
}

// Schemes implements Authenticator.
func (a *JWTAuthenticator) Schemes() []envelope.AuthenticationScheme {
	return []envelope.AuthenticationScheme{envelope.SchemeExternal}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, identity envelope.Identity, auth envelope.Authentication) (envelope.Authentication, error) {
	ext, ok := auth.(*envelope.ExternalAuthentication)
	if !ok || ext.Token == "" {
		return nil, ErrAuthenticationFailed
	}
	if a.issuer != "" && ext.Issuer != "" && ext.Issuer != a.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrAuthenticationFailed, ext.Issuer)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(ext.Token, func(*jwt.Token) (any, error) { return a.secret, nil }, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || normalize(subject) != normalize(identity.String()) {
		return nil, fmt.Errorf("%w: token subject %q does not match %s", ErrAuthenticationFailed, subject, identity)
	}
	return nil, nil
}

// SchemeAuthenticator offers the schemes of several authenticators and
// dispatches on the scheme the client picked.
type SchemeAuthenticator struct {
	schemes []envelope.AuthenticationScheme
	byName  map[envelope.AuthenticationScheme]Authenticator
}

// NewSchemeAuthenticator combines authenticators. The first one offering a
// scheme handles it.
func NewSchemeAuthenticator(authenticators ...Authenticator) *SchemeAuthenticator {
	s := &SchemeAuthenticator{byName: make(map[envelope.AuthenticationScheme]Authenticator)}
	for _, a := range authenticators {
		for _, scheme := range a.Schemes() {
			if _, ok := s.byName[scheme]; ok {
				continue
			}
			s.byName[scheme] = a
			s.schemes = append(s.schemes, scheme)
		}
	}
	return s
}

// Schemes implements Authenticator.
func (s *SchemeAuthenticator) Schemes() []envelope.AuthenticationScheme {
	return slices.Clone(s.schemes)
}

// Authenticate implements Authenticator.
func (s *SchemeAuthenticator) Authenticate(ctx context.Context, identity envelope.Identity, auth envelope.Authentication) (envelope.Authentication, error) {
	if auth == nil {
		return nil, ErrAuthenticationFailed
	}
	a, ok := s.byName[auth.Scheme()]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %s not offered", ErrAuthenticationFailed, auth.Scheme())
	}
	return a.Authenticate(ctx, identity, auth)
}
