package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/server"
)

var secret = []byte("test-secret")

func token(t *testing.T, key []byte, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "alice@example.org",
		Issuer:    "auth.example.org",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestJWTAuthenticator(t *testing.T) {
	a := server.NewJWTAuthenticator(secret, "auth.example.org")
	assert.Equal(t, []envelope.AuthenticationScheme{envelope.SchemeExternal}, a.Schemes())

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	otherIssuer := validClaims()
	otherIssuer.Issuer = "evil.example.org"
	otherSubject := validClaims()
	otherSubject.Subject = "bob@example.org"

	tests := []struct {
		name string
		auth envelope.Authentication
		ok   bool
	}{
		{"valid", &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS256, validClaims()), Issuer: "auth.example.org"}, true},
		{"issuer omitted in payload", &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS256, validClaims())}, true},
		{"payload issuer mismatch", &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS256, validClaims()), Issuer: "other"}, false},
		{"wrong key", &envelope.ExternalAuthentication{Token: token(t, []byte("other"), jwt.SigningMethodHS256, validClaims())}, false},
		{"wrong method", &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS512, validClaims())}, false},
		{"expired", &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS256, expired)}, false},
		{"token issuer", &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS256, otherIssuer)}, false},
		{"subject", &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS256, otherSubject)}, false},
		{"empty token", &envelope.ExternalAuthentication{}, false},
		{"guest", envelope.GuestAuthentication{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, err := a.Authenticate(context.Background(), alice, tt.auth)
			assert.Nil(t, challenge)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, server.ErrAuthenticationFailed)
			}
		})
	}
}

func TestPlainAuthenticator(t *testing.T) {
	a := server.NewPlainAuthenticator(map[string]string{"alice@example.org": "pw"})
	ctx := context.Background()

	_, err := a.Authenticate(ctx, alice, envelope.NewPlainAuthentication("pw"))
	assert.NoError(t, err)
	_, err = a.Authenticate(ctx, alice, envelope.NewPlainAuthentication("nope"))
	assert.ErrorIs(t, err, server.ErrAuthenticationFailed)
	_, err = a.Authenticate(ctx, envelope.Identity{Name: "bob", Domain: "example.org"}, envelope.NewPlainAuthentication("pw"))
	assert.ErrorIs(t, err, server.ErrAuthenticationFailed)
	_, err = a.Authenticate(ctx, alice, &envelope.PlainAuthentication{Password: "%%%"})
	assert.ErrorIs(t, err, server.ErrAuthenticationFailed)
}

func TestSchemeAuthenticator(t *testing.T) {
	a := server.NewSchemeAuthenticator(
		server.NewPlainAuthenticator(map[string]string{"alice@example.org": "pw"}),
		server.GuestAuthenticator{},
		server.NewJWTAuthenticator(secret, ""),
	)
	assert.Equal(t, []envelope.AuthenticationScheme{
		envelope.SchemePlain, envelope.SchemeGuest, envelope.SchemeExternal,
	}, a.Schemes())

	ctx := context.Background()
	_, err := a.Authenticate(ctx, alice, envelope.GuestAuthentication{})
	assert.NoError(t, err)
	_, err = a.Authenticate(ctx, alice, envelope.NewPlainAuthentication("pw"))
	assert.NoError(t, err)
	_, err = a.Authenticate(ctx, alice, &envelope.ExternalAuthentication{Token: token(t, secret, jwt.SigningMethodHS256, validClaims())})
	assert.NoError(t, err)
	_, err = a.Authenticate(ctx, alice, envelope.NewKeyAuthentication("k"))
	assert.ErrorIs(t, err, server.ErrAuthenticationFailed)
	_, err = a.Authenticate(ctx, alice, nil)
	assert.ErrorIs(t, err, server.ErrAuthenticationFailed)
}
