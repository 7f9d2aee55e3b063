// Package id generates the identifiers carried by envelopes and sessions.
//
// Envelope and session ids are random UUIDs. Node instances use the shorter
// hex form, which stays readable inside a name@domain/instance address.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// UUID generates a random (v4) UUID in its canonical string form.
func UUID() string {
	return uuid.NewString()
}

// Envelope generates an id for an outbound envelope.
func Envelope() string {
	return uuid.NewString()
}

// Session generates a session id. The server assigns it when a channel is
// accepted.
func Session() string {
	return uuid.NewString()
}

// Short generates a 16-character random hex id.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Instance generates a node instance name.
func Instance() string {
	return Short()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
