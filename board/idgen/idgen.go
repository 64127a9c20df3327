// Package idgen mints the opaque identifiers used across the board
// server: session tokens, element identifiers, and subscriber user
// identifiers.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// sessionAlphabet is lowercase-alphanumeric only so session tokens are
// safe to paste into a URL path without escaping.
const sessionAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// sessionIDLength of 7 characters over a 36-symbol alphabet gives roughly
// 36 bits of entropy — enough that casual collisions don't happen, short
// enough to read aloud.
const sessionIDLength = 7

// NewSessionID mints a fresh session token. Sessions are an
// unauthenticated shared namespace — this is not a capability token, just
// a name unlikely to collide or be guessed casually.
func NewSessionID() string {
	return randomString(sessionAlphabet, sessionIDLength)
}

// Generator implements board.IDGenerator using uuid v4 for element
// identifiers and a short random token for user identifiers.
type Generator struct{}

// NewElementID mints an opaque element identifier.
func (Generator) NewElementID() string {
	return uuid.NewString()
}

// NewUserID mints a short opaque subscriber identifier, assigned on
// socket attach.
func (Generator) NewUserID() string {
	return randomString(sessionAlphabet, 10)
}

func randomString(alphabet string, n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable, which this process cannot recover from anyway.
		panic(err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
