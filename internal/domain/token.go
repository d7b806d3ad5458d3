// Package domain token.go contains functions to generate, parse, and validate download tokens
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenLen is the length of the hex-encoded token.
const TokenLen = 32

// Token is the capability credential for a stored file. Possession of the
// token is the only thing required to read the file's info or download it.
// It is a 128-bit random value encoded as 32 lowercase hex characters.
type Token string

// NewToken generates a new cryptographically random 128-bit Token encoded
// as 32 lowercase hexadecimal characters.
func NewToken() (Token, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	dst := make([]byte, TokenLen)
	hex.Encode(dst, b[:]) // hex.Encode always produces lowercase
	return Token(dst), nil
}

// ParseToken validates s and returns it as a Token. It enforces:
// - length == 32
// - only lowercase [0-9a-f]
// Returns ErrInvalidToken on failure.
func ParseToken(s string) (Token, error) {
	if !isValidToken(s) {
		return "", ErrInvalidToken
	}
	return Token(s), nil
}

// String returns the string form of the Token.
func (t Token) String() string { return string(t) }

// Valid reports whether the token satisfies the same rules as ParseToken.
func (t Token) Valid() bool { return isValidToken(string(t)) }

// Short returns a prefix of the token safe to put in log lines.
func (t Token) Short() string {
	if len(t) <= 6 {
		return string(t)
	}
	return string(t[:6])
}

// isValidToken performs validation without allocating errors.
func isValidToken(s string) bool {
	if len(s) != TokenLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
