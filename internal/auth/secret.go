package auth

import (
	"crypto/subtle"
	"strings"
)

// BearerSecret checks "Authorization: Bearer <secret>" headers against a
// shared secret.
type BearerSecret string

// Valid reports whether header carries the secret. An empty secret
// rejects everything.
func (s BearerSecret) Valid(header string) bool {
	if s == "" {
		return false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s)) == 1
}
