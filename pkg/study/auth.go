package study

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingField is returned when a login form field is blank.
	ErrMissingField = errors.New("missing field")

	// ErrBadPassword is returned when the platform password does not match.
	ErrBadPassword = errors.New("incorrect password")
)

// HashPassword returns the SHA-256 hex digest of password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Authenticator checks the shared platform password.
type Authenticator struct {
	hash string
}

// NewAuthenticator creates an authenticator for a SHA-256 hex digest.
func NewAuthenticator(passwordHash string) *Authenticator {
	return &Authenticator{hash: strings.ToLower(strings.TrimSpace(passwordHash))}
}

// VerifyPassword reports whether password hashes to the configured digest.
func (a *Authenticator) VerifyPassword(password string) bool {
	got := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.hash)) == 1
}

// Validate checks a login form: affiliation, name and password must be
// non-blank and the password must match.
func (a *Authenticator) Validate(affiliation, name, password string) error {
	for _, f := range []struct{ field, value string }{
		{"affiliation", affiliation},
		{"name", name},
		{"password", password},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.field)
		}
	}
	if !a.VerifyPassword(password) {
		return ErrBadPassword
	}
	return nil
}
