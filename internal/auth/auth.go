// Package auth decides whether an agent may log in and which subdomain
// names it may register.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadToken is returned when a login token is rejected.
	ErrBadToken = errors.New("unauthorized")

	// ErrUnauthorizedName is returned when an identity may not claim
	// the requested name.
	ErrUnauthorizedName = errors.New("name not authorized")
)

// Identity is an opaque handle for an authenticated agent. What it
// contains is the authenticator's business; the server only carries it
// between Authenticate and Authorize.
type Identity string

// Authenticator validates login tokens and name registrations.
type Authenticator interface {
	// Authenticate checks a login token and returns the agent's identity.
	Authenticate(token []byte) (Identity, error)

	// Authorize checks whether the identity may register the given name.
	Authorize(identity Identity, name string) error
}

// AllowAll accepts every token and every name. This is the default
// when no tokens are configured.
type AllowAll struct{}

// Authenticate accepts any token.
func (AllowAll) Authenticate(token []byte) (Identity, error) {
	return "", nil
}

// Authorize accepts any name.
func (AllowAll) Authorize(identity Identity, name string) error {
	return nil
}

// dummyHash is a pre-computed bcrypt hash compared against when no
// stored entry matches, so every rejection costs at least one bcrypt
// comparison.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// TokenAuthenticator validates tokens against a static list. Entries
// starting with "$2" are treated as bcrypt hashes; anything else is
// compared in constant time as plaintext.
type TokenAuthenticator struct {
	tokens []string
}

// NewTokenAuthenticator creates an authenticator over the given tokens.
func NewTokenAuthenticator(tokens []string) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

// Authenticate checks the token against every configured entry.
func (a *TokenAuthenticator) Authenticate(token []byte) (Identity, error) {
	matched := false
	for _, stored := range a.tokens {
		if isBcryptHash(stored) {
			if bcrypt.CompareHashAndPassword([]byte(stored), token) == nil {
				matched = true
			}
		} else if subtle.ConstantTimeCompare([]byte(stored), token) == 1 {
			matched = true
		}
	}

	if !matched {
		// Burn a comparison so an empty or all-plaintext list still pays
		// for one bcrypt comparison. Each hashed entry adds its own, so
		// rejection time grows with the number of hashed entries.
		bcrypt.CompareHashAndPassword([]byte(dummyHash), token)
		return "", ErrBadToken
	}
	return "", nil
}

// Authorize accepts any name for an authenticated agent.
func (a *TokenAuthenticator) Authorize(identity Identity, name string) error {
	return nil
}

func isBcryptHash(s string) bool {
	return len(s) > 3 && s[0] == '$' && s[1] == '2'
}
