// Package identity holds the authenticated context for the client: the
// bearer token and the owner id used to namespace persisted snapshots.
// It is constructed explicitly at login and torn down on logout or 401,
// never reached through a package-level singleton.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var errNoToken = errors.New("no token")

// Identity is the current signed-in context. Safe for concurrent use.
type Identity struct {
	mu        sync.RWMutex
	token     string
	ownerID   string
	expiresAt time.Time
}

// FromToken builds an Identity from a bearer token. The subject and
// expiry are read from unverified claims: the client has no signing key
// and the Gateway re-validates every call anyway. The subject namespaces
// the local snapshot; it is never used to authorize anything locally.
func FromToken(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token claims: %w", err)
	}
	id := &Identity{token: token}
	if sub, err := claims.GetSubject(); err == nil {
		id.ownerID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.expiresAt = exp.Time
	}
	return id, nil
}

// New builds an Identity with an already-resolved owner, for tokens
// whose subject claim is unusable and was looked up via /auth/me.
func New(token, ownerID string) *Identity {
	return &Identity{token: token, ownerID: ownerID}
}

// Token returns the bearer token, or "" after Clear.
func (i *Identity) Token() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token
}

// OwnerID returns the token subject used for snapshot namespacing.
func (i *Identity) OwnerID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ownerID
}

// SetOwnerID overrides the namespace owner, for tokens without a usable
// subject claim (resolved via /auth/me instead).
func (i *Identity) SetOwnerID(owner string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ownerID = owner
}

// Renew swaps in a fresh token, re-reading subject and expiry from its
// claims. The owner is kept when the new token carries no usable
// subject, so the snapshot namespace never changes mid-session.
func (i *Identity) Renew(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parse token claims: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.token = token
	i.expiresAt = time.Time{}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		i.ownerID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		i.expiresAt = exp.Time
	}
	return nil
}

// ExpiresWithin reports whether the token expires inside d. Returns
// false when the token carries no expiry.
func (i *Identity) ExpiresWithin(d time.Duration) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.expiresAt.IsZero() {
		return false
	}
	return time.Until(i.expiresAt) < d
}

// Clear drops the token and owner. Called on logout and on any 401.
func (i *Identity) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.token = ""
	i.ownerID = ""
	i.expiresAt = time.Time{}
}

// SignedIn reports whether a token is held.
func (i *Identity) SignedIn() bool {
	return i.Token() != ""
}
