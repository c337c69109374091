// Package adminauth verifies bearer tokens presented to the admin API.
//
// Two token sources are supported: HS256 tokens signed with ADMIN_JWT_SECRET and
// OIDC ID tokens from ADMIN_OIDC_ISSUER whose email is on the ADMIN_EMAILS allowlist.
package adminauth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized is returned for any token that does not identify an admin.
// Callers should not distinguish the reasons to the client.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified admin behind a request.
type Identity struct {
	Username string
	Method   string // "hmac" or "oidc"
}

// Verifier turns a raw bearer token into an admin Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Chain tries each verifier in order and returns the first identity.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (*Identity, error) {
	for _, v := range c {
		if id, err := v.Verify(ctx, token); err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" if the header is not a bearer credential.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type contextKey string

const identityKey contextKey = "admin_identity"

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the admin identity set by the API middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}
