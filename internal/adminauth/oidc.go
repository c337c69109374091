package adminauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier accepts ID tokens from one issuer whose verified email is on the
// admin allowlist.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	admins   map[string]bool
}

// NewOIDCVerifier fetches the issuer's discovery document. Makes an outbound HTTP
// request at startup; returns an error if the issuer is unreachable.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string, admins []string) (*OIDCVerifier, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuer, err)
	}
	return newOIDCVerifier(p.Verifier(&oidc.Config{ClientID: clientID}), admins), nil
}

func newOIDCVerifier(v *oidc.IDTokenVerifier, admins []string) *OIDCVerifier {
	allow := make(map[string]bool, len(admins))
	for _, a := range admins {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			allow[a] = true
		}
	}
	return &OIDCVerifier{verifier: v, admins: allow}
}

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	var c struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: extracting claims: %w", ErrUnauthorized, err)
	}
	email := strings.ToLower(c.Email)
	if !c.EmailVerified || !v.admins[email] {
		return nil, fmt.Errorf("%w: %q is not an admin", ErrUnauthorized, email)
	}
	return &Identity{Username: email, Method: "oidc"}, nil
}
