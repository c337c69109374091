package adminauth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// adminRole must appear in the token's role or roles claim.
const adminRole = "admin"

// Claims is the payload of an HS256 admin token.
type Claims struct {
	Username string   `json:"username,omitempty"`
	Role     string   `json:"role,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) isAdmin() bool {
	return c.Role == adminRole || slices.Contains(c.Roles, adminRole)
}

// HMACVerifier accepts HS256/384/512 tokens signed with a shared secret.
// Tokens must carry an expiry.
type HMACVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewHMACVerifier returns a verifier for tokens signed with secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), leeway: 30 * time.Second}
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if len(v.secret) == 0 || token == "" {
		return nil, ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.now))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !claims.isAdmin() {
		return nil, fmt.Errorf("%w: missing admin role", ErrUnauthorized)
	}

	name := claims.Username
	if name == "" {
		name = claims.Subject
	}
	if name == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return &Identity{Username: name, Method: "hmac"}, nil
}

// SignHMAC issues an admin token for username valid for ttl. Used by the admin
// tooling and tests.
func SignHMAC(secret, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Role:     adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
