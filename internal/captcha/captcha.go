// Package captcha verifies proof-of-humanity payloads before a code is sent.
package captcha

import (
	"context"
	"errors"
	"strings"
)

// ErrRejected means the provider answered and said no. Any other error from Verify
// means the provider could not be asked.
var ErrRejected = errors.New("captcha rejected")

// ErrNotConfigured is returned by a verifier that is missing its credentials.
var ErrNotConfigured = errors.New("captcha provider not configured")

// Verifier checks a client payload. nil means the client passed.
type Verifier interface {
	Verify(ctx context.Context, payload, remoteIP string) error
}

// PassVerifier accepts any non-empty payload. Test mode only.
type PassVerifier struct{}

func (PassVerifier) Verify(_ context.Context, payload, _ string) error {
	if strings.TrimSpace(payload) == "" {
		return ErrRejected
	}
	return nil
}
