// turnstile.go -- Cloudflare Turnstile CAPTCHA verifier.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// turnstileURL is a var so tests can point it at httptest.
var turnstileURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// TurnstileVerifier verifies Cloudflare Turnstile tokens against the siteverify API.
type TurnstileVerifier struct {
	secret     string
	httpClient *http.Client
}

// NewTurnstileVerifier returns a TurnstileVerifier using the given secret key.
// timeout bounds the outbound request.
func NewTurnstileVerifier(secret string, timeout time.Duration) *TurnstileVerifier {
	return &TurnstileVerifier{
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify checks the token against Cloudflare's siteverify endpoint.
// Returns nil on success, ErrRejected (wrapped with the error codes) on a refusal,
// and a plain error on network/decode failures.
func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	if strings.TrimSpace(token) == "" {
		return ErrRejected
	}
	if v.secret == "" {
		return ErrNotConfigured
	}
	body := url.Values{
		"secret":   {v.secret},
		"response": {token},
		"remoteip": {remoteIP},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, turnstileURL, strings.NewReader(body.Encode()))
	if err != nil {
		return fmt.Errorf("turnstile: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("turnstile: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("turnstile: decoding response: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("%w: turnstile error codes %v", ErrRejected, result.ErrorCodes)
	}
	return nil
}
