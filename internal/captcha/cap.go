// cap.go -- self-hosted Cap (proof-of-work) verifier and challenge proxy.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CapVerifier talks to a Cap server at <BaseURL>/<SiteKey>/....
type CapVerifier struct {
	baseURL    string
	siteKey    string
	secret     string
	httpClient *http.Client
}

// NewCapVerifier returns a CapVerifier. timeout bounds every outbound request.
func NewCapVerifier(baseURL, siteKey, secret string, timeout time.Duration) *CapVerifier {
	return &CapVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		siteKey:    siteKey,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (v *CapVerifier) configured() bool {
	return v.baseURL != "" && v.siteKey != "" && v.secret != ""
}

func (v *CapVerifier) endpoint(action string) string {
	return v.baseURL + "/" + v.siteKey + "/" + action
}

// Verify posts the token to siteverify. An empty token, a non-2xx answer or an
// unreadable body is a rejection; transport failures are returned as is.
func (v *CapVerifier) Verify(ctx context.Context, token, _ string) error {
	if strings.TrimSpace(token) == "" {
		return ErrRejected
	}
	if !v.configured() {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]string{"secret": v.secret, "response": token})
	if err != nil {
		return fmt.Errorf("cap: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint("siteverify"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("cap: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cap: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: siteverify status %d", ErrRejected, resp.StatusCode)
	}
	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: unreadable siteverify response", ErrRejected)
	}
	if !result.Success {
		return ErrRejected
	}
	return nil
}

// Challenge fetches a fresh challenge for the widget and returns the raw JSON body.
func (v *CapVerifier) Challenge(ctx context.Context) (json.RawMessage, error) {
	if !v.configured() {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint("challenge"), nil)
	if err != nil {
		return nil, fmt.Errorf("cap: building challenge request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cap: challenge request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cap: reading challenge: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("cap: challenge status %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("cap: challenge is not json")
	}
	return json.RawMessage(body), nil
}
