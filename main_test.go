// main_test.go
//
// Level 3 smoke tests
// chi wiring via httptest.NewServer with in-memory collaborators.
// Exercises the whole path a code takes: send -> outbox -> SMTP pool -> verify -> consume,
// plus the startup helpers that pick captcha and admin auth.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/MGallo-Code/postern/internal/adminauth"
	"github.com/MGallo-Code/postern/internal/api"
	"github.com/MGallo-Code/postern/internal/captcha"
	"github.com/MGallo-Code/postern/internal/codecrypto"
	"github.com/MGallo-Code/postern/internal/config"
	"github.com/MGallo-Code/postern/internal/domainpolicy"
	"github.com/MGallo-Code/postern/internal/outbox"
	"github.com/MGallo-Code/postern/internal/ratelimit"
	"github.com/MGallo-Code/postern/internal/reputation"
	"github.com/MGallo-Code/postern/internal/smtppool"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/telemetry"
	"github.com/MGallo-Code/postern/internal/testutil"
	"github.com/MGallo-Code/postern/internal/verify"
)

const (
	smokeEmail    = "smoke@example.com"
	smokeToken    = "smoke-internal-token"
	smokeSecret   = "smoke-admin-secret-smoke-admin-secret"
	smokeClientIP = "127.0.0.1" // httptest.NewServer loopback peer
)

var codePattern = regexp.MustCompile(`Verification code: (\d{6})`)

// smokeEnv is a running server over MockStore with a worker that the test drives by hand.
type smokeEnv struct {
	server    *httptest.Server
	store     *testutil.MockStore
	transport *testutil.MockTransport
	worker    *outbox.Worker
	crypto    *codecrypto.Crypto
}

func newSmokeEnv(t *testing.T) *smokeEnv {
	t.Helper()
	key, err := codecrypto.ResolveKey(codecrypto.KeySource{AllowTestSeed: true})
	if err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
	crypto, err := codecrypto.New(key, "smoke-salt")
	if err != nil {
		t.Fatalf("codecrypto.New: %v", err)
	}
	pw, err := crypto.Encrypt("relay-password")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ms := testutil.NewMockStore(
		store.SMTPProvider{Name: "flaky", Host: "a.example.com", Port: 587, FromAddress: "a@example.com", Enabled: true, PasswordEncrypted: &pw},
		store.SMTPProvider{Name: "steady", Host: "b.example.com", Port: 587, FromAddress: "b@example.com", Enabled: true, PasswordEncrypted: &pw},
	)
	tr := &testutil.MockTransport{FailFor: map[string]error{"flaky": context.DeadlineExceeded}}

	metrics, err := telemetry.New("postern-smoke")
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}
	t.Cleanup(func() { metrics.Shutdown(context.Background()) })

	pool := smtppool.New(ms, tr, crypto, smtppool.Config{FailureThreshold: 3, CircuitOpen: time.Minute, Location: time.UTC})
	pool.Metrics = metrics
	// Deterministic order: the failing provider first, so failover is exercised.
	pool.Shuffle = func([]store.SMTPProvider) {}

	limiter := ratelimit.NewFixedWindow()
	tracker := &reputation.Tracker{Store: ms, Threshold: 50, Extra: 5 * time.Minute, Location: time.UTC}
	svc := &verify.Service{
		Store:      ms,
		Reputation: tracker,
		Limiter:    limiter,
		Domains:    domainpolicy.New(domainpolicy.Config{Enabled: true}),
		Captcha:    captcha.PassVerifier{},
		Pool:       pool,
		Crypto:     crypto,
		Metrics:    metrics,
		Config:     verify.Config{CodeTTL: 10 * time.Minute, ResendInterval: time.Minute, MaxVerifyAttempts: 5, SendPerMinute: 10},
	}
	worker := outbox.NewWorker(ms, crypto, pool, outbox.Config{
		BatchSize: 10, MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute,
		Lease: time.Minute, CodeTTL: 10 * time.Minute, Subject: "Your verification code",
	})
	worker.Metrics = metrics

	admin, err := buildAdminAuth(context.Background(), &config.Config{AdminJWTSecret: smokeSecret})
	if err != nil {
		t.Fatalf("buildAdminAuth: %v", err)
	}
	h := &api.Handler{
		Codes:         svc,
		Reputation:    tracker,
		Limiter:       limiter,
		Captcha:       captcha.PassVerifier{},
		Limits:        api.Limits{ChallengePerMinute: 10, VerifyPerMinute: 10, VerifyCodePerMinute: 10},
		Admin:         admin,
		Store:         ms,
		Pool:          pool,
		Crypto:        crypto,
		InternalToken: smokeToken,
		DB:            ms,
		Metrics:       metrics.Handler(),
		Location:      time.UTC,
	}
	ipr, err := api.NewIPResolver([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewIPResolver: %v", err)
	}
	srv := httptest.NewServer(api.NewRouter(h, ipr))
	t.Cleanup(srv.Close)

	return &smokeEnv{server: srv, store: ms, transport: tr, worker: worker, crypto: crypto}
}

func (env *smokeEnv) post(t *testing.T, path string, body any, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, env.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestSmoke_Health(t *testing.T) {
	env := newSmokeEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
}

func TestSmoke_Metrics(t *testing.T) {
	env := newSmokeEnv(t)

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
}

// TestSmoke_FullRoundTrip: send -> worker delivers (with failover) -> verify -> consume -> consume again fails.
func TestSmoke_FullRoundTrip(t *testing.T) {
	env := newSmokeEnv(t)

	// 1. Send
	resp := env.post(t, "/register/email-code/send",
		map[string]string{"username": "smoke", "email": smokeEmail, "captchaPayload": "pass"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: expected 200, got %d", resp.StatusCode)
	}
	var sent struct {
		RequestID  string `json:"requestId"`
		SendStatus string `json:"sendStatus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		t.Fatalf("decoding send response: %v", err)
	}
	resp.Body.Close()

	// 2. Nothing is mailed until the worker runs.
	if env.transport.SentCount() != 0 {
		t.Fatal("no email expected before the worker runs")
	}
	n, err := env.worker.RunCycle(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunCycle: n=%d err=%v", n, err)
	}
	mailed, ok := env.transport.Last()
	if !ok {
		t.Fatal("expected a delivered email")
	}
	if mailed.Provider != "steady" {
		t.Errorf("provider: expected failover to steady, got %s", mailed.Provider)
	}
	if mailed.Password != "relay-password" {
		t.Errorf("transport password: got %q", mailed.Password)
	}
	m := codePattern.FindStringSubmatch(mailed.Msg.Body)
	if m == nil {
		t.Fatalf("no code in body %q", mailed.Msg.Body)
	}
	code := m[1]

	// 3. Send status reflects delivery.
	statusResp, err := http.Get(env.server.URL + "/register/email-code/send-status?requestId=" + sent.RequestID)
	if err != nil {
		t.Fatalf("GET send-status: %v", err)
	}
	var status struct {
		Status string `json:"status"`
	}
	json.NewDecoder(statusResp.Body).Decode(&status)
	statusResp.Body.Close()
	if status.Status != string(store.TaskSent) {
		t.Errorf("send status: expected SENT, got %q", status.Status)
	}

	// 4. Verify
	resp = env.post(t, "/register/email-code/verify",
		map[string]string{"requestId": sent.RequestID, "email": smokeEmail, "code": code}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", resp.StatusCode)
	}

	// 5. Consume, then consume again.
	consume := map[string]string{
		"requestId": sent.RequestID, "email": smokeEmail, "code": code, "ip": smokeClientIP, "username": "smoke",
	}
	resp = env.post(t, "/internal/register/consume", consume, smokeToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consume: expected 200, got %d", resp.StatusCode)
	}
	resp = env.post(t, "/internal/register/consume", consume, smokeToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second consume: expected 400, got %d", resp.StatusCode)
	}
}

func TestSmoke_AdminRequiresToken(t *testing.T) {
	env := newSmokeEnv(t)

	resp, err := http.Get(env.server.URL + "/admin/smtp")
	if err != nil {
		t.Fatalf("GET /admin/smtp: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: expected 401, got %d", resp.StatusCode)
	}

	token, err := adminauth.SignHMAC(smokeSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("SignHMAC: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/admin/smtp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /admin/smtp: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
}

// --- Startup helpers ---

func TestBuildCaptcha(t *testing.T) {
	tests := []struct {
		provider      string
		wantChallenge bool
	}{
		{"cap", true},
		{"turnstile", false},
		{"none", false},
	}
	for _, tc := range tests {
		t.Run(tc.provider, func(t *testing.T) {
			v, c := buildCaptcha(&config.Config{CaptchaProvider: tc.provider, CapTimeout: time.Second})
			if v == nil {
				t.Fatal("expected a verifier")
			}
			if (c != nil) != tc.wantChallenge {
				t.Errorf("challenger present: expected %v, got %v", tc.wantChallenge, c != nil)
			}
		})
	}

	t.Run("none accepts any payload", func(t *testing.T) {
		v, _ := buildCaptcha(&config.Config{CaptchaProvider: "none"})
		if err := v.Verify(context.Background(), "anything", "127.0.0.1"); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})
}

func TestBuildAdminAuth(t *testing.T) {
	t.Run("nothing configured leaves admin disabled", func(t *testing.T) {
		chain, err := buildAdminAuth(context.Background(), &config.Config{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if chain != nil {
			t.Error("expected nil chain")
		}
	})

	t.Run("hmac secret yields one verifier", func(t *testing.T) {
		chain, err := buildAdminAuth(context.Background(), &config.Config{AdminJWTSecret: smokeSecret})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(chain) != 1 {
			t.Fatalf("expected 1 verifier, got %d", len(chain))
		}
		token, _ := adminauth.SignHMAC(smokeSecret, "ops", time.Minute)
		id, err := chain.Verify(context.Background(), token)
		if err != nil || id.Username != "ops" {
			t.Errorf("Verify: id=%+v err=%v", id, err)
		}
	})

	t.Run("unreachable oidc issuer fails startup", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := buildAdminAuth(ctx, &config.Config{AdminOIDCIssuer: "http://127.0.0.1:1", AdminOIDCClientID: "postern"})
		if err == nil {
			t.Error("expected error")
		}
	})
}
