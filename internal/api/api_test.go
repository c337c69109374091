// api_test.go -- shared fixture: a full router over in-memory collaborators.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/postern/internal/adminauth"
	"github.com/MGallo-Code/postern/internal/audit"
	"github.com/MGallo-Code/postern/internal/codecrypto"
	"github.com/MGallo-Code/postern/internal/domainpolicy"
	"github.com/MGallo-Code/postern/internal/reputation"
	"github.com/MGallo-Code/postern/internal/smtppool"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/testutil"
	"github.com/MGallo-Code/postern/internal/verify"
)

const (
	testClientIP      = "192.0.2.1" // httptest.NewRequest's RemoteAddr host
	testEmail         = "alice@example.com"
	testCode          = "123456"
	testInternalToken = "internal-token"
	testAdminSecret   = "0123456789abcdef0123456789abcdef"
)

// fakeChallenger returns a fixed challenge body.
type fakeChallenger struct{ err error }

func (f fakeChallenger) Challenge(context.Context) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"challenge":{"c":50,"s":32,"d":4},"token":"tok"}`), nil
}

type testEnv struct {
	h          *Handler
	router     http.Handler
	store      *testutil.MockStore
	limiter    *testutil.MockLimiter
	captcha    *testutil.MockCaptcha
	transport  *testutil.MockTransport
	crypto     *codecrypto.Crypto
	adminToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	crypto, err := codecrypto.New(bytes.Repeat([]byte{7}, 32), "")
	if err != nil {
		t.Fatalf("codecrypto.New: %v", err)
	}
	pw, err := crypto.Encrypt("smtp-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ms := testutil.NewMockStore(store.SMTPProvider{
		Name: "primary", Host: "smtp.example.com", Port: 587, Username: "mailer",
		PasswordEncrypted: &pw, FromAddress: "no-reply@example.com", UseTLS: true, Enabled: true,
	})

	env := &testEnv{
		store:     ms,
		limiter:   &testutil.MockLimiter{},
		captcha:   &testutil.MockCaptcha{},
		transport: &testutil.MockTransport{},
		crypto:    crypto,
	}
	tracker := &reputation.Tracker{Store: ms, Threshold: 50, Extra: 5 * time.Minute, Location: time.UTC}
	pool := smtppool.New(ms, env.transport, crypto, smtppool.Config{
		FailureThreshold: 3, CircuitOpen: time.Minute, Location: time.UTC,
	})
	svc := &verify.Service{
		Store:      ms,
		Reputation: tracker,
		Limiter:    env.limiter,
		Domains:    domainpolicy.New(domainpolicy.Config{Enabled: true, Disposable: []string{"mailinator.com"}}),
		Captcha:    env.captcha,
		Pool:       pool,
		Crypto:     crypto,
		Config: verify.Config{
			CodeTTL: 5 * time.Minute, ResendInterval: time.Minute, MaxVerifyAttempts: 3, SendPerMinute: 10,
		},
		NewCode: func() (string, error) { return testCode, nil },
	}

	env.h = &Handler{
		Codes:      svc,
		Reputation: tracker,
		Limiter:    env.limiter,
		Captcha:    env.captcha,
		Challenger: fakeChallenger{},
		Limits:     Limits{ChallengePerMinute: 10, VerifyPerMinute: 10, VerifyCodePerMinute: 10},

		Admin:     adminauth.NewHMACVerifier(testAdminSecret),
		Store:     ms,
		Pool:      pool,
		Crypto:    crypto,
		Decrypter: &audit.Decrypter{Store: ms, Cipher: crypto},

		InternalToken: testInternalToken,
		DB:            ms,
		Location:      time.UTC,
	}
	ipr, err := NewIPResolver(nil)
	if err != nil {
		t.Fatalf("NewIPResolver: %v", err)
	}
	env.router = NewRouter(env.h, ipr)

	env.adminToken, err = adminauth.SignHMAC(testAdminSecret, "root", time.Hour)
	if err != nil {
		t.Fatalf("SignHMAC: %v", err)
	}
	return env
}

// do sends a request through the router. body is JSON-encoded unless it is a string.
func (env *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, path, rd)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	return w
}

func (env *testEnv) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, method, path, body, env.adminToken)
}

// send issues a code for testEmail and returns the request id.
func (env *testEnv) send(t *testing.T) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/register/email-code/send",
		map[string]string{"username": "alice", "email": testEmail, "captchaPayload": "ok"}, "")
	assertStatus(t, w, http.StatusOK)
	var res struct {
		RequestID string `json:"requestId"`
	}
	decodeBody(t, w, &res)
	if res.RequestID == "" {
		t.Fatal("send: empty requestId")
	}
	return res.RequestID
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status: expected %d, got %d (body %s)", want, w.Code, w.Body.String())
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

// assertMessage checks a {"message": ...} body.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	decodeBody(t, w, &body)
	if body.Message != want {
		t.Errorf("message: expected %q, got %q", want, body.Message)
	}
}
