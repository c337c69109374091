// mocks.go
//
// Mock collaborators shared by tests: SMTP transport, rate limiter, captcha and notifier.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/postern/internal/mail"
	"github.com/MGallo-Code/postern/internal/store"
)

// SentMail is one message accepted by MockTransport.
type SentMail struct {
	Provider string
	Password string
	Msg      mail.Message
}

// MockTransport implements mail.Transport.
// FailFor maps provider name → error returned for sends through that provider.
type MockTransport struct {
	FailFor map[string]error
	Err     error // returned for every provider not in FailFor

	Sent     []SentMail
	Attempts []string // provider names, in call order

	mu sync.Mutex
}

func (m *MockTransport) Send(_ context.Context, p *store.SMTPProvider, password string, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempts = append(m.Attempts, p.Name)
	if err, ok := m.FailFor[p.Name]; ok {
		return err
	}
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMail{Provider: p.Name, Password: password, Msg: msg})
	return nil
}

// Last returns the most recently accepted message, or false if none.
func (m *MockTransport) Last() (SentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentMail{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}

// Messages returns a copy of every accepted message.
func (m *MockTransport) Messages() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.Sent...)
}

// SentCount returns the number of accepted messages.
func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// MockLimiter implements the TryConsume rate limiter interface.
// Keys listed in Deny are rejected; every call is recorded in Keys.
type MockLimiter struct {
	Deny map[string]bool
	Err  error

	Keys []string

	mu sync.Mutex
}

func (m *MockLimiter) TryConsume(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Keys = append(m.Keys, key)
	if m.Err != nil {
		return false, m.Err
	}
	return !m.Deny[key], nil
}

// MockCaptcha implements captcha.Verifier. Err is returned from every call.
type MockCaptcha struct {
	Err error

	Payloads []string

	mu sync.Mutex
}

func (m *MockCaptcha) Verify(_ context.Context, payload, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Payloads = append(m.Payloads, payload)
	return m.Err
}

// Calls returns the number of Verify calls.
func (m *MockCaptcha) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Payloads)
}

// MockNotifier counts outbox wake-ups.
type MockNotifier struct {
	Err error

	count int
	mu    sync.Mutex
}

func (m *MockNotifier) Notify(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	return m.Err
}

// Count returns the number of Notify calls.
func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
