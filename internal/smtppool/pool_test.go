package smtppool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/postern/internal/mail"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/testutil"
)

// fakeDecrypter strips an "enc:" prefix; anything else fails like a bad envelope.
type fakeDecrypter struct{}

func (fakeDecrypter) Decrypt(envelope string) (string, error) {
	if !strings.HasPrefix(envelope, "enc:") {
		return "", errors.New("bad envelope")
	}
	return strings.TrimPrefix(envelope, "enc:"), nil
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testMsg = mail.Message{To: "user@example.com", Subject: "Your code", Body: "123456"}

// newTestPool returns a pool with deterministic provider order and a controllable clock.
func newTestPool(ms *testutil.MockStore, tr *testutil.MockTransport, cfg Config) (*Pool, *clock) {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CircuitOpen == 0 {
		cfg.CircuitOpen = 10 * time.Minute
	}
	cfg.Location = time.UTC
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := New(ms, tr, fakeDecrypter{}, cfg)
	p.Now = c.now
	p.Shuffle = func([]store.SMTPProvider) {}
	return p, c
}

func provider(id int64, name string) store.SMTPProvider {
	return store.SMTPProvider{ID: id, Name: name, Host: name + ".example.com", Port: 587, FromAddress: "no-reply@example.com", Enabled: true}
}

// --- SendWithFailover ---

func TestSendWithFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("fails over to the next provider", func(t *testing.T) {
		ms := testutil.NewMockStore(provider(1, "a"), provider(2, "b"))
		tr := &testutil.MockTransport{FailFor: map[string]error{"a": errors.New("connection refused")}}
		p, _ := newTestPool(ms, tr, Config{})

		got, err := p.SendWithFailover(ctx, testMsg)
		if err != nil {
			t.Fatalf("SendWithFailover: %v", err)
		}
		if got.Name != "b" {
			t.Errorf("delivered via %q, want b", got.Name)
		}
		if ms.Providers[1].Health.FailureCount != 1 {
			t.Errorf("a failure count: got %d, want 1", ms.Providers[1].Health.FailureCount)
		}
		if ms.Providers[1].Health.LastFailureAt == nil {
			t.Error("a last failure should be recorded")
		}
		hb := ms.Providers[2].Health
		if hb.SentMinuteCount != 1 || hb.SentDayCount != 1 || hb.LastSuccessAt == nil {
			t.Errorf("b counters not updated: %+v", hb)
		}
	})

	t.Run("all providers failing wraps the last error", func(t *testing.T) {
		last := errors.New("b is down")
		ms := testutil.NewMockStore(provider(1, "a"), provider(2, "b"))
		tr := &testutil.MockTransport{FailFor: map[string]error{"a": errors.New("a is down"), "b": last}}
		p, _ := newTestPool(ms, tr, Config{})

		_, err := p.SendWithFailover(ctx, testMsg)
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if !errors.Is(err, last) {
			t.Errorf("expected last transport error to be wrapped, got %v", err)
		}
	})

	t.Run("no enabled providers", func(t *testing.T) {
		off := provider(1, "a")
		off.Enabled = false
		p, _ := newTestPool(testutil.NewMockStore(off), &testutil.MockTransport{}, Config{})

		if _, err := p.SendWithFailover(ctx, testMsg); !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("max attempts caps providers tried", func(t *testing.T) {
		ms := testutil.NewMockStore(provider(1, "a"), provider(2, "b"), provider(3, "c"))
		down := errors.New("down")
		tr := &testutil.MockTransport{FailFor: map[string]error{"a": down, "b": down}}
		p, _ := newTestPool(ms, tr, Config{MaxAttempts: 2})

		if _, err := p.SendWithFailover(ctx, testMsg); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if len(tr.Attempts) != 2 {
			t.Errorf("attempts: got %v, want 2 providers", tr.Attempts)
		}
	})

	t.Run("unavailable providers do not use up attempts", func(t *testing.T) {
		full := provider(1, "a")
		full.MaxPerMinute = intPtr(0)
		ms := testutil.NewMockStore(full, provider(2, "b"))
		tr := &testutil.MockTransport{}
		p, _ := newTestPool(ms, tr, Config{MaxAttempts: 1})

		got, err := p.SendWithFailover(ctx, testMsg)
		if err != nil {
			t.Fatalf("SendWithFailover: %v", err)
		}
		if got.Name != "b" {
			t.Errorf("delivered via %q, want b", got.Name)
		}
	})

	t.Run("decrypted password reaches the transport", func(t *testing.T) {
		prov := provider(1, "a")
		prov.Username = "mailer"
		prov.PasswordEncrypted = strPtr("enc:hunter2")
		ms := testutil.NewMockStore(prov)
		tr := &testutil.MockTransport{}
		p, _ := newTestPool(ms, tr, Config{})

		if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
			t.Fatalf("SendWithFailover: %v", err)
		}
		sent, _ := tr.Last()
		if sent.Password != "hunter2" {
			t.Errorf("password: got %q", sent.Password)
		}
	})

	t.Run("undecryptable password counts as a provider failure", func(t *testing.T) {
		bad := provider(1, "a")
		bad.PasswordEncrypted = strPtr("garbage")
		ms := testutil.NewMockStore(bad, provider(2, "b"))
		tr := &testutil.MockTransport{}
		p, _ := newTestPool(ms, tr, Config{})

		got, err := p.SendWithFailover(ctx, testMsg)
		if err != nil {
			t.Fatalf("SendWithFailover: %v", err)
		}
		if got.Name != "b" {
			t.Errorf("delivered via %q, want b", got.Name)
		}
		if ms.Providers[1].Health.FailureCount != 1 {
			t.Errorf("a failure count: got %d, want 1", ms.Providers[1].Health.FailureCount)
		}
	})

	t.Run("health save failure does not fail the send", func(t *testing.T) {
		ms := testutil.NewMockStore(provider(1, "a"))
		ms.SaveHealthErr = errors.New("db down")
		p, _ := newTestPool(ms, &testutil.MockTransport{}, Config{})

		if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
			t.Errorf("SendWithFailover: %v", err)
		}
	})
}

// --- Circuit breaker ---

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("opens at threshold and closes after cooldown", func(t *testing.T) {
		ms := testutil.NewMockStore(provider(1, "a"))
		tr := &testutil.MockTransport{Err: errors.New("down")}
		p, c := newTestPool(ms, tr, Config{FailureThreshold: 3, CircuitOpen: 10 * time.Minute})

		for i := 0; i < 3; i++ {
			p.SendWithFailover(ctx, testMsg)
		}
		if ms.Providers[1].Health.CircuitOpenedAt == nil {
			t.Fatal("circuit should be open after 3 failures")
		}
		if p.HasAvailable(ctx) {
			t.Error("provider should be unavailable while the circuit is open")
		}

		tr.Err = nil
		if _, err := p.SendWithFailover(ctx, testMsg); !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable while open, got %v", err)
		}
		if len(tr.Attempts) != 3 {
			t.Errorf("open circuit must not reach the transport: %d attempts", len(tr.Attempts))
		}

		c.advance(10 * time.Minute)
		if !p.HasAvailable(ctx) {
			t.Fatal("provider should be eligible after cooldown")
		}
		if ms.Providers[1].Health.FailureCount != 0 || ms.Providers[1].Health.CircuitOpenedAt != nil {
			t.Errorf("cooldown should reset the breaker: %+v", ms.Providers[1].Health)
		}
		if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
			t.Errorf("send after cooldown: %v", err)
		}
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		ms := testutil.NewMockStore(provider(1, "a"))
		tr := &testutil.MockTransport{Err: errors.New("down")}
		p, _ := newTestPool(ms, tr, Config{FailureThreshold: 3})

		p.SendWithFailover(ctx, testMsg)
		p.SendWithFailover(ctx, testMsg)
		tr.Err = nil
		if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
			t.Fatalf("SendWithFailover: %v", err)
		}
		if ms.Providers[1].Health.FailureCount != 0 {
			t.Errorf("failure count: got %d, want 0", ms.Providers[1].Health.FailureCount)
		}
	})

	t.Run("persisted open circuit is honoured on first sight", func(t *testing.T) {
		prov := provider(1, "a")
		opened := time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC)
		prov.Health.FailureCount = 3
		prov.Health.CircuitOpenedAt = &opened
		p, _ := newTestPool(testutil.NewMockStore(prov), &testutil.MockTransport{}, Config{})

		if p.HasAvailable(ctx) {
			t.Error("provider with a recently opened circuit should be unavailable")
		}
		if got := p.Status(&prov); got != StatusCircuitOpen {
			t.Errorf("Status: got %s, want %s", got, StatusCircuitOpen)
		}
	})
}

// --- Quotas ---

func TestQuotas(t *testing.T) {
	ctx := context.Background()

	t.Run("per-minute quota rolls over after a minute", func(t *testing.T) {
		prov := provider(1, "a")
		prov.MaxPerMinute = intPtr(2)
		ms := testutil.NewMockStore(prov)
		p, c := newTestPool(ms, &testutil.MockTransport{}, Config{})

		for i := 0; i < 2; i++ {
			if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		}
		if _, err := p.SendWithFailover(ctx, testMsg); !errors.Is(err, ErrUnavailable) {
			t.Errorf("third send in the minute: expected ErrUnavailable, got %v", err)
		}

		c.advance(time.Minute)
		if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
			t.Errorf("send in the next minute: %v", err)
		}
	})

	t.Run("per-day quota rolls over at the date change", func(t *testing.T) {
		prov := provider(1, "a")
		prov.MaxPerDay = intPtr(1)
		ms := testutil.NewMockStore(prov)
		p, c := newTestPool(ms, &testutil.MockTransport{}, Config{})

		if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
			t.Fatalf("first send: %v", err)
		}
		c.advance(time.Hour)
		if p.HasAvailable(ctx) {
			t.Error("daily quota should be exhausted")
		}
		c.advance(12 * time.Hour)
		if !p.HasAvailable(ctx) {
			t.Error("daily quota should reset on the next date")
		}
	})

	t.Run("failed sends do not count toward quotas", func(t *testing.T) {
		prov := provider(1, "a")
		prov.MaxPerMinute = intPtr(1)
		ms := testutil.NewMockStore(prov)
		tr := &testutil.MockTransport{Err: errors.New("down")}
		p, _ := newTestPool(ms, tr, Config{FailureThreshold: 10})

		p.SendWithFailover(ctx, testMsg)
		tr.Err = nil
		if _, err := p.SendWithFailover(ctx, testMsg); err != nil {
			t.Errorf("send after failure: %v", err)
		}
	})
}

func TestReserve_CountsInFlight(t *testing.T) {
	s := &providerState{}
	l := limits{maxPerMinute: intPtr(1), loc: time.UTC}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !s.reserve(now, l) {
		t.Fatal("first reserve should succeed")
	}
	if s.reserve(now, l) {
		t.Error("second reserve should fail while the first is in flight")
	}
	s.finish(false, now, l)
	if !s.reserve(now, l) {
		t.Error("reserve should succeed once the failed slot is released")
	}
}

func TestSendWithFailover_ConcurrentQuota(t *testing.T) {
	prov := provider(1, "a")
	prov.MaxPerMinute = intPtr(5)
	ms := testutil.NewMockStore(prov)
	tr := &testutil.MockTransport{}
	p, _ := newTestPool(ms, tr, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.SendWithFailover(context.Background(), testMsg)
		}()
	}
	wg.Wait()

	if got := tr.SentCount(); got != 5 {
		t.Errorf("sent %d messages, quota is 5", got)
	}
}

// --- SendDirect ---

func TestSendDirect(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown provider", func(t *testing.T) {
		p, _ := newTestPool(testutil.NewMockStore(), &testutil.MockTransport{}, Config{})
		if err := p.SendDirect(ctx, 42, testMsg); !errors.Is(err, ErrUnknownProvider) {
			t.Errorf("expected ErrUnknownProvider, got %v", err)
		}
	})

	t.Run("disabled provider is unavailable", func(t *testing.T) {
		off := provider(1, "a")
		off.Enabled = false
		p, _ := newTestPool(testutil.NewMockStore(off), &testutil.MockTransport{}, Config{})
		if err := p.SendDirect(ctx, 1, testMsg); !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("transport error is returned without failover", func(t *testing.T) {
		boom := errors.New("550 mailbox unavailable")
		ms := testutil.NewMockStore(provider(1, "a"), provider(2, "b"))
		tr := &testutil.MockTransport{FailFor: map[string]error{"a": boom}}
		p, _ := newTestPool(ms, tr, Config{})

		if err := p.SendDirect(ctx, 1, testMsg); !errors.Is(err, boom) {
			t.Errorf("expected transport error, got %v", err)
		}
		if len(tr.Attempts) != 1 {
			t.Errorf("attempts: got %v, want only a", tr.Attempts)
		}
		if ms.Providers[1].Health.FailureCount != 1 {
			t.Errorf("failure count: got %d, want 1", ms.Providers[1].Health.FailureCount)
		}
	})

	t.Run("delivers through the named provider", func(t *testing.T) {
		ms := testutil.NewMockStore(provider(1, "a"), provider(2, "b"))
		tr := &testutil.MockTransport{}
		p, _ := newTestPool(ms, tr, Config{})

		if err := p.SendDirect(ctx, 2, testMsg); err != nil {
			t.Fatalf("SendDirect: %v", err)
		}
		sent, _ := tr.Last()
		if sent.Provider != "b" {
			t.Errorf("delivered via %q, want b", sent.Provider)
		}
	})
}

// --- Status / Forget ---

func TestStatus(t *testing.T) {
	ctx := context.Background()
	ms := testutil.NewMockStore(provider(1, "a"))
	tr := &testutil.MockTransport{Err: errors.New("down")}
	p, _ := newTestPool(ms, tr, Config{FailureThreshold: 1})

	prov := ms.Providers[1]
	if got := p.Status(prov); got != StatusActive {
		t.Errorf("fresh provider: got %s, want ACTIVE", got)
	}

	p.SendWithFailover(ctx, testMsg)
	if got := p.Status(prov); got != StatusCircuitOpen {
		t.Errorf("after failure: got %s, want CIRCUIT_OPEN", got)
	}

	off := *prov
	off.Enabled = false
	if got := p.Status(&off); got != StatusDisabled {
		t.Errorf("disabled: got %s, want DISABLED", got)
	}

	p.Forget(1)
	clean := provider(1, "a")
	if got := p.Status(&clean); got != StatusActive {
		t.Errorf("after Forget: got %s, want ACTIVE", got)
	}
}
