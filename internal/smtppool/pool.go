// Package smtppool picks an SMTP provider for each outbound email.
//
// Providers are configured in the store. For each one the pool keeps a circuit
// breaker (opened after FailureThreshold consecutive failures, cleared after
// CircuitOpen) and per-minute / per-day quotas. SendWithFailover tries providers in
// random order until one accepts the message.
package smtppool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MGallo-Code/postern/internal/mail"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/telemetry"
	"github.com/jackc/pgx/v5"
)

// ErrUnavailable is returned when no provider can take the message.
var ErrUnavailable = errors.New("no smtp provider available")

// ErrUnknownProvider is returned by SendDirect for an id the store does not know.
var ErrUnknownProvider = errors.New("smtp provider not found")

// ProviderStore is the persistence the pool needs. Satisfied by *store.PostgresStore.
type ProviderStore interface {
	ListEnabledProviders(ctx context.Context) ([]store.SMTPProvider, error)
	GetProvider(ctx context.Context, id int64) (*store.SMTPProvider, error)
	SaveProviderHealth(ctx context.Context, id int64, h store.ProviderHealth) error
}

// Decrypter recovers provider passwords. Satisfied by *codecrypto.Crypto.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Config holds the breaker and failover settings.
type Config struct {
	FailureThreshold int
	CircuitOpen      time.Duration
	MaxAttempts      int            // providers tried per SendWithFailover; <= 0 means all
	Location         *time.Location // zone that defines the daily quota; nil means time.Local
}

// ProviderStatus is the admin-facing state of a provider.
type ProviderStatus string

const (
	StatusDisabled    ProviderStatus = "DISABLED"
	StatusCircuitOpen ProviderStatus = "CIRCUIT_OPEN"
	StatusActive      ProviderStatus = "ACTIVE"
)

// Pool is safe for concurrent use. Construct with New.
type Pool struct {
	store     ProviderStore
	transport mail.Transport
	crypto    Decrypter
	cfg       Config

	Metrics *telemetry.Metrics
	Now     func() time.Time
	Shuffle func([]store.SMTPProvider) // defaults to a uniform random permutation

	mu     sync.Mutex // guards states
	states map[int64]*providerState
}

// New returns a pool over the providers in ps.
func New(ps ProviderStore, tr mail.Transport, dec Decrypter, cfg Config) *Pool {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Pool{
		store:     ps,
		transport: tr,
		crypto:    dec,
		cfg:       cfg,
		states:    make(map[int64]*providerState),
	}
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pool) shuffle(ps []store.SMTPProvider) {
	if p.Shuffle != nil {
		p.Shuffle(ps)
		return
	}
	rand.Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })
}

// state returns the runtime state for prov, seeding it from the persisted health on first sight.
func (p *Pool) state(prov *store.SMTPProvider) *providerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[prov.ID]
	if !ok {
		s = &providerState{h: prov.Health}
		p.states[prov.ID] = s
	}
	return s
}

func (p *Pool) limits(prov *store.SMTPProvider) limits {
	return limits{
		maxPerMinute:     prov.MaxPerMinute,
		maxPerDay:        prov.MaxPerDay,
		failureThreshold: p.cfg.FailureThreshold,
		circuitOpen:      p.cfg.CircuitOpen,
		loc:              p.cfg.Location,
	}
}

// SendWithFailover delivers msg through the first available provider that accepts it.
// Returns the provider that delivered, or ErrUnavailable (wrapping the last transport
// error, if any provider was tried).
func (p *Pool) SendWithFailover(ctx context.Context, msg mail.Message) (*store.SMTPProvider, error) {
	providers, err := p.store.ListEnabledProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing smtp providers: %w", err)
	}
	if len(providers) == 0 {
		return nil, ErrUnavailable
	}
	p.shuffle(providers)

	maxAttempts := len(providers)
	if p.cfg.MaxAttempts > 0 && p.cfg.MaxAttempts < maxAttempts {
		maxAttempts = p.cfg.MaxAttempts
	}

	var lastErr error
	tried := 0
	for i := range providers {
		if tried >= maxAttempts {
			break
		}
		prov := &providers[i]
		s := p.state(prov)
		if !s.reserve(p.now(), p.limits(prov)) {
			continue
		}
		tried++
		if err := p.attempt(ctx, prov, s, msg); err != nil {
			lastErr = err
			slog.Warn("smtppool: provider failed, trying next", "provider", prov.Name, "error", err)
			continue
		}
		return prov, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
	}
	return nil, ErrUnavailable
}

// SendDirect delivers msg through one named provider, without failover.
// The provider must be available; the transport error is returned as is.
func (p *Pool) SendDirect(ctx context.Context, providerID int64, msg mail.Message) error {
	prov, err := p.store.GetProvider(ctx, providerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownProvider
	}
	if err != nil {
		return fmt.Errorf("loading smtp provider: %w", err)
	}
	if !prov.Enabled {
		return ErrUnavailable
	}
	s := p.state(prov)
	if !s.reserve(p.now(), p.limits(prov)) {
		return ErrUnavailable
	}
	return p.attempt(ctx, prov, s, msg)
}

// attempt runs one reserved send and records its outcome.
func (p *Pool) attempt(ctx context.Context, prov *store.SMTPProvider, s *providerState, msg mail.Message) error {
	err := p.send(ctx, prov, msg)
	h := s.finish(err == nil, p.now(), p.limits(prov))
	p.Metrics.SMTPAttempt(ctx, prov.Name, err == nil)
	if h.CircuitOpenedAt != nil && err != nil && h.FailureCount == p.cfg.FailureThreshold {
		slog.Warn("smtppool: circuit opened", "provider", prov.Name, "failures", h.FailureCount)
	}
	// Health is best effort; a lost write only affects the seed after a restart.
	if serr := p.store.SaveProviderHealth(ctx, prov.ID, h); serr != nil {
		slog.Warn("smtppool: saving provider health failed", "provider", prov.Name, "error", serr)
	}
	return err
}

func (p *Pool) send(ctx context.Context, prov *store.SMTPProvider, msg mail.Message) error {
	password := ""
	if prov.PasswordEncrypted != nil && *prov.PasswordEncrypted != "" {
		pw, err := p.crypto.Decrypt(*prov.PasswordEncrypted)
		if err != nil {
			return fmt.Errorf("decrypting smtp password: %w", err)
		}
		password = pw
	}
	return p.transport.Send(ctx, prov, password, msg)
}

// HasAvailable reports whether any enabled provider could take a send right now.
func (p *Pool) HasAvailable(ctx context.Context) bool {
	providers, err := p.store.ListEnabledProviders(ctx)
	if err != nil {
		slog.Error("smtppool: listing providers failed", "error", err)
		return false
	}
	now := p.now()
	for i := range providers {
		prov := &providers[i]
		s := p.state(prov)
		ok, changed := s.available(now, p.limits(prov))
		if changed {
			if err := p.store.SaveProviderHealth(ctx, prov.ID, s.snapshot()); err != nil {
				slog.Warn("smtppool: saving provider health failed", "provider", prov.Name, "error", err)
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Status reports the admin-facing state of prov.
func (p *Pool) Status(prov *store.SMTPProvider) ProviderStatus {
	if !prov.Enabled {
		return StatusDisabled
	}
	h := p.Health(prov)
	if h.CircuitOpenedAt != nil && p.now().Before(h.CircuitOpenedAt.Add(p.cfg.CircuitOpen)) {
		return StatusCircuitOpen
	}
	return StatusActive
}

// Health returns the live health of prov: the in-memory state if the pool has seen it,
// else the persisted columns.
func (p *Pool) Health(prov *store.SMTPProvider) store.ProviderHealth {
	p.mu.Lock()
	s, ok := p.states[prov.ID]
	p.mu.Unlock()
	if !ok {
		return prov.Health
	}
	return s.snapshot()
}

// Forget drops the runtime state of a provider (after it is deleted).
func (p *Pool) Forget(id int64) {
	p.mu.Lock()
	delete(p.states, id)
	p.mu.Unlock()
}
