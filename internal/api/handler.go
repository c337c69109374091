// handler.go -- dependencies shared by every HTTP handler.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MGallo-Code/postern/internal/adminauth"
	"github.com/MGallo-Code/postern/internal/captcha"
	"github.com/MGallo-Code/postern/internal/mail"
	"github.com/MGallo-Code/postern/internal/smtppool"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/verify"
	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

// CodeService is the verification request lifecycle. Satisfied by *verify.Service.
type CodeService interface {
	Send(ctx context.Context, in verify.SendInput) (*verify.SendResult, error)
	Verify(ctx context.Context, in verify.VerifyInput) (*verify.VerifyResult, error)
	ConsumeForRegister(ctx context.Context, in verify.ConsumeInput) error
	SendStatus(ctx context.Context, requestID uuid.UUID) (*verify.SendStatus, error)
}

// Reputation is the IP ban and counter surface. Satisfied by *reputation.Tracker.
type Reputation interface {
	AssertNotBanned(ctx context.Context, ip string) error
	ManualBan(ctx context.Context, ip string, until time.Time, reason string) (*store.IPBan, error)
	ManualUnban(ctx context.Context, ip string) error
	ListBans(ctx context.Context) ([]store.IPBan, error)
	ListStats(ctx context.Context, q store.IPStatsQuery) ([]store.IPStatsRow, int64, error)
	Today() time.Time
}

// RateLimiter is a fixed-window limiter.
// Satisfied by *ratelimit.FixedWindow and *store.RedisRateLimiter.
type RateLimiter interface {
	TryConsume(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Challenger proxies a captcha challenge. Satisfied by *captcha.CapVerifier.
type Challenger interface {
	Challenge(ctx context.Context) (json.RawMessage, error)
}

// AdminStore defines the provider and log operations behind the admin API.
// Satisfied by *store.PostgresStore.
type AdminStore interface {
	ListProviders(ctx context.Context) ([]store.SMTPProvider, error)
	GetProvider(ctx context.Context, id int64) (*store.SMTPProvider, error)
	CreateProvider(ctx context.Context, p store.SMTPProvider) (*store.SMTPProvider, error)
	UpdateProvider(ctx context.Context, p store.SMTPProvider) (*store.SMTPProvider, error)
	DeleteProvider(ctx context.Context, id int64) error
	ListDeliveryLogs(ctx context.Context, q store.LogQuery) ([]store.DeliveryLog, int64, error)
}

// ProviderPool is the runtime SMTP pool. Satisfied by *smtppool.Pool.
type ProviderPool interface {
	SendDirect(ctx context.Context, providerID int64, msg mail.Message) error
	Status(p *store.SMTPProvider) smtppool.ProviderStatus
	Health(p *store.SMTPProvider) store.ProviderHealth
	Forget(id int64)
}

// Encrypter seals provider passwords. Satisfied by *codecrypto.Crypto.
type Encrypter interface {
	Encrypt(plain string) (string, error)
}

// CodeDecrypter performs audited code decrypts. Satisfied by *audit.Decrypter.
type CodeDecrypter interface {
	Decrypt(ctx context.Context, logID uuid.UUID, adminUsername, adminIP string) (string, error)
}

// HealthChecker pings a backing service.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Limits are the per-IP, per-minute limits enforced at the HTTP layer.
// The send limit lives in verify.Config.
type Limits struct {
	ChallengePerMinute  int
	VerifyPerMinute     int // captcha verify proxy
	VerifyCodePerMinute int
}

// Handler holds dependencies for every HTTP handler and middleware.
type Handler struct {
	Codes      CodeService
	Reputation Reputation
	Limiter    RateLimiter
	Captcha    captcha.Verifier
	Challenger Challenger // nil when the provider has no challenge endpoint
	Limits     Limits

	Admin     adminauth.Verifier // nil leaves /admin unmounted
	Store     AdminStore
	Pool      ProviderPool
	Crypto    Encrypter
	Decrypter CodeDecrypter

	// InternalToken guards /internal/*; empty leaves the routes unmounted.
	InternalToken string

	DB      HealthChecker
	Redis   HealthChecker // nil reports "disabled"
	Metrics http.Handler  // nil leaves /metrics unmounted

	// Location parses admin date filters. nil means time.Local.
	Location *time.Location
}

func (h *Handler) loc() *time.Location {
	if h.Location != nil {
		return h.Location
	}
	return time.Local
}

// clientIP returns the resolved client address, falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if ip, ok := ClientIP(r.Context()); ok {
		return ip
	}
	return r.RemoteAddr
}
