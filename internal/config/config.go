// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all env configuration vars for Postern.
type Config struct {
	DatabaseURL string
	RedisURL    string // optional; enables the redis limiter backend and outbox wake-ups
	Port        string
	LogLevel    slog.Level

	// TestMode allows the fixed-seed key fallback and CAPTCHA_PROVIDER=none.
	TestMode bool

	// Location defines "today" for IP counters, provider day quotas and the auto-ban midnight.
	Location *time.Location

	// Request lifecycle.
	CodeTTL           time.Duration
	ResendInterval    time.Duration
	MaxVerifyAttempts int

	// IP reputation.
	AutoBanThreshold int
	AutoBanExtra     time.Duration

	// Per-IP, per-minute rate limits.
	RateChallengePerMinute  int
	RateVerifyPerMinute     int
	RateSendPerMinute       int
	RateVerifyCodePerMinute int
	RateLimitBackend        string // "memory" or "redis"

	// Email domain policy.
	DomainPolicyEnabled   bool
	DomainAllowlist       []string
	DomainDenylist        []string
	DisposableDomainsPath string

	// SMTP pool and transport.
	SMTPFailureThreshold int
	SMTPCircuitOpen      time.Duration
	SMTPConnectTimeout   time.Duration
	SMTPReadTimeout      time.Duration
	SMTPMaxAttempts      int
	SMTPProvidersFile    string
	MailSubject          string

	// Outbox worker.
	SendTaskBatchSize      int
	SendTaskMaxAttempts    int
	SendTaskInitialBackoff time.Duration
	SendTaskMaxBackoff     time.Duration
	SendTaskWorkerDelay    time.Duration
	SendTaskLease          time.Duration
	SweepInterval          time.Duration

	// Code key material. See codecrypto.ResolveKey.
	CodeEncryptionKey string
	CodeKeySecret     string
	CodeHashSalt      string

	// CAPTCHA. Provider is "cap", "turnstile" or "none".
	CaptchaProvider string
	CapBaseURL      string
	CapSiteKey      string
	CapSiteSecret   string
	CapTimeout      time.Duration
	TurnstileSecret string

	// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For / X-Real-IP are honoured.
	TrustedProxies []string

	// Admin API authentication. At least one of the two token sources should be set.
	AdminJWTSecret    string
	AdminOIDCIssuer   string
	AdminOIDCClientID string
	AdminEmails       []string

	// InternalAPIToken guards /internal/*. Empty leaves the routes unmounted.
	InternalAPIToken string
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if DATABASE_URL is missing or a setting is inconsistent.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.TestMode = envBool("TEST_MODE", false)

	cfg.Location = time.Local
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("TIMEZONE %q: %w", tz, err)
		}
		cfg.Location = loc
	}

	cfg.CodeTTL = envDuration("CODE_TTL", 5*time.Minute)
	cfg.ResendInterval = envDuration("RESEND_INTERVAL", time.Minute)
	cfg.MaxVerifyAttempts = envInt("MAX_VERIFY_ATTEMPTS", 5)

	cfg.AutoBanThreshold = envInt("AUTO_BAN_THRESHOLD", 50)
	cfg.AutoBanExtra = envDuration("AUTO_BAN_EXTRA", 5*time.Minute)

	cfg.RateChallengePerMinute = envInt("RATE_CHALLENGE_PER_MINUTE", 30)
	cfg.RateVerifyPerMinute = envInt("RATE_VERIFY_PER_MINUTE", 30)
	cfg.RateSendPerMinute = envInt("RATE_SEND_PER_MINUTE", 10)
	cfg.RateVerifyCodePerMinute = envInt("RATE_VERIFY_CODE_PER_MINUTE", 30)

	cfg.RateLimitBackend = strings.ToLower(os.Getenv("RATE_LIMIT_BACKEND"))
	switch cfg.RateLimitBackend {
	case "":
		cfg.RateLimitBackend = "memory"
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", cfg.RateLimitBackend)
	}

	cfg.DomainPolicyEnabled = envBool("DOMAIN_POLICY_ENABLED", true)
	cfg.DomainAllowlist = envList("DOMAIN_ALLOWLIST")
	cfg.DomainDenylist = envList("DOMAIN_DENYLIST")
	cfg.DisposableDomainsPath = os.Getenv("DISPOSABLE_DOMAINS_PATH")

	cfg.SMTPFailureThreshold = envInt("SMTP_FAILURE_THRESHOLD", 3)
	cfg.SMTPCircuitOpen = envDuration("SMTP_CIRCUIT_OPEN", 10*time.Minute)
	cfg.SMTPConnectTimeout = envDuration("SMTP_CONNECT_TIMEOUT", 5*time.Second)
	cfg.SMTPReadTimeout = envDuration("SMTP_READ_TIMEOUT", 10*time.Second)
	cfg.SMTPMaxAttempts = envInt("SMTP_MAX_ATTEMPTS", 3)
	cfg.SMTPProvidersFile = os.Getenv("SMTP_PROVIDERS_FILE")
	cfg.MailSubject = os.Getenv("MAIL_SUBJECT")
	if cfg.MailSubject == "" {
		cfg.MailSubject = "Your verification code"
	}

	cfg.SendTaskBatchSize = envInt("SEND_TASK_BATCH_SIZE", 10)
	cfg.SendTaskMaxAttempts = envInt("SEND_TASK_MAX_ATTEMPTS", 3)
	cfg.SendTaskInitialBackoff = envDuration("SEND_TASK_INITIAL_BACKOFF", 10*time.Second)
	cfg.SendTaskMaxBackoff = envDuration("SEND_TASK_MAX_BACKOFF", 300*time.Second)
	cfg.SendTaskWorkerDelay = envDuration("SEND_TASK_WORKER_DELAY", 2*time.Second)
	cfg.SendTaskLease = envDuration("SEND_TASK_LEASE", 2*time.Minute)
	cfg.SweepInterval = envDuration("SWEEP_INTERVAL", time.Minute)

	cfg.CodeEncryptionKey = os.Getenv("CODE_ENCRYPTION_KEY")
	cfg.CodeKeySecret = os.Getenv("CODE_KEY_SECRET")
	cfg.CodeHashSalt = os.Getenv("CODE_HASH_SALT")

	cfg.CaptchaProvider = strings.ToLower(os.Getenv("CAPTCHA_PROVIDER"))
	if cfg.CaptchaProvider == "" {
		cfg.CaptchaProvider = "cap"
	}
	cfg.CapBaseURL = os.Getenv("CAP_BASE_URL")
	cfg.CapSiteKey = os.Getenv("CAP_SITE_KEY")
	cfg.CapSiteSecret = os.Getenv("CAP_SITE_SECRET")
	cfg.CapTimeout = envDuration("CAP_TIMEOUT", 5*time.Second)
	cfg.TurnstileSecret = os.Getenv("TURNSTILE_SECRET")

	switch cfg.CaptchaProvider {
	case "cap":
		// An unconfigured Cap verifier fails closed at request time, not at startup.
	case "turnstile":
		if cfg.TurnstileSecret == "" {
			return nil, fmt.Errorf("CAPTCHA_PROVIDER=turnstile requires TURNSTILE_SECRET")
		}
	case "none":
		if !cfg.TestMode {
			return nil, fmt.Errorf("CAPTCHA_PROVIDER=none is only allowed with TEST_MODE=true")
		}
	default:
		return nil, fmt.Errorf("CAPTCHA_PROVIDER must be cap, turnstile or none, got %q", cfg.CaptchaProvider)
	}

	cfg.TrustedProxies = envList("TRUSTED_PROXIES")
	if _, set := os.LookupEnv("TRUSTED_PROXIES"); !set {
		cfg.TrustedProxies = []string{"127.0.0.1", "::1"}
	}

	cfg.AdminJWTSecret = os.Getenv("ADMIN_JWT_SECRET")
	cfg.AdminOIDCIssuer = os.Getenv("ADMIN_OIDC_ISSUER")
	cfg.AdminOIDCClientID = os.Getenv("ADMIN_OIDC_CLIENT_ID")
	cfg.AdminEmails = envList("ADMIN_EMAILS")
	if cfg.AdminOIDCIssuer != "" && cfg.AdminOIDCClientID == "" {
		return nil, fmt.Errorf("ADMIN_OIDC_ISSUER requires ADMIN_OIDC_CLIENT_ID")
	}
	if cfg.AdminJWTSecret != "" && len(cfg.AdminJWTSecret) < 32 {
		return nil, fmt.Errorf("ADMIN_JWT_SECRET must be at least 32 bytes")
	}

	cfg.InternalAPIToken = os.Getenv("INTERNAL_API_TOKEN")

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var as bool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// envList splits a comma-separated env var, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
