package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	// Helper sets the minimum required env vars for a valid config
	setRequired := func(t *testing.T) {
		t.Helper()
		t.Setenv("DATABASE_URL", "postgres://localhost/postern")
	}

	t.Run("returns valid config with all required vars", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/postern" {
			t.Errorf("DatabaseURL: expected %q, got %q", "postgres://localhost/postern", cfg.DatabaseURL)
		}
	})

	t.Run("errors when DATABASE_URL is missing", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing DATABASE_URL, got nil")
		}
	})

	t.Run("REDIS_URL is optional", func(t *testing.T) {
		setRequired(t)
		t.Setenv("REDIS_URL", "")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.RedisURL != "" {
			t.Errorf("RedisURL: expected empty, got %q", cfg.RedisURL)
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PORT", "")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		checks := []struct {
			name     string
			got, exp any
		}{
			{"Port", cfg.Port, "7865"},
			{"LogLevel", cfg.LogLevel, slog.LevelInfo},
			{"CodeTTL", cfg.CodeTTL, 5 * time.Minute},
			{"ResendInterval", cfg.ResendInterval, time.Minute},
			{"MaxVerifyAttempts", cfg.MaxVerifyAttempts, 5},
			{"AutoBanThreshold", cfg.AutoBanThreshold, 50},
			{"AutoBanExtra", cfg.AutoBanExtra, 5 * time.Minute},
			{"RateSendPerMinute", cfg.RateSendPerMinute, 10},
			{"RateVerifyCodePerMinute", cfg.RateVerifyCodePerMinute, 30},
			{"RateLimitBackend", cfg.RateLimitBackend, "memory"},
			{"DomainPolicyEnabled", cfg.DomainPolicyEnabled, true},
			{"SMTPFailureThreshold", cfg.SMTPFailureThreshold, 3},
			{"SMTPCircuitOpen", cfg.SMTPCircuitOpen, 10 * time.Minute},
			{"SendTaskInitialBackoff", cfg.SendTaskInitialBackoff, 10 * time.Second},
			{"SendTaskMaxBackoff", cfg.SendTaskMaxBackoff, 300 * time.Second},
			{"SendTaskWorkerDelay", cfg.SendTaskWorkerDelay, 2 * time.Second},
			{"SweepInterval", cfg.SweepInterval, time.Minute},
			{"CaptchaProvider", cfg.CaptchaProvider, "cap"},
			{"MailSubject", cfg.MailSubject, "Your verification code"},
			{"TestMode", cfg.TestMode, false},
		}
		for _, c := range checks {
			if c.got != c.exp {
				t.Errorf("%s: expected %v, got %v", c.name, c.exp, c.got)
			}
		}
	})

	t.Run("reads overrides", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CODE_TTL", "10m")
		t.Setenv("MAX_VERIFY_ATTEMPTS", "3")
		t.Setenv("LOG_LEVEL", "DEBUG")
		t.Setenv("DOMAIN_POLICY_ENABLED", "false")
		t.Setenv("DOMAIN_DENYLIST", " spam.test , ,junk.test")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.CodeTTL != 10*time.Minute || cfg.MaxVerifyAttempts != 3 {
			t.Errorf("overrides: CodeTTL %v MaxVerifyAttempts %d", cfg.CodeTTL, cfg.MaxVerifyAttempts)
		}
		if cfg.LogLevel != slog.LevelDebug {
			t.Errorf("LogLevel: got %v", cfg.LogLevel)
		}
		if cfg.DomainPolicyEnabled {
			t.Error("DomainPolicyEnabled should be false")
		}
		if !slices.Equal(cfg.DomainDenylist, []string{"spam.test", "junk.test"}) {
			t.Errorf("DomainDenylist: got %v", cfg.DomainDenylist)
		}
	})

	t.Run("falls back on invalid values", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CODE_TTL", "soon")
		t.Setenv("MAX_VERIFY_ATTEMPTS", "-2")
		t.Setenv("TEST_MODE", "maybe")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.CodeTTL != 5*time.Minute || cfg.MaxVerifyAttempts != 5 || cfg.TestMode {
			t.Errorf("fallbacks not applied: %+v", cfg)
		}
	})

	t.Run("trusted proxies default to loopback", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TRUSTED_PROXIES", "")
		os.Unsetenv("TRUSTED_PROXIES")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if !slices.Equal(cfg.TrustedProxies, []string{"127.0.0.1", "::1"}) {
			t.Errorf("TrustedProxies: got %v", cfg.TrustedProxies)
		}
	})

	t.Run("empty trusted proxies trusts nobody", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TRUSTED_PROXIES", "")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if len(cfg.TrustedProxies) != 0 {
			t.Errorf("TrustedProxies: got %v", cfg.TrustedProxies)
		}
	})

	t.Run("loads timezone", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TIMEZONE", "UTC")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Location != time.UTC {
			t.Errorf("Location: got %v", cfg.Location)
		}
	})

	errorCases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown timezone", map[string]string{"TIMEZONE": "Mars/Olympus"}},
		{"unknown limiter backend", map[string]string{"RATE_LIMIT_BACKEND": "memcached"}},
		{"redis backend without REDIS_URL", map[string]string{"RATE_LIMIT_BACKEND": "redis", "REDIS_URL": ""}},
		{"unknown captcha provider", map[string]string{"CAPTCHA_PROVIDER": "recaptcha"}},
		{"turnstile without secret", map[string]string{"CAPTCHA_PROVIDER": "turnstile", "TURNSTILE_SECRET": ""}},
		{"captcha none outside test mode", map[string]string{"CAPTCHA_PROVIDER": "none", "TEST_MODE": "false"}},
		{"oidc issuer without client id", map[string]string{"ADMIN_OIDC_ISSUER": "https://id.example.com", "ADMIN_OIDC_CLIENT_ID": ""}},
		{"short admin secret", map[string]string{"ADMIN_JWT_SECRET": "short"}},
	}
	for _, tc := range errorCases {
		t.Run("errors on "+tc.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}

	t.Run("captcha none in test mode", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CAPTCHA_PROVIDER", "none")
		t.Setenv("TEST_MODE", "true")

		if _, err := LoadConfig(); err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
	})
}

// --- LoadProviders ---

const seedYAML = `
- name: primary
  host: smtp.example.com
  port: 587
  username: mailer
  password: hunter2
  from: no-reply@example.com
  tls: true
  max_per_minute: 60
- name: backup
  host: smtp.backup.test
  port: 465
  from: no-reply@example.com
  ssl: true
  enabled: false
`

func TestParseProviders(t *testing.T) {
	t.Run("decodes entries", func(t *testing.T) {
		seeds, err := ParseProviders([]byte(seedYAML))
		if err != nil {
			t.Fatalf("ParseProviders: %v", err)
		}
		if len(seeds) != 2 {
			t.Fatalf("expected 2 seeds, got %d", len(seeds))
		}
		p := seeds[0]
		if p.Name != "primary" || p.Port != 587 || !p.TLS || p.Password != "hunter2" || !p.IsEnabled() {
			t.Errorf("primary: %+v", p)
		}
		if p.MaxPerMinute == nil || *p.MaxPerMinute != 60 || p.MaxPerDay != nil {
			t.Errorf("primary quotas: %v / %v", p.MaxPerMinute, p.MaxPerDay)
		}
		if seeds[1].IsEnabled() || !seeds[1].SSL {
			t.Errorf("backup: %+v", seeds[1])
		}
	})

	invalid := map[string]string{
		"missing host":   "- {name: a, port: 25, from: a@b.c}",
		"bad port":       "- {name: a, host: h, port: 0, from: a@b.c}",
		"bad from":       "- {name: a, host: h, port: 25, from: nobody}",
		"tls and ssl":    "- {name: a, host: h, port: 25, from: a@b.c, tls: true, ssl: true}",
		"duplicate name": "- {name: a, host: h, port: 25, from: a@b.c}\n- {name: a, host: h, port: 26, from: a@b.c}",
		"not a list":     "name: a",
	}
	for name, doc := range invalid {
		t.Run("rejects "+name, func(t *testing.T) {
			if _, err := ParseProviders([]byte(doc)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	t.Run("reports every problem in an entry", func(t *testing.T) {
		_, err := ParseProviders([]byte("- {port: 0}"))
		if err == nil {
			t.Fatal("expected error")
		}
		for _, want := range []string{"name is required", "host is required", "port 0"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q missing %q", err, want)
			}
		}
	})
}

func TestLoadProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	seeds, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	if len(seeds) != 2 {
		t.Errorf("expected 2 seeds, got %d", len(seeds))
	}

	if _, err := LoadProviders(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
