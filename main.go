package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/postern/internal/adminauth"
	"github.com/MGallo-Code/postern/internal/api"
	"github.com/MGallo-Code/postern/internal/audit"
	"github.com/MGallo-Code/postern/internal/captcha"
	"github.com/MGallo-Code/postern/internal/codecrypto"
	"github.com/MGallo-Code/postern/internal/config"
	"github.com/MGallo-Code/postern/internal/domainpolicy"
	"github.com/MGallo-Code/postern/internal/mail"
	"github.com/MGallo-Code/postern/internal/outbox"
	"github.com/MGallo-Code/postern/internal/ratelimit"
	"github.com/MGallo-Code/postern/internal/reputation"
	"github.com/MGallo-Code/postern/internal/smtppool"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/telemetry"
	"github.com/MGallo-Code/postern/internal/verify"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A nil transport means real SMTP.
func run(ctx context.Context, cfg *config.Config, ready chan<- string, transport mail.Transport) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	key, err := codecrypto.ResolveKey(codecrypto.KeySource{
		EncodedKey:    cfg.CodeEncryptionKey,
		Secret:        cfg.CodeKeySecret,
		AllowTestSeed: cfg.TestMode,
	})
	if err != nil {
		return err
	}
	crypto, err := codecrypto.New(key, cfg.CodeHashSalt)
	if err != nil {
		return fmt.Errorf("failed to set up code crypto: %w", err)
	}

	// Redis is optional: it backs the shared rate limiter and outbox wake-ups.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
	}

	var limiter api.RateLimiter
	var window *ratelimit.FixedWindow
	if cfg.RateLimitBackend == "redis" {
		limiter = store.NewRedisRateLimiter(rdb)
	} else {
		window = ratelimit.NewFixedWindow()
		limiter = window
	}

	osFs := afero.NewOsFs()
	domains := domainpolicy.New(domainpolicy.Config{
		Enabled:    cfg.DomainPolicyEnabled,
		Allowlist:  cfg.DomainAllowlist,
		Denylist:   cfg.DomainDenylist,
		Disposable: domainpolicy.LoadDisposable(osFs, cfg.DisposableDomainsPath),
	})

	verifier, challenger := buildCaptcha(cfg)

	if cfg.SMTPProvidersFile != "" {
		if err := seedProviders(ctx, ps, crypto, cfg.SMTPProvidersFile); err != nil {
			return err
		}
	}

	metrics, err := telemetry.New("postern")
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown failed", "error", err)
		}
	}()

	if transport == nil {
		transport = &mail.SMTPTransport{ConnectTimeout: cfg.SMTPConnectTimeout, ReadTimeout: cfg.SMTPReadTimeout}
	}
	pool := smtppool.New(ps, transport, crypto, smtppool.Config{
		FailureThreshold: cfg.SMTPFailureThreshold,
		CircuitOpen:      cfg.SMTPCircuitOpen,
		MaxAttempts:      cfg.SMTPMaxAttempts,
		Location:         cfg.Location,
	})
	pool.Metrics = metrics

	tracker := &reputation.Tracker{
		Store:     ps,
		Threshold: cfg.AutoBanThreshold,
		Extra:     cfg.AutoBanExtra,
		Location:  cfg.Location,
	}

	svc := &verify.Service{
		Store:      ps,
		Reputation: tracker,
		Limiter:    limiter,
		Domains:    domains,
		Captcha:    verifier,
		Pool:       pool,
		Crypto:     crypto,
		Metrics:    metrics,
		Config: verify.Config{
			CodeTTL:           cfg.CodeTTL,
			ResendInterval:    cfg.ResendInterval,
			MaxVerifyAttempts: cfg.MaxVerifyAttempts,
			SendPerMinute:     cfg.RateSendPerMinute,
		},
	}

	worker := outbox.NewWorker(ps, crypto, pool, outbox.Config{
		BatchSize:      cfg.SendTaskBatchSize,
		MaxAttempts:    cfg.SendTaskMaxAttempts,
		InitialBackoff: cfg.SendTaskInitialBackoff,
		MaxBackoff:     cfg.SendTaskMaxBackoff,
		Delay:          cfg.SendTaskWorkerDelay,
		Lease:          cfg.SendTaskLease,
		CodeTTL:        cfg.CodeTTL,
		Subject:        cfg.MailSubject,
	})
	worker.Metrics = metrics
	if rdb != nil {
		notifier := outbox.NewRedisNotifier(rdb)
		svc.Notifier = notifier
		worker.Waiter = notifier
	}

	admin, err := buildAdminAuth(ctx, cfg)
	if err != nil {
		return err
	}

	h := &api.Handler{
		Codes:      svc,
		Reputation: tracker,
		Limiter:    limiter,
		Captcha:    verifier,
		Challenger: challenger,
		Limits: api.Limits{
			ChallengePerMinute:  cfg.RateChallengePerMinute,
			VerifyPerMinute:     cfg.RateVerifyPerMinute,
			VerifyCodePerMinute: cfg.RateVerifyCodePerMinute,
		},
		Store:         ps,
		Pool:          pool,
		Crypto:        crypto,
		Decrypter:     &audit.Decrypter{Store: ps, Cipher: crypto},
		InternalToken: cfg.InternalAPIToken,
		DB:            ps,
		Metrics:       metrics.Handler(),
		Location:      cfg.Location,
	}
	// Assigned only when configured so a nil Chain never lands in the interface.
	if admin != nil {
		h.Admin = admin
	}
	if rdb != nil {
		h.Redis = store.RedisHealth{RDB: rdb}
	}

	ipr, err := api.NewIPResolver(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: api.NewRouter(h, ipr)}

	// Background work is cancelled via bgCtx when run() returns.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go worker.Run(bgCtx)
	go sweep(bgCtx, cfg.SweepInterval, svc, tracker, window)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("postern listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting, drains in-flight requests, or gives up after 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildCaptcha picks the verifier for CAPTCHA_PROVIDER. Only Cap has a challenge endpoint.
func buildCaptcha(cfg *config.Config) (captcha.Verifier, api.Challenger) {
	switch cfg.CaptchaProvider {
	case "turnstile":
		return captcha.NewTurnstileVerifier(cfg.TurnstileSecret, cfg.CapTimeout), nil
	case "none":
		slog.Warn("captcha disabled (test mode)")
		return captcha.PassVerifier{}, nil
	default:
		cv := captcha.NewCapVerifier(cfg.CapBaseURL, cfg.CapSiteKey, cfg.CapSiteSecret, cfg.CapTimeout)
		return cv, cv
	}
}

// buildAdminAuth chains the configured admin token verifiers. nil means /admin stays unmounted.
func buildAdminAuth(ctx context.Context, cfg *config.Config) (adminauth.Chain, error) {
	var chain adminauth.Chain
	if cfg.AdminJWTSecret != "" {
		chain = append(chain, adminauth.NewHMACVerifier(cfg.AdminJWTSecret))
	}
	if cfg.AdminOIDCIssuer != "" {
		v, err := adminauth.NewOIDCVerifier(ctx, cfg.AdminOIDCIssuer, cfg.AdminOIDCClientID, cfg.AdminEmails)
		if err != nil {
			return nil, fmt.Errorf("failed to set up admin oidc: %w", err)
		}
		chain = append(chain, v)
	}
	if len(chain) == 0 {
		slog.Warn("no admin authentication configured, admin api disabled")
		return nil, nil
	}
	return chain, nil
}

// seedProviders upserts the providers listed in path by name. Passwords are encrypted
// before they reach the database; a blank password keeps the stored one.
func seedProviders(ctx context.Context, ps *store.PostgresStore, crypto *codecrypto.Crypto, path string) error {
	seeds, err := config.LoadProviders(path)
	if err != nil {
		return fmt.Errorf("failed to load smtp providers: %w", err)
	}
	for _, s := range seeds {
		p := store.SMTPProvider{
			Name:         s.Name,
			Host:         s.Host,
			Port:         s.Port,
			Username:     s.Username,
			FromAddress:  s.From,
			UseTLS:       s.TLS,
			UseSSL:       s.SSL,
			Enabled:      s.IsEnabled(),
			MaxPerMinute: s.MaxPerMinute,
			MaxPerDay:    s.MaxPerDay,
		}
		if s.Password != "" {
			enc, err := crypto.Encrypt(s.Password)
			if err != nil {
				return fmt.Errorf("encrypting password for %s: %w", s.Name, err)
			}
			p.PasswordEncrypted = &enc
		}
		if _, err := ps.UpsertProviderByName(ctx, p); err != nil {
			return fmt.Errorf("seeding smtp provider %s: %w", s.Name, err)
		}
	}
	slog.Info("smtp providers seeded", "count", len(seeds), "file", path)
	return nil
}

// sweep expires overdue requests, lifts lapsed auto bans and prunes the in-memory
// limiter every interval. window is nil with the redis backend.
func sweep(ctx context.Context, interval time.Duration, svc *verify.Service, tracker *reputation.Tracker, window *ratelimit.FixedWindow) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := svc.ExpireSweep(ctx); err != nil {
				slog.Warn("request expiry sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("requests expired", "count", n)
			}
			if n, err := tracker.Sweep(ctx); err != nil {
				slog.Warn("auto ban sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("auto bans lifted", "count", n)
			}
			if window != nil {
				window.Sweep(time.Now())
			}
		case <-ctx.Done():
			return
		}
	}
}
