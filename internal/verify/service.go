// Package verify owns the verification request lifecycle:
//
//	PENDING ──verify──▶ VERIFIED_PENDING_REGISTER ──consume──▶ USED
//	   │                          │
//	   ├──ttl / attempts──▶ EXPIRED
//	   └──resend──────────▶ SUPERSEDED (either active state)
//
// Send runs the abuse gates and commits the request, its delivery task and its log
// in one transaction; delivery itself happens in the outbox worker.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MGallo-Code/postern/internal/captcha"
	"github.com/MGallo-Code/postern/internal/codecrypto"
	"github.com/MGallo-Code/postern/internal/reputation"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/telemetry"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// Store defines the request persistence Service needs.
// Satisfied by *store.PostgresStore.
type Store interface {
	// CreateRequest supersedes active requests for the email and inserts request, task and log.
	CreateRequest(ctx context.Context, nr store.NewRequest, now time.Time) error

	// MutateRequest locks the request row and applies fn. pgx.ErrNoRows if absent.
	MutateRequest(ctx context.Context, id uuid.UUID, fn store.RequestMutation) error

	// ExpirePendingRequests flips overdue PENDING requests to EXPIRED.
	ExpirePendingRequests(ctx context.Context, now time.Time) (int64, error)

	// GetTaskByRequest returns the latest delivery task. pgx.ErrNoRows if none.
	GetTaskByRequest(ctx context.Context, requestID uuid.UUID) (*store.DeliveryTask, error)
}

// Reputation is the IP reputation tracker. Satisfied by *reputation.Tracker.
type Reputation interface {
	AssertNotBanned(ctx context.Context, ip string) error
	RecordSend(ctx context.Context, ip string) error
	RecordVerified(ctx context.Context, ip string) error
}

// Limiter is a fixed-window rate limiter.
// Satisfied by *ratelimit.FixedWindow and *store.RedisRateLimiter.
type Limiter interface {
	TryConsume(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// DomainPolicy rejects unsupported email domains. Satisfied by *domainpolicy.Policy.
type DomainPolicy interface {
	Validate(email string) error
}

// Availability reports whether any SMTP provider could take a send. Satisfied by *smtppool.Pool.
type Availability interface {
	HasAvailable(ctx context.Context) bool
}

// Notifier wakes the outbox worker. Satisfied by *outbox.RedisNotifier.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Crypto hashes and encrypts codes. Satisfied by *codecrypto.Crypto.
type Crypto interface {
	Hash(code string) string
	Encrypt(plain string) (string, error)
}

// Config holds the request lifecycle settings.
type Config struct {
	CodeTTL           time.Duration
	ResendInterval    time.Duration
	MaxVerifyAttempts int
	SendPerMinute     int // per-IP send limit
}

// Service implements send, verify and consume. Construct once in run() and share.
type Service struct {
	Store      Store
	Reputation Reputation
	Limiter    Limiter
	Domains    DomainPolicy
	Captcha    captcha.Verifier
	Pool       Availability
	Crypto     Crypto
	Notifier   Notifier // optional
	Metrics    *telemetry.Metrics
	Config     Config

	Now     func() time.Time
	NewCode func() (string, error) // defaults to codecrypto.GenerateCode
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newCode() (string, error) {
	if s.NewCode != nil {
		return s.NewCode()
	}
	return codecrypto.GenerateCode()
}

// NormalizeEmail lowercases and trims an address the way every operation compares it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// --- Send ---

// SendInput is one code send request.
type SendInput struct {
	Username       string
	Email          string
	IP             string
	CaptchaPayload string
}

// SendResult is returned by a successful Send.
type SendResult struct {
	RequestID         uuid.UUID
	ExpiresAt         time.Time
	ResendAvailableAt time.Time
	SendStatus        string
}

// Send runs the gates (ban, rate limit, domain, captcha, SMTP availability) and, if all
// pass, commits a new PENDING request with its delivery task. No gate failure writes state.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	email := NormalizeEmail(in.Email)
	username := strings.TrimSpace(in.Username)
	if email == "" || username == "" {
		return nil, fmt.Errorf("%w: username and email are required", ErrValidation)
	}

	if err := s.Reputation.AssertNotBanned(ctx, in.IP); err != nil {
		if errors.Is(err, reputation.ErrBanned) {
			s.Metrics.GateRejected(ctx, "banned")
			return nil, fmt.Errorf("%w: %w", ErrForbidden, err)
		}
		return nil, err
	}

	ok, err := s.Limiter.TryConsume(ctx, "email:send:"+in.IP, s.Config.SendPerMinute, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("checking send rate limit: %w", err)
	}
	if !ok {
		s.Metrics.GateRejected(ctx, "rate_limited")
		return nil, ErrTooManyRequests
	}

	if err := s.Domains.Validate(email); err != nil {
		s.Metrics.GateRejected(ctx, "unsupported_email")
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if err := s.Captcha.Verify(ctx, in.CaptchaPayload, in.IP); err != nil {
		if errors.Is(err, captcha.ErrRejected) {
			s.Metrics.GateRejected(ctx, "captcha_failed")
			return nil, ErrCaptchaFailed
		}
		slog.Error("verify: captcha provider failed", "ip", in.IP, "err", err)
		return nil, fmt.Errorf("%w: captcha: %w", ErrServiceUnavailable, err)
	}

	if !s.Pool.HasAvailable(ctx) {
		s.Metrics.GateRejected(ctx, "no_smtp")
		return nil, fmt.Errorf("%w: no smtp provider available", ErrServiceUnavailable)
	}

	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("generating code: %w", err)
	}
	encrypted, err := s.Crypto.Encrypt(code)
	if err != nil {
		return nil, fmt.Errorf("encrypting code: %w", err)
	}

	now := s.now()
	reqID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating request id: %w", err)
	}
	taskID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating task id: %w", err)
	}
	logID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating log id: %w", err)
	}

	req := store.VerificationRequest{
		ID:                reqID,
		Username:          username,
		Email:             email,
		IP:                in.IP,
		CodeHash:          s.Crypto.Hash(code),
		Status:            store.RequestPending,
		ExpiresAt:         now.Add(s.Config.CodeTTL),
		ResendAvailableAt: now.Add(s.Config.ResendInterval),
	}
	err = s.Store.CreateRequest(ctx, store.NewRequest{
		Request: req,
		Task:    store.DeliveryTask{ID: taskID, EncryptedCode: encrypted},
		Log:     store.DeliveryLog{ID: logID, MaskedCode: codecrypto.Mask(code), EncryptedCode: &encrypted},
	}, now)

	var active *store.ActiveRequestError
	switch {
	case errors.As(err, &active):
		s.Metrics.GateRejected(ctx, "resend_not_ready")
		return nil, &ResendNotReadyError{ResendAvailableAt: active.ResendAvailableAt}
	case errors.Is(err, store.ErrActiveRequestConflict):
		s.Metrics.GateRejected(ctx, "concurrent_send")
		return nil, ErrTooManyRequests
	case err != nil:
		return nil, fmt.Errorf("creating verification request: %w", err)
	}

	// The request is committed; counter and wake-up failures must not fail the send.
	if err := s.Reputation.RecordSend(ctx, in.IP); err != nil {
		slog.Error("verify: recording send failed", "ip", in.IP, "request_id", reqID, "err", err)
	}
	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx); err != nil {
			slog.Warn("verify: waking outbox failed", "request_id", reqID, "err", err)
		}
	}
	s.Metrics.CodeSent(ctx)
	slog.Info("verify: code requested", "request_id", reqID, "ip", in.IP, "code", codecrypto.Mask(code))

	return &SendResult{
		RequestID:         reqID,
		ExpiresAt:         req.ExpiresAt,
		ResendAvailableAt: req.ResendAvailableAt,
		SendStatus:        string(store.TaskPending),
	}, nil
}

// --- Verify / Consume ---

// VerifyInput identifies the request and carries the submitted code.
type VerifyInput struct {
	RequestID uuid.UUID
	Email     string
	Code      string
	IP        string
}

// VerifyResult is returned by a successful Verify.
type VerifyResult struct {
	Verified          bool
	ExpiresAt         time.Time
	AttemptsRemaining int
}

// ConsumeInput is VerifyInput plus the username registering.
type ConsumeInput struct {
	RequestID uuid.UUID
	Email     string
	Code      string
	IP        string
	Username  string
}

// matches checks that the caller is the one the request was issued to.
// An empty IP on either side skips the IP check.
func matches(r *store.VerificationRequest, email, ip string) bool {
	if !strings.EqualFold(r.Email, strings.TrimSpace(email)) {
		return false
	}
	if r.IP != "" && ip != "" && r.IP != ip {
		return false
	}
	return true
}

func (s *Service) attemptsRemaining(r *store.VerificationRequest) int {
	return max(0, s.Config.MaxVerifyAttempts-r.AttemptCount)
}

// checkCode applies the attempt limit and the code comparison to a PENDING request.
// Returns persist=true whenever r was changed.
func (s *Service) checkCode(r *store.VerificationRequest, code string) (persist bool, err error) {
	if r.AttemptCount >= s.Config.MaxVerifyAttempts {
		r.Status = store.RequestExpired
		return true, ErrInvalid
	}
	if s.Crypto.Hash(strings.TrimSpace(code)) != r.CodeHash {
		r.AttemptCount++
		if r.AttemptCount >= s.Config.MaxVerifyAttempts {
			r.Status = store.RequestExpired
		}
		return true, &WrongCodeError{AttemptsRemaining: s.attemptsRemaining(r)}
	}
	return false, nil
}

// expire flips an active, overdue request to EXPIRED. Terminal statuses are left alone.
// Returns true if r is past its deadline.
func expire(r *store.VerificationRequest, now time.Time) (overdue, changed bool) {
	if !now.After(r.ExpiresAt) {
		return false, false
	}
	if r.Status.Active() {
		r.Status = store.RequestExpired
		return true, true
	}
	return true, false
}

// Verify checks the code for a PENDING request and advances it to
// VERIFIED_PENDING_REGISTER. Verifying an already verified request succeeds again
// without touching counters.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	now := s.now()
	var res *VerifyResult
	verified := false
	var ip string

	err := s.Store.MutateRequest(ctx, in.RequestID, func(r *store.VerificationRequest) (bool, error) {
		if !matches(r, in.Email, in.IP) {
			return false, ErrMismatch
		}
		if overdue, changed := expire(r, now); overdue {
			return changed, ErrExpired
		}
		if r.Status == store.RequestVerified {
			res = &VerifyResult{Verified: true, ExpiresAt: r.ExpiresAt, AttemptsRemaining: s.attemptsRemaining(r)}
			return false, nil
		}
		if r.Status != store.RequestPending {
			return false, ErrInvalid
		}
		if persist, err := s.checkCode(r, in.Code); err != nil {
			return persist, err
		}
		r.Status = store.RequestVerified
		at := now
		r.VerifiedAt = &at
		verified = true
		ip = r.IP
		res = &VerifyResult{Verified: true, ExpiresAt: r.ExpiresAt, AttemptsRemaining: s.attemptsRemaining(r)}
		return true, nil
	})
	if err != nil {
		s.Metrics.CodeVerified(ctx, resultLabel(err))
		return nil, s.mapRequestErr(err)
	}

	if verified {
		if err := s.Reputation.RecordVerified(ctx, ip); err != nil {
			slog.Error("verify: recording verification failed", "ip", ip, "request_id", in.RequestID, "err", err)
		}
	}
	s.Metrics.CodeVerified(ctx, "verified")
	return res, nil
}

// ConsumeForRegister finalizes a request for registration. It succeeds exactly once;
// later calls return ErrAlreadyUsed. A PENDING request must carry the right code.
func (s *Service) ConsumeForRegister(ctx context.Context, in ConsumeInput) error {
	now := s.now()
	decrement := false
	var ip string

	err := s.Store.MutateRequest(ctx, in.RequestID, func(r *store.VerificationRequest) (bool, error) {
		if in.Username != "" && r.Username != "" && r.Username != in.Username {
			return false, ErrMismatch
		}
		if !matches(r, in.Email, in.IP) {
			return false, ErrMismatch
		}
		if overdue, changed := expire(r, now); overdue {
			return changed, ErrExpired
		}
		switch r.Status {
		case store.RequestUsed:
			return false, ErrAlreadyUsed
		case store.RequestSuperseded, store.RequestExpired:
			return false, ErrInvalid
		case store.RequestPending:
			if persist, err := s.checkCode(r, in.Code); err != nil {
				return persist, err
			}
			decrement = true
		}
		r.Status = store.RequestUsed
		at := now
		r.UsedAt = &at
		ip = r.IP
		return true, nil
	})
	if err != nil {
		return s.mapRequestErr(err)
	}

	if decrement {
		if err := s.Reputation.RecordVerified(ctx, ip); err != nil {
			slog.Error("verify: recording verification failed", "ip", ip, "request_id", in.RequestID, "err", err)
		}
	}
	slog.Info("verify: request consumed", "request_id", in.RequestID)
	return nil
}

// mapRequestErr turns a store miss into ErrNotFound and wraps infrastructure errors.
func (s *Service) mapRequestErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	for _, known := range []error{ErrMismatch, ErrExpired, ErrInvalid, ErrWrongCode, ErrAlreadyUsed} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("updating verification request: %w", err)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "not_found"
	case errors.Is(err, ErrWrongCode):
		return "wrong_code"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}

// --- Status / sweep ---

// SendStatus is the delivery state of a request's email.
type SendStatus struct {
	Status    store.TaskStatus
	LastError *string
}

// SendStatus returns the latest delivery task state for requestID, or ErrNotFound.
func (s *Service) SendStatus(ctx context.Context, requestID uuid.UUID) (*SendStatus, error) {
	task, err := s.Store.GetTaskByRequest(ctx, requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading delivery task: %w", err)
	}
	return &SendStatus{Status: task.Status, LastError: task.LastError}, nil
}

// ExpireSweep flips every overdue PENDING request to EXPIRED. Returns rows changed.
func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	return s.Store.ExpirePendingRequests(ctx, s.now())
}
