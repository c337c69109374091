// public.go -- unauthenticated endpoints: code send/verify, send status, captcha proxy, health.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/postern/internal/captcha"
	"github.com/MGallo-Code/postern/internal/reputation"
	"github.com/MGallo-Code/postern/internal/verify"
	"github.com/gofrs/uuid/v5"
)

// writeCodeError maps a verify error to its HTTP response. notFound is the status used
// for verify.ErrNotFound, which differs between verify (400) and send-status (404).
func writeCodeError(w http.ResponseWriter, r *http.Request, err error, notFound int) {
	var rnr *verify.ResendNotReadyError
	var wc *verify.WrongCodeError
	switch {
	case errors.As(err, &rnr):
		logInfo(r, "send rejected", "reason", "resend_not_ready", "resend_available_at", rnr.ResendAvailableAt)
		ResendNotReady(w, rnr.ResendAvailableAt)
	case errors.As(err, &wc):
		logInfo(r, "verify rejected", "reason", "wrong_code", "attempts_remaining", wc.AttemptsRemaining)
		writeJSON(w, http.StatusBadRequest, struct {
			Message           string `json:"message"`
			AttemptsRemaining int    `json:"attemptsRemaining"`
		}{"wrong code", wc.AttemptsRemaining})
	case errors.Is(err, verify.ErrForbidden):
		logInfo(r, "request rejected", "reason", "banned")
		Forbidden(w)
	case errors.Is(err, verify.ErrTooManyRequests):
		logInfo(r, "request rejected", "reason", "rate_limited")
		TooManyRequests(w)
	case errors.Is(err, verify.ErrServiceUnavailable):
		logWarn(r, "request rejected", "reason", "service_unavailable", "error", err)
		ServiceUnavailable(w, "service unavailable")
	case errors.Is(err, verify.ErrNotFound):
		message(w, notFound, "request not found")
	case errors.Is(err, verify.ErrValidation):
		BadRequest(w, r, "invalid username or email")
	case errors.Is(err, verify.ErrCaptchaFailed):
		BadRequest(w, r, "captcha verification failed")
	case errors.Is(err, verify.ErrMismatch):
		BadRequest(w, r, "request does not match")
	case errors.Is(err, verify.ErrExpired):
		BadRequest(w, r, "code expired")
	case errors.Is(err, verify.ErrAlreadyUsed):
		BadRequest(w, r, "code already used")
	case errors.Is(err, verify.ErrInvalid):
		BadRequest(w, r, "request is no longer valid")
	default:
		InternalServerError(w, r, err)
	}
}

// consumeRate spends one hit of the per-IP limit for prefix. Writes the 429/500 and
// returns false when the request must stop.
func (h *Handler) consumeRate(w http.ResponseWriter, r *http.Request, prefix string, limit int) bool {
	ip := clientIP(r)
	ok, err := h.Limiter.TryConsume(r.Context(), prefix+ip, limit, time.Minute)
	if err != nil {
		InternalServerError(w, r, err)
		return false
	}
	if !ok {
		logInfo(r, "request rejected", "reason", "rate_limited", "key", prefix)
		TooManyRequests(w)
		return false
	}
	return true
}

// assertNotBanned writes 403/500 and returns false when the client IP is banned.
func (h *Handler) assertNotBanned(w http.ResponseWriter, r *http.Request) bool {
	err := h.Reputation.AssertNotBanned(r.Context(), clientIP(r))
	if err == nil {
		return true
	}
	if errors.Is(err, reputation.ErrBanned) {
		logInfo(r, "request rejected", "reason", "banned")
		Forbidden(w)
		return false
	}
	InternalServerError(w, r, err)
	return false
}

// SendCode handles POST /register/email-code/send.
func (h *Handler) SendCode(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Username       string `json:"username"`
		Email          string `json:"email"`
		CaptchaPayload string `json:"captchaPayload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode send code input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	res, err := h.Codes.Send(r.Context(), verify.SendInput{
		Username:       input.Username,
		Email:          input.Email,
		IP:             clientIP(r),
		CaptchaPayload: input.CaptchaPayload,
	})
	if err != nil {
		writeCodeError(w, r, err, http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		RequestID         uuid.UUID `json:"requestId"`
		ExpiresAt         time.Time `json:"expiresAt"`
		ResendAvailableAt time.Time `json:"resendAvailableAt"`
		SendStatus        string    `json:"sendStatus"`
	}{res.RequestID, res.ExpiresAt, res.ResendAvailableAt, res.SendStatus})
}

// VerifyCode handles POST /register/email-code/verify.
func (h *Handler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RequestID string `json:"requestId"`
		Email     string `json:"email"`
		Code      string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode verify code input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if !h.consumeRate(w, r, "email:verify:", h.Limits.VerifyCodePerMinute) {
		return
	}
	id, err := uuid.FromString(input.RequestID)
	if err != nil {
		BadRequest(w, r, "invalid requestId")
		return
	}
	if input.Email == "" || input.Code == "" {
		BadRequest(w, r, "email and code are required")
		return
	}

	res, err := h.Codes.Verify(r.Context(), verify.VerifyInput{
		RequestID: id,
		Email:     input.Email,
		Code:      input.Code,
		IP:        clientIP(r),
	})
	if err != nil {
		writeCodeError(w, r, err, http.StatusBadRequest)
		return
	}

	logInfo(r, "code verified", "request_id", id)
	writeJSON(w, http.StatusOK, struct {
		Verified          bool      `json:"verified"`
		ExpiresAt         time.Time `json:"expiresAt"`
		AttemptsRemaining int       `json:"attemptsRemaining"`
	}{res.Verified, res.ExpiresAt, res.AttemptsRemaining})
}

// SendStatus handles GET /register/email-code/send-status?requestId=.
func (h *Handler) SendStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(r.URL.Query().Get("requestId"))
	if err != nil {
		BadRequest(w, r, "invalid requestId")
		return
	}
	st, err := h.Codes.SendStatus(r.Context(), id)
	if err != nil {
		writeCodeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status    string  `json:"status"`
		LastError *string `json:"lastError"`
	}{string(st.Status), st.LastError})
}

// CaptchaChallenge handles GET /captcha/challenge by proxying the provider's challenge.
func (h *Handler) CaptchaChallenge(w http.ResponseWriter, r *http.Request) {
	if !h.assertNotBanned(w, r) {
		return
	}
	if !h.consumeRate(w, r, "captcha:challenge:", h.Limits.ChallengePerMinute) {
		return
	}
	if h.Challenger == nil {
		NotFound(w, "captcha challenge not available")
		return
	}
	challenge, err := h.Challenger.Challenge(r.Context())
	if err != nil {
		logError(r, "captcha challenge failed", "error", err)
		ServiceUnavailable(w, "captcha unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(challenge)
}

// CaptchaVerify handles POST /captcha/verify. A rejected payload is a 200 with
// verified=false; only provider failures are errors.
func (h *Handler) CaptchaVerify(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode captcha verify input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if !h.assertNotBanned(w, r) {
		return
	}
	if !h.consumeRate(w, r, "captcha:verify:", h.Limits.VerifyPerMinute) {
		return
	}

	verified := true
	if err := h.Captcha.Verify(r.Context(), input.Payload, clientIP(r)); err != nil {
		if !errors.Is(err, captcha.ErrRejected) {
			logError(r, "captcha verify failed", "error", err)
			ServiceUnavailable(w, "captcha unavailable")
			return
		}
		verified = false
	}
	writeJSON(w, http.StatusOK, struct {
		Verified bool `json:"verified"`
	}{verified})
}

// CheckHealth handles GET /health. Returns 503 if Postgres (or a configured Redis) is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus, redisStatus := "ok", "disabled"

	if err := h.DB.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}
	if h.Redis != nil {
		redisStatus = "ok"
		if err := h.Redis.CheckHealth(r.Context()); err != nil {
			logError(r, "redis health check failed", "error", err)
			redisStatus = "error"
		}
	}

	status := http.StatusOK
	if postgresStatus == "error" || redisStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
