// errors.go -- error taxonomy returned by Service. The HTTP layer maps these to
// status codes; everything else is an infrastructure failure (500).
package verify

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation covers malformed input and domain policy rejections.
	ErrValidation = errors.New("validation failed")

	// ErrCaptchaFailed means the captcha payload was missing or refused.
	ErrCaptchaFailed = errors.New("captcha verification failed")

	// ErrForbidden means the client IP is banned.
	ErrForbidden = errors.New("forbidden")

	// ErrTooManyRequests means a rate limit or concurrent-send guard tripped.
	ErrTooManyRequests = errors.New("too many requests")

	// ErrNotFound means the request (or its task) does not exist.
	ErrNotFound = errors.New("request not found")

	// ErrMismatch means the email, IP or username does not match the request.
	ErrMismatch = errors.New("request does not match")

	// ErrInvalid means the request is in a state that cannot be verified or consumed.
	ErrInvalid = errors.New("request is no longer valid")

	// ErrExpired means the code's TTL has passed.
	ErrExpired = errors.New("code expired")

	// ErrWrongCode is matched by *WrongCodeError.
	ErrWrongCode = errors.New("wrong code")

	// ErrAlreadyUsed means the request was already consumed by a registration.
	ErrAlreadyUsed = errors.New("code already used")

	// ErrServiceUnavailable means a dependency (captcha, SMTP) cannot serve the request.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ResendNotReadyError is returned by Send while the active request's resend interval
// has not elapsed. ResendAvailableAt is the stored timestamp.
type ResendNotReadyError struct {
	ResendAvailableAt time.Time
}

func (e *ResendNotReadyError) Error() string {
	return fmt.Sprintf("resend not available until %s", e.ResendAvailableAt.Format(time.RFC3339))
}

// WrongCodeError is returned when the submitted code does not match.
type WrongCodeError struct {
	AttemptsRemaining int
}

func (e *WrongCodeError) Error() string {
	return fmt.Sprintf("wrong code, %d attempts remaining", e.AttemptsRemaining)
}

func (e *WrongCodeError) Is(target error) bool {
	return target == ErrWrongCode
}
