// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages are plain ASCII; anything
// carrying data goes through writeJSON.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func message(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Message string `json:"message"`
	}{msg})
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	message(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	message(w, http.StatusBadRequest, msg)
}

// Unauthorized returns a 401 JSON response.
func Unauthorized(w http.ResponseWriter) {
	message(w, http.StatusUnauthorized, "unauthorized")
}

// Forbidden returns a 403 JSON response.
func Forbidden(w http.ResponseWriter) {
	message(w, http.StatusForbidden, "forbidden")
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter, msg string) {
	message(w, http.StatusNotFound, msg)
}

// Conflict returns a 409 JSON response.
func Conflict(w http.ResponseWriter, msg string) {
	message(w, http.StatusConflict, msg)
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter) {
	message(w, http.StatusTooManyRequests, "too many requests")
}

// ResendNotReady returns a 429 carrying the time the caller may resend.
func ResendNotReady(w http.ResponseWriter, at time.Time) {
	writeJSON(w, http.StatusTooManyRequests, struct {
		Message           string    `json:"message"`
		ResendAvailableAt time.Time `json:"resendAvailableAt"`
	}{"resend not available yet", at})
}

// ServiceUnavailable returns a 503 JSON response.
func ServiceUnavailable(w http.ResponseWriter, msg string) {
	message(w, http.StatusServiceUnavailable, msg)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, msg string) {
	message(w, http.StatusOK, msg)
}
