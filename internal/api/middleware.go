// middleware.go

// Bearer authentication for the admin and internal route groups.
package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/MGallo-Code/postern/internal/adminauth"
)

// RequireAdmin verifies the bearer token with h.Admin and injects the identity into
// the context. Returns 401 on any failure without saying why.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := adminauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			logWarn(r, "require admin failed", "reason", "missing_bearer_token")
			Unauthorized(w)
			return
		}
		id, err := h.Admin.Verify(r.Context(), token)
		if err != nil {
			logWarn(r, "require admin failed", "reason", "invalid_token", "error", err)
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(adminauth.WithIdentity(r.Context(), id)))
	})
}

// RequireInternal compares the bearer token with h.InternalToken in constant time.
func (h *Handler) RequireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := adminauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" || h.InternalToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.InternalToken)) != 1 {
			logWarn(r, "require internal failed", "reason", "invalid_token")
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
