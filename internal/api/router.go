// router.go -- route table and middleware order.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires all routes and middleware. The /internal and /admin groups are only
// mounted when their credentials are configured.
func NewRouter(h *Handler, ipr *IPResolver) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// Resolve the client IP before anything logs it.
	r.Use(ipr.Middleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/register/email-code", func(r chi.Router) {
		r.Post("/send", h.SendCode)
		r.Post("/verify", h.VerifyCode)
		r.Get("/send-status", h.SendStatus)
	})
	r.Get("/captcha/challenge", h.CaptchaChallenge)
	r.Post("/captcha/verify", h.CaptchaVerify)

	if h.InternalToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(h.RequireInternal)
			r.Post("/internal/register/consume", h.ConsumeCode)
		})
	}

	if h.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAdmin)

			r.Get("/smtp", h.ListProviders)
			r.Post("/smtp", h.CreateProvider)
			r.Put("/smtp/{id}", h.UpdateProvider)
			r.Delete("/smtp/{id}", h.DeleteProvider)
			r.Post("/smtp/{id}/test", h.TestProvider)

			r.Get("/logs", h.ListLogs)
			r.Post("/logs/{id}/decrypt", h.DecryptLog)

			r.Get("/ip-stats", h.IPStats)
			r.Get("/ip-bans", h.ListBans)
			r.Post("/ip-bans", h.BanIP)
			r.Delete("/ip-bans/{ip}", h.UnbanIP)
		})
	}

	return r
}
