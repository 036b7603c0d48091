package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/portal"
)

// New assembles the portal's route tree. The middleware order matters:
// request IDs first so logging can pick them up, authentication last so
// everything below sees a populated session.
func New(h *portal.Handler, authn *auth.Authenticator, gate *auth.Gate, logger *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(logger))
	r.Use(SecurityHeadersMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(TracingMiddleware())
	r.Use(authn.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Public surface.
	r.Get("/", h.Root)
	r.Get("/auth", h.Auth)
	r.Get("/logout", h.Logout)
	r.Get("/mfa", h.MFARoot)
	r.Post("/mfa/reset", h.MFAReset)
	r.Get("/mfa/return", h.MFAReturn)
	r.Post("/mfa/reset-code", h.MFAResetCode)

	// Lab-facing endpoints authenticate by sealed payload, not session.
	r.Post("/portal/hub/auth", h.HubProfile)
	r.Post("/portal/hub/user/email", h.HubEmail)

	// Session-gated surface.
	r.Group(func(r chi.Router) {
		r.Use(gate.RequireAccess("user"))
		r.Get("/portal", h.Hub)
		r.Get("/portal/hub/home", h.HubHome)
		r.Get("/portal/hub/auth", h.HubAuth)
		r.Get("/portal/profile", h.ProfileRoot)
		r.Get("/portal/profile/form/{username}", h.ProfileForm)
		r.Post("/portal/profile/form/{username}", h.ProfileSubmit)
	})

	// Admin surface.
	r.Group(func(r chi.Router) {
		r.Use(gate.RequireAccess("admin"))
		r.Get("/portal/users", h.Users)
		r.Get("/portal/users/info", h.UserInfo)
		r.Post("/portal/users/lock/{username}", h.LockUser)
		r.Post("/portal/users/unlock/{username}", h.UnlockUser)
		r.Post("/portal/users/delete/{username}", h.DeleteUser)
		r.Get("/portal/access/manage/{shortname}", h.ManageLab)
		r.Post("/portal/access/manage/{shortname}/edituser", h.EditLabUser)
	})

	return r
}
