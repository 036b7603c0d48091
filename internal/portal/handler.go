// Package portal holds the HTTP handlers for the portal's public and
// gated surfaces: login flow, hub, profile form, user administration, and
// MFA reset.
package portal

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/cognito"
	"github.com/opensciencelab/portal/internal/iplog"
	"github.com/opensciencelab/portal/internal/labs"
	"github.com/opensciencelab/portal/internal/mail"
	"github.com/opensciencelab/portal/internal/oidc"
	"github.com/opensciencelab/portal/internal/user"
)

type Handler struct {
	users    *user.Service
	oidc     *oidc.Client
	keyset   *oidc.Keyset
	resolver *oidc.Resolver
	codec    *auth.Codec
	admin    *cognito.Admin
	mailer   *mail.Sender
	activity *iplog.Writer
	catalog  *labs.Catalog
	logger   *zap.SugaredLogger
}

func NewHandler(
	users *user.Service,
	oidcClient *oidc.Client,
	keyset *oidc.Keyset,
	resolver *oidc.Resolver,
	codec *auth.Codec,
	admin *cognito.Admin,
	mailer *mail.Sender,
	activity *iplog.Writer,
	catalog *labs.Catalog,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		users:    users,
		oidc:     oidcClient,
		keyset:   keyset,
		resolver: resolver,
		codec:    codec,
		admin:    admin,
		mailer:   mailer,
		activity: activity,
		catalog:  catalog,
		logger:   logger,
	}
}

// Root greets logged-out visitors and bounces logged-in ones to the
// portal.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess.Cognito.Valid && sess.User != nil {
		redirect(w, "/portal", "Redirecting to Portal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Welcome to OpenScienceLab",
		"login_url":  h.oidc.Config().LoginURL(),
		"signup_url": h.oidc.Config().SignupURL(),
	})
}

// Auth is the OAuth2 redirect target. It exchanges the returned code for
// tokens, establishes the session cookies, and forwards to the page the
// user originally asked for (carried in state).
func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	if code == "" {
		writeText(w, http.StatusUnauthorized, "No return Code found.")
		return
	}

	tokens, err := h.oidc.ExchangeCode(ctx, code, h.oidc.Config().DeploymentHost)
	if err != nil {
		h.logger.Warnw("code exchange failed", "error", err)
		writeText(w, http.StatusUnauthorized, "Could not complete token exchange")
		return
	}

	claims, ok := h.keyset.Validate(ctx, tokens.AccessToken, "")
	if !ok {
		writeText(w, http.StatusUnauthorized, "Could not complete token exchange")
		return
	}
	username, _ := claims["username"].(string)
	if username == "" {
		h.logger.Errorw("access token carries no username claim")
		writeText(w, http.StatusUnauthorized, "Could not complete token exchange")
		return
	}

	h.resolver.Remember(ctx, tokens)

	rec, err := h.users.Get(ctx, username, true)
	if err != nil {
		fatal(w, err)
		return
	}
	if err := h.users.StampCookieAssignment(ctx, rec); err != nil {
		h.logger.Warnw("could not stamp cookie assignment", "username", username, "error", err)
	}

	encrypted, err := h.codec.Encrypt(ctx, username)
	if err != nil {
		fatal(w, err)
		return
	}
	auth.SetSessionCookies(w, encrypted, tokens.RefreshToken)

	h.activity.Record(ctx, iplog.Event{
		Username:  username,
		Action:    "login",
		IPAddress: r.RemoteAddr,
	})

	state := r.URL.Query().Get("state")
	if state == "" {
		state = "/portal"
	}
	redirect(w, state, "Redirecting to "+state)
}

// Logout revokes the refresh token, drops it from the exchange cache, and
// clears both cookies.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess.Cognito.Raw != "" {
		h.resolver.Revoke(r.Context(), sess.Cognito.Raw)
	}
	auth.ExpireSessionCookies(w)
	redirect(w, "/", "You have been logged out")
}
