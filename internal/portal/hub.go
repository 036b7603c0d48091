package portal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/mail"
	"github.com/opensciencelab/portal/internal/user"
)

// Hub is the landing page after login: the lab cards the user may see,
// with their access state.
func (h *Handler) Hub(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"username": sess.Cognito.Username,
		"labs":     h.catalog.AccessFor(sess.User),
	})
}

// HubHome exists for lab-side links that point at /portal/hub/home.
func (h *Handler) HubHome(w http.ResponseWriter, r *http.Request) {
	redirect(w, "/portal", "Redirecting to Portal")
}

// HubAuth forwards an authenticated user back into a lab deployment.
func (h *Handler) HubAuth(w http.ResponseWriter, r *http.Request) {
	nextURL := r.URL.Query().Get("next_url")
	if nextURL == "" {
		writeError(w, http.StatusBadRequest, "next_url not provided")
		return
	}
	sess := auth.FromContext(r.Context())
	h.logger.Infow("hub auth forward", "username", sess.Cognito.Username, "next_url", nextURL)
	redirect(w, nextURL, "Redirecting to "+nextURL)
}

type hubAuthRequest struct {
	Username string `json:"username"`
}

// HubProfile returns an encrypted profile blob for a named user. Lab
// deployments post here to verify who is knocking; the payload is a
// base64 encoded JSON object naming the username.
func (h *Handler) HubProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		// Some clients post the JSON directly.
		decoded = raw
	}
	var req hubAuthRequest
	if err := json.Unmarshal(decoded, &req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username not provided")
		return
	}

	rec, err := h.users.Get(ctx, req.Username, false)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		fatal(w, err)
		return
	}

	countryCode := ""
	if v, ok := rec.Profile()["country_of_residence"].(string); ok {
		countryCode = v
	}
	data := map[string]any{
		"admin":                     rec.IsAdmin(),
		"roles":                     rec.Access(),
		"name":                      rec.Username(),
		"has_2fa":                   true,
		"force_user_profile_update": rec.RequireProfileUpdate(),
		"ip_country_status":         "unrestricted",
		"country_code":              countryCode,
		"lab_access":                rec.Labs(),
	}
	sealed, err := h.codec.Encrypt(ctx, data)
	if err != nil {
		fatal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sealed, "message": "OK"})
}

// HubEmail sends notification mail on behalf of a lab. The payload is a
// message sealed with the shared portal secret; anything that cannot be
// unsealed or delivered is a 422.
func (h *Handler) HubEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	var msg mail.Message
	if err := h.codec.Decrypt(ctx, string(raw), &msg); err != nil {
		h.logger.Warnw("could not unseal email payload", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"result": "Error"})
		return
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"result": "Error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "Success"})
}
