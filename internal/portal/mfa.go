package portal

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"

	"github.com/opensciencelab/portal/internal/cognito"
	"github.com/opensciencelab/portal/internal/mail"
)

const resetCodeLength = 10

const resetCodeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newResetCode() (string, error) {
	buf := make([]byte, resetCodeLength)
	max := big.NewInt(int64(len(resetCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate reset code: %w", err)
		}
		buf[i] = resetCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// MFARoot describes the reset flow to the logged-out page that hosts it.
func (h *Handler) MFARoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "OpenScienceLab - MFA Reset",
	})
}

// MFAReset starts the reset: the user proves the password, then gets a
// reset code by email. The response does not distinguish a bad password
// from an unknown user.
func (h *Handler) MFAReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse form")
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	if err := h.admin.VerifyPassword(ctx, username, password); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"warning": "Username or Password not found.",
		})
		return
	}

	code, err := newResetCode()
	if err != nil {
		fatal(w, err)
		return
	}
	if err := h.admin.BeginMFAReset(ctx, username, code); err != nil {
		fatal(w, err)
		return
	}

	returnURL := fmt.Sprintf("https://%s/mfa/return?mfa_reset_code=%s&username=%s",
		h.oidc.Config().DeploymentHost, code, username)
	msg := mail.Message{
		To:      mail.Party{Username: []string{username}},
		Subject: "OpenScienceLab MFA reset Code",
		HTMLBody: fmt.Sprintf(
			"MFA Reset code is <code>%s</code>.<hr><b>Click Here</b>: <a href=%q>%s</a>",
			code, returnURL, returnURL),
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		h.logger.Errorw("could not send mfa reset email", "username", username, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "MFA Reset processed, check your email",
	})
}

// MFAReturn is the email link target; it hands the code and username back
// to the confirmation form.
func (h *Handler) MFAReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, map[string]string{
		"username":       q.Get("username"),
		"mfa_reset_code": q.Get("mfa_reset_code"),
	})
}

// MFAResetCode finishes the reset once the emailed code comes back with
// the password.
func (h *Handler) MFAResetCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse form")
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	code := r.PostForm.Get("mfa_reset_code")

	if err := h.admin.CompleteMFAReset(ctx, username, password, code); err != nil {
		h.logger.Warnw("mfa reset failed", "username", username, "error", err)
		warning := "Error resetting MFA. Please verify username, password, and reset code."
		if err == cognito.ErrResetWindowOver {
			warning = "MFA reset window has passed. Please request a new reset code."
		}
		writeJSON(w, http.StatusOK, map[string]string{"warning": warning})
		return
	}

	h.logger.Infow("mfa reset complete", "username", username)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "MFA Reset Completed, Log In to configure your new MFA code",
	})
}
