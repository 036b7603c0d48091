package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Gate is the per-request authorization decision. The evaluation order is
// a contract: the lock check runs before the capability check (a locked
// admin must not pass), and the capability check runs before the forced
// profile redirect (a non-member is never told to fill out a profile for a
// resource they cannot reach).
type Gate struct {
	logger *zap.SugaredLogger
}

func NewGate(logger *zap.SugaredLogger) *Gate {
	return &Gate{logger: logger}
}

const profileFormPrefix = "/portal/profile/form/"

// RequireAccess guards a route with a capability string.
//
//  1. No authenticated identity: 302 to login with a return parameter;
//     a stale session cookie, if present, is actively expired.
//  2. Locked account: 403 with a fixed message that does not say whether
//     the lock is permanent.
//  3. Missing capability: 302 back to the portal home. Deliberately not a
//     403, so the resource's existence is not revealed.
//  4. Forced profile completion: 302 to the profile form unless already
//     on it.
//  5. Otherwise the handler runs.
//
// Authorization never surfaces as an error or an exception; every outcome
// is a redirect or a small response.
func (g *Gate) RequireAccess(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := FromContext(r.Context())
			path := r.URL.Path

			if !sess.Cognito.Valid || sess.User == nil {
				// A cookie that did not produce a session is a bad
				// cookie; destroy it on the way out.
				if sess.Cognito.Raw != "" {
					g.logger.Infow("deleting bad session cookies")
					ExpireSessionCookies(w)
				}
				w.Header().Set("Location", "/?return="+path)
				w.WriteHeader(http.StatusFound)
				_, _ = w.Write([]byte("User is not logged in"))
				return
			}

			if sess.User.IsLocked() {
				g.logger.Warnw("locked account attempted access",
					"username", sess.Cognito.Username, "path", path)
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte("This account is currently unavailable"))
				return
			}

			if !sess.User.HasAccess(capability) {
				g.logger.Warnw("missing capability",
					"username", sess.Cognito.Username,
					"path", path,
					"required", capability,
					"granted", strings.Join(sess.User.Access(), ", "))
				w.Header().Set("Location", "/portal")
				w.WriteHeader(http.StatusFound)
				_, _ = w.Write([]byte("User does not have required access"))
				return
			}

			profileFormPath := profileFormPrefix + sess.Cognito.Username
			if sess.User.RequireProfileUpdate() && path != profileFormPath {
				w.Header().Set("Location", profileFormPath)
				w.WriteHeader(http.StatusFound)
				_, _ = w.Write([]byte("User must update profile"))
				return
			}

			g.logger.Infow("access granted",
				"username", sess.Cognito.Username, "required", capability)
			next.ServeHTTP(w, r)
		})
	}
}
