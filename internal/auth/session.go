package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opensciencelab/portal/internal/oidc"
	"github.com/opensciencelab/portal/internal/user"
)

// ProviderToken is the decoded provider identity attached to a session.
type ProviderToken struct {
	// Raw is the refresh token exactly as presented in the cookie.
	Raw string
	// Decoded holds the validated access token claims; nil until Valid.
	Decoded jwt.MapClaims
	Valid   bool

	Username string
	Email    string
}

// Session is the per-request authentication state. A fresh zero value is
// built at the top of every request; nothing in it survives into the next
// request even when the process is reused.
type Session struct {
	Cognito ProviderToken
	// PortalUsername is the decrypted display-name cookie. Legacy,
	// advisory only.
	PortalUsername string
	User           *user.Record
}

type sessionCtxKey struct{}

// FromContext returns the request session. Handlers behind the
// authenticator always get a non-nil session; elsewhere an empty one is
// returned so callers never branch on nil.
func FromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionCtxKey{}).(*Session); ok {
		return s
	}
	return &Session{}
}

// WithSession installs a session into a context; exported for tests.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// Authenticator resolves cookies into a Session. It owns no per-request
// state itself; the caches behind the resolver and user service are the
// long-lived process-wide pieces.
type Authenticator struct {
	resolver *oidc.Resolver
	keyset   *oidc.Keyset
	codec    *Codec
	users    *user.Service
	clientID string
	logger   *zap.SugaredLogger
}

func NewAuthenticator(resolver *oidc.Resolver, keyset *oidc.Keyset, codec *Codec,
	users *user.Service, clientID string, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{
		resolver: resolver,
		keyset:   keyset,
		codec:    codec,
		users:    users,
		clientID: clientID,
		logger:   logger,
	}
}

// Middleware builds a fresh Session for the request and populates it from
// the portal cookies. No authentication failure here is fatal: a request
// with bad cookies proceeds unauthenticated and the access gate decides
// what to do with it.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess := &Session{}

		if c, err := r.Cookie(UserCookie); err == nil && c.Value != "" {
			var display string
			if err := a.codec.Decrypt(ctx, c.Value, &display); err != nil {
				a.logger.Debugw("undecryptable display-name cookie", "err", err)
			} else {
				sess.PortalUsername = display
			}
		}

		if c, err := r.Cookie(JWTCookie); err == nil && c.Value != "" {
			sess.Cognito.Raw = c.Value
			a.resolve(ctx, sess)
		} else {
			a.logger.Debugw("no session cookie provided")
		}

		next.ServeHTTP(w, r.WithContext(WithSession(ctx, sess)))
	})
}

// resolve exchanges the refresh token for a validated access token and
// loads the user record. Any failure leaves the session unauthenticated.
func (a *Authenticator) resolve(ctx context.Context, sess *Session) {
	tokens, ok := a.resolver.Resolve(ctx, sess.Cognito.Raw)
	if !ok {
		return
	}
	claims, valid := a.keyset.Validate(ctx, tokens.AccessToken, "")
	if !valid {
		return
	}
	username, _ := claims["username"].(string)
	if username == "" {
		a.logger.Warnw("validated access token without username claim")
		return
	}

	sess.Cognito.Decoded = claims
	sess.Cognito.Username = username
	sess.Cognito.Valid = true

	// The id token carries the email; audience there is the client id.
	if idClaims, ok := a.keyset.Validate(ctx, tokens.IDToken, a.clientID); ok {
		sess.Cognito.Email, _ = idClaims["email"].(string)
	}

	rec, err := a.users.Get(ctx, username, true)
	if err != nil {
		a.logger.Errorw("could not load user record", "username", username, "err", err)
		return
	}
	sess.User = rec
}
