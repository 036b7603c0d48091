package auth

import (
	"net/http"
	"time"
)

// Cookie names set on every authenticated response.
const (
	// UserCookie carries the codec-encrypted display username. Advisory
	// only; never trusted for authorization.
	UserCookie = "portal-username"
	// JWTCookie carries the raw refresh token issued by the provider.
	JWTCookie = "portal-jwt"
)

func sessionCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSessionCookies attaches both login cookies to the response.
func SetSessionCookies(w http.ResponseWriter, encryptedUsername, refreshToken string) {
	http.SetCookie(w, sessionCookie(UserCookie, encryptedUsername))
	http.SetCookie(w, sessionCookie(JWTCookie, refreshToken))
}

// ExpireSessionCookies reissues both cookies with an empty value and an
// Expires stamp in the past, destroying them client-side.
func ExpireSessionCookies(w http.ResponseWriter) {
	past := time.Now().UTC().Add(-24 * time.Hour)
	for _, name := range []string{UserCookie, JWTCookie} {
		c := sessionCookie(name, "")
		c.Expires = past
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}
