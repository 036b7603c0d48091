package portal

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/cognito"
	"github.com/opensciencelab/portal/internal/iplog"
	"github.com/opensciencelab/portal/internal/labs"
	"github.com/opensciencelab/portal/internal/mail"
	"github.com/opensciencelab/portal/internal/oidc"
	"github.com/opensciencelab/portal/internal/user"
	"github.com/opensciencelab/portal/internal/user/repo"
)

const testKID = "portal-test-key"

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func jwksServer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	doc := map[string]any{
		"keys": []map[string]string{
			{
				"kty": "RSA",
				"kid": testKID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// idpServer fakes the provider's token endpoint: the code "good" yields a
// signed triple, everything else an invalid_grant error.
func idpServer(t *testing.T, key *rsa.PrivateKey, username string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		exp := time.Now().Add(time.Hour)
		triple := oidc.TokenSet{
			AccessToken: signToken(t, key, jwt.MapClaims{
				"username": username,
				"exp":      exp.Unix(),
			}),
			IDToken: signToken(t, key, jwt.MapClaims{
				"email": username + "@example.org",
				"exp":   exp.Unix(),
			}),
			RefreshToken: "refresh-abc",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(triple)
	})
	mux.HandleFunc("/oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type handlerFixture struct {
	handler *Handler
	store   *repo.MemoryStore
	users   *user.Service
	codec   *auth.Codec
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	jwks := jwksServer(t, key)
	idp := idpServer(t, key, "alice")

	cfg := oidc.Config{
		Host:           idp.URL,
		ClientID:       "client-a",
		JWKSURL:        jwks.URL,
		DeploymentHost: "portal.example",
	}
	client := oidc.NewClient(cfg, idp.Client(), logger)
	keyset := oidc.NewKeyset(cfg.JWKSURL, jwks.Client(), logger)
	resolver := oidc.NewResolver(client, keyset, logger)

	store := repo.NewMemoryStore()
	users := user.NewService(store, logger)
	codec := auth.NewCodec(auth.StaticSecretSource("a-strong-test-secret"))

	h := NewHandler(
		users,
		client,
		keyset,
		resolver,
		codec,
		cognito.NewAdmin(nil, "pool-a", "client-a", logger),
		mail.NewSender(nil, users, mail.Config{}, logger),
		iplog.NewWriter(nil, iplog.Config{}, logger),
		labs.NewCatalog(),
		logger,
	)
	return &handlerFixture{handler: h, store: store, users: users, codec: codec}
}

func TestAuthWithoutCode(t *testing.T) {
	fx := newHandlerFixture(t)

	w := httptest.NewRecorder()
	fx.handler.Auth(w, httptest.NewRequest(http.MethodGet, "/auth", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Body.String(); got != "No return Code found." {
		t.Errorf("body = %q", got)
	}
}

func TestAuthBadCode(t *testing.T) {
	fx := newHandlerFixture(t)

	w := httptest.NewRecorder()
	fx.handler.Auth(w, httptest.NewRequest(http.MethodGet, "/auth?code=expired", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Body.String(); got != "Could not complete token exchange" {
		t.Errorf("body = %q", got)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Errorf("cookies set on failed exchange: %v", w.Result().Cookies())
	}
}

func TestAuthSuccess(t *testing.T) {
	fx := newHandlerFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth?code=good&state=/portal/profile", nil)
	fx.handler.Auth(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %q)", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/portal/profile" {
		t.Errorf("Location = %q, want state target", loc)
	}

	cookies := make(map[string]*http.Cookie)
	for _, c := range w.Result().Cookies() {
		cookies[c.Name] = c
	}
	jwtCookie, ok := cookies[auth.JWTCookie]
	if !ok || jwtCookie.Value != "refresh-abc" {
		t.Fatalf("refresh cookie = %+v", jwtCookie)
	}
	userCookie, ok := cookies[auth.UserCookie]
	if !ok || userCookie.Value == "" {
		t.Fatalf("username cookie missing")
	}
	var sealed string
	if err := fx.codec.Decrypt(req.Context(), userCookie.Value, &sealed); err != nil {
		t.Fatalf("decrypt username cookie: %v", err)
	}
	if sealed != "alice" {
		t.Errorf("cookie username = %q, want alice", sealed)
	}

	rec, err := fx.users.Get(req.Context(), "alice", false)
	if err != nil {
		t.Fatalf("record not provisioned: %v", err)
	}
	if rec.LastCookieAssignment() == "" {
		t.Errorf("cookie assignment not stamped")
	}
}

func TestAuthDefaultsStateToPortal(t *testing.T) {
	fx := newHandlerFixture(t)

	w := httptest.NewRecorder()
	fx.handler.Auth(w, httptest.NewRequest(http.MethodGet, "/auth?code=good", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/portal" {
		t.Errorf("Location = %q, want /portal", loc)
	}
}

func TestLogoutClearsCookies(t *testing.T) {
	fx := newHandlerFixture(t)

	w := httptest.NewRecorder()
	fx.handler.Logout(w, httptest.NewRequest(http.MethodGet, "/logout", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
	if got := w.Body.String(); got != "You have been logged out" {
		t.Errorf("body = %q", got)
	}
	expired := 0
	for _, c := range w.Result().Cookies() {
		if (c.Name == auth.UserCookie || c.Name == auth.JWTCookie) && c.MaxAge < 0 {
			expired++
		}
	}
	if expired != 2 {
		t.Errorf("expired %d session cookies, want 2", expired)
	}
}

func TestRootLoggedOut(t *testing.T) {
	fx := newHandlerFixture(t)

	w := httptest.NewRecorder()
	fx.handler.Root(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["login_url"] == "" || body["signup_url"] == "" {
		t.Errorf("missing hosted-UI links: %v", body)
	}
}
