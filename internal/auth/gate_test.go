package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/opensciencelab/portal/internal/user"
	"github.com/opensciencelab/portal/internal/user/repo"
)

func testRecord(t *testing.T, mutate func(svc *user.Service, rec *user.Record)) *user.Record {
	t.Helper()
	svc := user.NewService(repo.NewMemoryStore(), zap.NewNop().Sugar())
	rec, err := svc.Get(context.Background(), "alice", true)
	if err != nil {
		t.Fatalf("provision record: %v", err)
	}
	if mutate != nil {
		mutate(svc, rec)
	}
	return rec
}

func gateRequest(t *testing.T, gate *Gate, capability, path string, sess *Session) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if sess != nil {
		req = req.WithContext(WithSession(req.Context(), sess))
	}
	rr := httptest.NewRecorder()
	gate.RequireAccess(capability)(next).ServeHTTP(rr, req)
	return rr, reached
}

func TestGateUnauthenticated(t *testing.T) {
	gate := NewGate(zap.NewNop().Sugar())

	rr, reached := gateRequest(t, gate, "user", "/portal/x", nil)
	if reached {
		t.Fatal("handler ran for unauthenticated request")
	}
	if rr.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/?return=/portal/x" {
		t.Errorf("Location = %q", loc)
	}
	if body := rr.Body.String(); body != "User is not logged in" {
		t.Errorf("body = %q", body)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Error("no cookies presented, none should be expired")
	}
}

func TestGateExpiresBadCookies(t *testing.T) {
	gate := NewGate(zap.NewNop().Sugar())
	sess := &Session{Cognito: ProviderToken{Raw: "stale-refresh-token"}}

	rr, _ := gateRequest(t, gate, "user", "/portal", sess)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	cookies := rr.Result().Cookies()
	expired := map[string]bool{}
	for _, c := range cookies {
		if c.Value == "" && c.MaxAge < 0 {
			expired[c.Name] = true
		}
	}
	if !expired[UserCookie] || !expired[JWTCookie] {
		t.Errorf("expected both session cookies expired, got %v", cookies)
	}
}

func TestGateLockedBeforeCapability(t *testing.T) {
	gate := NewGate(zap.NewNop().Sugar())
	// A locked admin must get the 403, not pass the capability check.
	rec := testRecord(t, func(svc *user.Service, rec *user.Record) {
		ctx := context.Background()
		if err := svc.SetField(ctx, rec, "access", []string{"user", "admin"}); err != nil {
			t.Fatalf("SetField: %v", err)
		}
		if err := svc.SetField(ctx, rec, "is_locked", true); err != nil {
			t.Fatalf("SetField: %v", err)
		}
	})
	sess := &Session{Cognito: ProviderToken{Raw: "r", Valid: true, Username: "alice"}, User: rec}

	rr, reached := gateRequest(t, gate, "admin", "/portal/users", sess)
	if reached {
		t.Fatal("handler ran for a locked account")
	}
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unavailable") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestGateMissingCapability(t *testing.T) {
	gate := NewGate(zap.NewNop().Sugar())
	rec := testRecord(t, nil)
	sess := &Session{Cognito: ProviderToken{Raw: "r", Valid: true, Username: "alice"}, User: rec}

	rr, reached := gateRequest(t, gate, "admin", "/portal/users", sess)
	if reached {
		t.Fatal("handler ran without the required capability")
	}
	if rr.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/portal" {
		t.Errorf("Location = %q, want /portal", loc)
	}
	if body := rr.Body.String(); body != "User does not have required access" {
		t.Errorf("body = %q", body)
	}
}

func TestGateForcedProfileUpdate(t *testing.T) {
	gate := NewGate(zap.NewNop().Sugar())
	rec := testRecord(t, func(svc *user.Service, rec *user.Record) {
		if err := svc.SetField(context.Background(), rec, "require_profile_update", true); err != nil {
			t.Fatalf("SetField: %v", err)
		}
	})
	sess := &Session{Cognito: ProviderToken{Raw: "r", Valid: true, Username: "alice"}, User: rec}

	rr, reached := gateRequest(t, gate, "user", "/portal", sess)
	if reached {
		t.Fatal("handler ran while a profile update is forced")
	}
	if loc := rr.Header().Get("Location"); loc != "/portal/profile/form/alice" {
		t.Errorf("Location = %q", loc)
	}

	// The form itself must stay reachable or the user can never comply.
	_, reached = gateRequest(t, gate, "user", "/portal/profile/form/alice", sess)
	if !reached {
		t.Error("profile form blocked during forced update")
	}
}

func TestGateAllowsQualifiedUser(t *testing.T) {
	gate := NewGate(zap.NewNop().Sugar())
	rec := testRecord(t, nil)
	sess := &Session{Cognito: ProviderToken{Raw: "r", Valid: true, Username: "alice"}, User: rec}

	rr, reached := gateRequest(t, gate, "user", "/portal", sess)
	if !reached {
		t.Fatalf("handler did not run; status = %d body = %q", rr.Code, rr.Body.String())
	}
}
