package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emeritus-tech/search-replace-text/internal/auth"
	"github.com/emeritus-tech/search-replace-text/internal/lti"
)

func launchedIdentity() *lti.ValidatedIdentity {
	return lti.NewValidatedIdentity("user-42", "https://canvas.example.edu",
		[]string{"10000000000001"}, "canvas-1", map[string]any{
			"name":           "Ada Lovelace",
			"email":          "ada@example.edu",
			lti.ClaimRoles:   []any{lti.RoleInstructor},
			lti.ClaimContext: map[string]any{"id": "ctx-9", "title": "Algorithms"},
			lti.ClaimNRPS: map[string]any{
				"context_memberships_url": "https://canvas.example.edu/api/lti/courses/9/names_and_roles",
			},
			lti.ClaimAGSEndpoint: map[string]any{
				"lineitems": "https://canvas.example.edu/api/lti/courses/9/line_items",
				"scope":     []any{lti.ScopeAGSLineItem, lti.ScopeAGSScore},
			},
		})
}

func TestSessionRoundTrip(t *testing.T) {
	svc := auth.NewAuthService("test-secret", time.Hour)

	tok, err := svc.IssueFromLaunch(launchedIdentity())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-42" || claims.RegistrationID != "canvas-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Name != "Ada Lovelace" || claims.ContextID != "ctx-9" {
		t.Fatalf("launch detail lost: %+v", claims)
	}
	if claims.NRPSURL == "" {
		t.Fatalf("memberships URL not carried into the session")
	}
	if claims.AGSLineItems != "https://canvas.example.edu/api/lti/courses/9/line_items" {
		t.Fatalf("line items URL not carried into the session: %+v", claims)
	}
	if len(claims.AGSScopes) != 2 || claims.AGSScopes[0] != lti.ScopeAGSLineItem {
		t.Fatalf("granted AGS scopes not carried: %v", claims.AGSScopes)
	}
}

func TestSessionWrongSecretRejected(t *testing.T) {
	tok, err := auth.NewAuthService("secret-a", time.Hour).IssueFromLaunch(launchedIdentity())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.NewAuthService("secret-b", time.Hour).Parse(tok); err == nil {
		t.Fatalf("token verified under the wrong secret")
	}
}

func TestMiddleware(t *testing.T) {
	svc := auth.NewAuthService("test-secret", time.Hour)
	tok, err := svc.IssueFromLaunch(launchedIdentity())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var gotSub string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub = auth.SubjectFromContext(r.Context())
	})
	handler := auth.Middleware(svc)(next)

	// bearer header
	req := httptest.NewRequest(http.MethodGet, "/consumer/details", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || gotSub != "user-42" {
		t.Fatalf("bearer: status=%d sub=%q", rec.Code, gotSub)
	}

	// session cookie
	gotSub = ""
	req = httptest.NewRequest(http.MethodGet, "/consumer/details", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: tok})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || gotSub != "user-42" {
		t.Fatalf("cookie: status=%d sub=%q", rec.Code, gotSub)
	}

	// nothing at all
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/consumer/details", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status=%d", rec.Code)
	}
}
