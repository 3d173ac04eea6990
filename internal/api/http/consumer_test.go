package http_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	api "github.com/emeritus-tech/search-replace-text/internal/api/http"
	"github.com/emeritus-tech/search-replace-text/internal/auth"
	"github.com/emeritus-tech/search-replace-text/internal/lti"
)

// newTokenIssuer points a canvas-1 registration at a stub token endpoint.
func newTokenIssuer(t *testing.T) (*lti.ServiceTokenIssuer, func()) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys, err := lti.NewSingleKeyPair(key, "tool-key-1")
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}
	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "svc-token", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	registry, err := lti.NewStaticRegistry(lti.ClientRegistration{
		RegistrationID:   "canvas-1",
		ClientID:         "10000000000001",
		Issuer:           "https://canvas.example.edu",
		AuthorizationURI: "https://canvas.example.edu/api/lti/authorize_redirect",
		TokenURI:         tokenEndpoint.URL,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &lti.ServiceTokenIssuer{Registry: registry, Keys: keys}, tokenEndpoint.Close
}

func sessionRequest(method, target string, body io.Reader, c *auth.Claims) *http.Request {
	r := httptest.NewRequest(method, target, body)
	if c != nil {
		r = r.WithContext(auth.WithClaims(r.Context(), c))
	}
	return r
}

func TestCourseLineItemsHandler(t *testing.T) {
	tokens, closeTokens := newTokenIssuer(t)
	defer closeTokens()

	agsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]lti.LineItem{
			{ID: "li-1", Label: "Quiz 1", ScoreMaximum: 10},
		})
	}))
	defer agsServer.Close()

	claims := &auth.Claims{
		RegistrationID: "canvas-1",
		AGSLineItems:   agsServer.URL + "/lineitems",
		AGSScopes:      []string{lti.ScopeAGSLineItem},
	}
	rec := httptest.NewRecorder()
	api.CourseLineItemsHandler(tokens)(rec, sessionRequest(http.MethodGet, "/consumer/lineitems", nil, claims))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var items []lti.LineItem
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].Label != "Quiz 1" {
		t.Fatalf("items = %+v", items)
	}
}

func TestCourseLineItemsHandlerWithoutGrant(t *testing.T) {
	tokens, closeTokens := newTokenIssuer(t)
	defer closeTokens()

	// launch carried no AGS endpoint claim
	claims := &auth.Claims{RegistrationID: "canvas-1"}
	rec := httptest.NewRecorder()
	api.CourseLineItemsHandler(tokens)(rec, sessionRequest(http.MethodGet, "/consumer/lineitems", nil, claims))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	api.CourseLineItemsHandler(tokens)(rec, sessionRequest(http.MethodGet, "/consumer/lineitems", nil, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}
}

func TestScorePublishHandler(t *testing.T) {
	tokens, closeTokens := newTokenIssuer(t)
	defer closeTokens()

	var gotPath string
	var gotScore lti.Score
	agsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotScore)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer agsServer.Close()

	claims := &auth.Claims{
		RegistrationID: "canvas-1",
		AGSLineItems:   agsServer.URL + "/lineitems",
		AGSScopes:      []string{lti.ScopeAGSScore},
	}
	body := `{"lineitem":"` + agsServer.URL + `/lineitems/42","score":{"userId":"u-1","activityProgress":"Completed","gradingProgress":"FullyGraded"}}`
	req := sessionRequest(http.MethodPost, "/consumer/scores", strings.NewReader(body), claims)
	rec := httptest.NewRecorder()
	api.ScorePublishHandler(tokens)(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if gotPath != "/lineitems/42/scores" {
		t.Errorf("score posted to %q", gotPath)
	}
	if gotScore.UserID != "u-1" {
		t.Errorf("score body = %+v", gotScore)
	}
}

func TestScorePublishHandlerBadBody(t *testing.T) {
	tokens, closeTokens := newTokenIssuer(t)
	defer closeTokens()

	claims := &auth.Claims{
		RegistrationID: "canvas-1",
		AGSLineItems:   "https://platform.invalid/lineitems",
	}
	req := sessionRequest(http.MethodPost, "/consumer/scores", strings.NewReader(`{}`), claims)
	rec := httptest.NewRecorder()
	api.ScorePublishHandler(tokens)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
