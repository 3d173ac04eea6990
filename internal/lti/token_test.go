package lti_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/emeritus-tech/search-replace-text/internal/lti"
)

type failingKeys struct{}

func (failingKeys) KeyPair(string) (*rsa.PrivateKey, error) { return nil, lti.ErrNoKeyPair }
func (failingKeys) KeyID(string) (string, error)            { return "", lti.ErrNoKeyPair }

func newToolKeys(t *testing.T) (*lti.SingleKeyPair, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate tool key: %v", err)
	}
	kp, err := lti.NewSingleKeyPair(key, "tool-key-1")
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}
	return kp, key
}

func TestIssueTokenEmptyScopes(t *testing.T) {
	keys, _ := newToolKeys(t)
	issuer := &lti.ServiceTokenIssuer{
		Registry: mustRegistry(t, testRegistration()),
		Keys:     keys,
		// any network attempt would hit an unroutable endpoint and fail
		// with a different error than the one we expect
		HTTPClient: &http.Client{Timeout: time.Millisecond},
	}
	_, err := issuer.IssueToken(context.Background(), "canvas-1", nil)
	if !errors.Is(err, lti.ErrEmptyScopes) {
		t.Fatalf("want ErrEmptyScopes, got %v", err)
	}
}

func TestIssueTokenAssertionShape(t *testing.T) {
	keys, toolKey := newToolKeys(t)

	var gotForm map[string]string
	var assertion string
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm = map[string]string{
			"grant_type":            r.PostFormValue("grant_type"),
			"client_assertion_type": r.PostFormValue("client_assertion_type"),
			"scope":                 r.PostFormValue("scope"),
		}
		assertion = r.PostFormValue("client_assertion")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "svc-token-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        lti.ScopeNRPSMembership,
		})
	}))
	defer endpoint.Close()

	reg := testRegistration()
	reg.TokenURI = endpoint.URL
	registry := mustRegistry(t, reg)

	issuedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer := &lti.ServiceTokenIssuer{
		Registry: registry,
		Keys:     keys,
		Now:      func() time.Time { return issuedAt },
	}

	tok, err := issuer.IssueToken(context.Background(), "canvas-1",
		[]string{lti.ScopeNRPSMembership})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Token != "svc-token-1" || tok.TokenType != "Bearer" {
		t.Fatalf("token = %+v", tok)
	}
	if gotForm["grant_type"] != "client_credentials" {
		t.Errorf("grant_type = %q", gotForm["grant_type"])
	}
	if gotForm["client_assertion_type"] != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		t.Errorf("client_assertion_type = %q", gotForm["client_assertion_type"])
	}
	if gotForm["scope"] != lti.ScopeNRPSMembership {
		t.Errorf("scope = %q", gotForm["scope"])
	}

	// the assertion must verify against the tool key and carry
	// iss == sub == client id, aud == token endpoint, exp == iat + 24h
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(assertion, claims, func(*jwt.Token) (any, error) {
		return &toolKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return issuedAt }))
	if err != nil || !parsed.Valid {
		t.Fatalf("assertion does not verify: %v", err)
	}
	if kid, _ := parsed.Header["kid"].(string); kid != "tool-key-1" {
		t.Errorf("kid = %q", kid)
	}
	iss, _ := claims.GetIssuer()
	sub, _ := claims.GetSubject()
	if iss != "10000000000001" || sub != "10000000000001" {
		t.Errorf("iss=%q sub=%q, want both the client id", iss, sub)
	}
	aud, _ := claims.GetAudience()
	if len(aud) != 1 || aud[0] != endpoint.URL {
		t.Errorf("aud = %v", aud)
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Errorf("jti missing")
	}
	exp, _ := claims.GetExpirationTime()
	iat, _ := claims.GetIssuedAt()
	if exp == nil || iat == nil || exp.Sub(iat.Time) != 24*time.Hour {
		t.Errorf("assertion lifetime: iat=%v exp=%v", iat, exp)
	}
}

func TestIssueTokenMissingKeyPair(t *testing.T) {
	issuer := &lti.ServiceTokenIssuer{
		Registry: mustRegistry(t, testRegistration()),
		Keys:     failingKeys{},
	}
	_, err := issuer.IssueToken(context.Background(), "canvas-1", []string{"openid"})
	var ae *lti.AuthError
	if !errors.As(err, &ae) || ae.Code != lti.ErrMissingKeyPair {
		t.Fatalf("want missing_keypair, got %v", err)
	}
}

func TestIssueTokenEndpointRejection(t *testing.T) {
	keys, _ := newToolKeys(t)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_scope","error_description":"scope not granted"}`))
	}))
	defer endpoint.Close()

	reg := testRegistration()
	reg.TokenURI = endpoint.URL
	issuer := &lti.ServiceTokenIssuer{
		Registry: mustRegistry(t, reg),
		Keys:     keys,
	}
	_, err := issuer.IssueToken(context.Background(), "canvas-1", []string{"bogus"})
	var ae *lti.AuthError
	if !errors.As(err, &ae) || ae.Code != lti.ErrTokenEndpointError {
		t.Fatalf("want token_endpoint_error, got %v", err)
	}
	// the platform's own error body must be carried through for the caller
	if msg := ae.Error(); !strings.Contains(msg, "invalid_scope") || !strings.Contains(msg, "scope not granted") {
		t.Fatalf("platform error not propagated: %v", ae)
	}
}
