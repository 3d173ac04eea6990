// internal/lti/token.go
package lti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

/*
Service token issuance (client_credentials with a signed JWT assertion)

LTI Advantage services (NRPS, AGS) require an OAuth2 access token from the
platform's token endpoint. The tool authenticates by signing a short JWT
with its registration key pair; the platform verifies it against our
published JWKS. There is no client secret anywhere in this flow.
*/

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ErrEmptyScopes is returned before any network activity when a caller
// requests a token for no scopes.
var ErrEmptyScopes = errors.New("lti: at least one scope is required")

// AccessToken is a platform-issued service token.
type AccessToken struct {
	Token     string
	TokenType string
	ExpiresAt time.Time
	Scopes    []string
}

// Expired reports whether the token is past its lifetime (with a small
// safety margin so in-flight requests don't race the boundary).
func (t AccessToken) Expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt.Add(-10 * time.Second))
}

// ServiceTokenIssuer obtains access tokens for LTI Advantage service calls.
type ServiceTokenIssuer struct {
	Registry ClientRegistry
	Keys     KeyProvider

	// HTTPClient for the token endpoint; a 10s-timeout client when nil.
	HTTPClient *http.Client
	// AssertionLifetime bounds the client assertion's exp; 24h when zero,
	// matching what most platforms accept.
	AssertionLifetime time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// IssueToken requests an access token covering the given scopes from the
// registration's platform. Apart from ErrEmptyScopes, errors are *AuthError.
func (s *ServiceTokenIssuer) IssueToken(ctx context.Context, registrationID string, scopes []string) (AccessToken, error) {
	if len(scopes) == 0 {
		return AccessToken{}, ErrEmptyScopes
	}
	reg, err := s.Registry.GetRegistration(ctx, registrationID)
	if err != nil {
		return AccessToken{}, wrapAuthError(ErrTokenEndpointError, err)
	}
	if reg.TokenURI == "" {
		return AccessToken{}, authErrorf(ErrTokenEndpointError, "registration %q has no token endpoint", registrationID)
	}

	assertion, err := s.signAssertion(reg)
	if err != nil {
		return AccessToken{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, wrapAuthError(ErrTokenEndpointError, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return AccessToken{}, wrapAuthError(ErrTokenEndpointError, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		// Surface the platform's body verbatim; it usually names the
		// rejected scope or assertion problem.
		return AccessToken{}, authErrorf(ErrTokenEndpointError,
			"token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, wrapAuthError(ErrTokenEndpointError, fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return AccessToken{}, authErrorf(ErrTokenEndpointError, "token endpoint returned no access_token")
	}

	tok := AccessToken{Token: tr.AccessToken, TokenType: tr.TokenType}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Scope != "" {
		tok.Scopes = strings.Fields(tr.Scope)
	} else {
		tok.Scopes = append([]string(nil), scopes...)
	}
	return tok, nil
}

// signAssertion builds the client_assertion JWT: iss and sub are both the
// client id, aud is the token endpoint, jti is unique per request.
func (s *ServiceTokenIssuer) signAssertion(reg ClientRegistration) (string, error) {
	key, err := s.Keys.KeyPair(reg.RegistrationID)
	if err != nil || key == nil {
		return "", authErrorf(ErrMissingKeyPair, "no key pair for client registration %q", reg.RegistrationID)
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss": reg.ClientID,
		"sub": reg.ClientID,
		"aud": reg.TokenURI,
		"iat": now.Unix(),
		"exp": now.Add(s.lifetime()).Unix(),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid, err := s.Keys.KeyID(reg.RegistrationID); err == nil && kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", wrapAuthError(ErrSigningFailed, err)
	}
	return signed, nil
}

func (s *ServiceTokenIssuer) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s *ServiceTokenIssuer) lifetime() time.Duration {
	if s.AssertionLifetime > 0 {
		return s.AssertionLifetime
	}
	return 24 * time.Hour
}

func (s *ServiceTokenIssuer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
