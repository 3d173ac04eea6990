// internal/auth/session.go
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/emeritus-tech/search-replace-text/internal/lti"
)

// AuthService mints and verifies the tool's own session tokens. A session
// is created once an LTI launch validates; everything after that (the
// search-and-replace editor, service calls) rides on this token instead of
// re-validating the platform id_token.
type AuthService struct {
	hmac []byte
	ttl  time.Duration
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{hmac: []byte(secret), ttl: ttl}
}

type Claims struct {
	Name           string   `json:"name,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	RegistrationID string   `json:"registration_id"`
	ContextID      string   `json:"context_id,omitempty"`
	NRPSURL        string   `json:"nrps_url,omitempty"`
	AGSLineItems   string   `json:"ags_lineitems,omitempty"`
	AGSScopes      []string `json:"ags_scopes,omitempty"`
	jwt.RegisteredClaims
}

// IssueFromLaunch converts a validated launch into a session token.
func (a *AuthService) IssueFromLaunch(id *lti.ValidatedIdentity) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:           id.Name(),
		Email:          id.Email(),
		Roles:          id.Roles(),
		RegistrationID: id.RegistrationID(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject(),
			Issuer:    "lti-tool",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	if c := id.Context(); c != nil {
		if cid, ok := c["id"].(string); ok {
			claims.ContextID = cid
		}
	}
	if raw, ok := id.Claim(lti.ClaimNRPS); ok {
		if nrps, ok := raw.(map[string]any); ok {
			if u, ok := nrps["context_memberships_url"].(string); ok {
				claims.NRPSURL = u
			}
		}
	}
	if raw, ok := id.Claim(lti.ClaimAGSEndpoint); ok {
		if ags, ok := raw.(map[string]any); ok {
			if u, ok := ags["lineitems"].(string); ok {
				claims.AGSLineItems = u
			}
			if scopes, ok := ags["scope"].([]any); ok {
				for _, s := range scopes {
					if str, ok := s.(string); ok {
						claims.AGSScopes = append(claims.AGSScopes, str)
					}
				}
			}
		}
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.hmac, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return nil, err
	}
	c, _ := token.Claims.(*Claims)
	return c, nil
}

// SessionCookie names the cookie the launch handler sets.
const SessionCookie = "tool_session"

// SetSessionCookie attaches the session token to the response. SameSite=None
// because tools usually run inside a platform iframe.
func SetSessionCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteNoneMode,
	})
}

// Middleware authenticates via bearer header or the session cookie.
func Middleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				if c, err := r.Cookie(SessionCookie); err == nil {
					tok = c.Value
				}
			}
			if tok == "" {
				http.Error(w, "missing session", http.StatusUnauthorized)
				return
			}
			claims, err := a.Parse(tok)
			if err != nil {
				http.Error(w, "bad session", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
