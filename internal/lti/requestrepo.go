// internal/lti/requestrepo.go
package lti

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"net/http"
)

/*
Correlation between step 1 (login initiation) and step 3 (authentication
response) of the launch.

Two strategies exist because some browsers refuse third-party cookies when
the tool runs inside the LMS iframe:

  - ModeSessionCookie: a random cookie set at step 1 identifies the pending
    request; the state parameter is still checked against the stored value.
  - ModeStateToken:    the state parameter itself is the lookup key, with a
    short TTL and optional IP binding to compensate for the missing cookie.

The mode is chosen once at startup and injected; handlers never branch on
ad-hoc booleans.
*/

// CorrelationMode selects how in-flight logins are correlated.
type CorrelationMode int

const (
	ModeSessionCookie CorrelationMode = iota
	ModeStateToken
)

func (m CorrelationMode) String() string {
	if m == ModeStateToken {
		return "state"
	}
	return "session"
}

// RequestRepository persists a pending AuthorizationRequest at step 1 and
// consumes it at step 3. Remove returns ErrStateNotFound for unknown,
// expired, replayed or (per configuration) IP-mismatched requests.
type RequestRepository interface {
	Save(w http.ResponseWriter, r *http.Request, req AuthorizationRequest) error
	Remove(r *http.Request) (AuthorizationRequest, error)
}

// ---------------------------- state-token mode -------------------------------

// StateRequestRepository keys pending requests by their state parameter.
type StateRequestRepository struct {
	Store *StateStore
	// RecordIP pins entries to the initiating address (pair with
	// Store.LimitIPAddress to enforce it on consumption).
	RecordIP bool
}

func (s *StateRequestRepository) Save(_ http.ResponseWriter, r *http.Request, req AuthorizationRequest) error {
	if s.RecordIP {
		req.RemoteAddr = remoteHost(r)
	}
	return s.Store.Put(req.State, req)
}

func (s *StateRequestRepository) Remove(r *http.Request) (AuthorizationRequest, error) {
	state := r.FormValue("state")
	if state == "" {
		return AuthorizationRequest{}, ErrStateNotFound
	}
	return s.Store.Remove(state, remoteHost(r))
}

// --------------------------- session-cookie mode -----------------------------

const sessionCookieName = "lti_login"

// SessionRequestRepository keys pending requests by a random first-party
// cookie. The cookie is Secure/HttpOnly with SameSite=None because the
// launch round-trips through the platform's origin.
type SessionRequestRepository struct {
	Store *StateStore
	// CookiePath defaults to "/".
	CookiePath string
}

func (s *SessionRequestRepository) Save(w http.ResponseWriter, r *http.Request, req AuthorizationRequest) error {
	sid := randomToken()
	// The request (its state included) lives server-side under the session
	// key; the cookie only carries the unguessable key.
	if err := s.Store.Put(sid, req); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     s.cookiePath(),
		MaxAge:   int(s.Store.ttl().Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteNoneMode,
	})
	return nil
}

func (s *SessionRequestRepository) Remove(r *http.Request) (AuthorizationRequest, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return AuthorizationRequest{}, ErrStateNotFound
	}
	return s.Store.Remove(c.Value, remoteHost(r))
}

func (s *SessionRequestRepository) cookiePath() string {
	if s.CookiePath != "" {
		return s.CookiePath
	}
	return "/"
}

// ------------------------------- helpers -------------------------------------

// randomToken returns a cryptographically unguessable URL-safe value,
// suitable for state, nonce and session ids.
func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("lti: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// remoteHost strips the port from RemoteAddr. chi's RealIP middleware has
// already folded X-Forwarded-For into it when configured.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
