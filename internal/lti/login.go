// internal/lti/login.go
package lti

import (
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

/*
Third-party initiated login (IMS Security Framework step 1).

The platform sends the browser here with a login hint; we answer with an
authentication request aimed at the platform's authorization endpoint,
asking for an id_token POSTed back to our launch endpoint. The pending
request (state, nonce, registration) is persisted through the configured
RequestRepository so step 3 can correlate the response.

Mount under the LTI base path:

	r.Get("/lti/login_initiation/{registrationID}", h.Handler())
	r.Post("/lti/login_initiation/{registrationID}", h.Handler())
*/

type LoginInitiationHandler struct {
	Registry ClientRegistry
	Requests RequestRepository

	// LaunchURL is the absolute redirect_uri the platform must POST the
	// id_token to (this tool's launch endpoint).
	LaunchURL string

	// Mode selects plain-redirect (session) or store-and-navigate (state)
	// delivery of the outgoing authentication request.
	Mode CorrelationMode

	// Scopes defaults to just "openid"; "openid" is always included.
	Scopes []string

	// Now overrides the clock in tests.
	Now func() time.Time

	// newToken overrides state/nonce generation in tests.
	newToken func() string
}

// Handler serves the login initiation endpoint.
func (h *LoginInitiationHandler) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Registry == nil || h.Requests == nil || h.LaunchURL == "" {
			writeJSONError(w, http.StatusInternalServerError, "login initiation not configured")
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad form")
			return
		}

		registrationID := chi.URLParam(r, "registrationID")
		if registrationID == "" {
			registrationID = strings.TrimSpace(r.FormValue("registration_id"))
		}
		if registrationID == "" {
			writeJSONError(w, http.StatusBadRequest, "registration id required")
			return
		}

		reg, err := h.Registry.GetRegistration(r.Context(), registrationID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unknown client registration: "+registrationID)
			return
		}

		state := h.token()
		nonce := h.token()
		req := AuthorizationRequest{
			State:          state,
			RegistrationID: registrationID,
			RedirectURI:    h.LaunchURL,
			Scopes:         h.scopes(),
			Nonce:          nonce,
			CreatedAt:      h.now(),
		}
		if err := h.Requests.Save(w, r, req); err != nil {
			log.Printf("lti: saving authorization request: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "unable to persist login")
			return
		}

		authURL := buildAuthorizationURL(reg, req, r)
		if h.Mode == ModeStateToken {
			// No cookie will survive the round trip, so park the state in
			// the browser's own storage before navigating.
			renderStateRedirect(w, state, authURL)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// buildAuthorizationURL assembles the OIDC authentication request per the
// IMS security framework: implicit id_token flow, form_post response, and
// the platform's hints passed straight through.
func buildAuthorizationURL(reg ClientRegistration, req AuthorizationRequest, r *http.Request) string {
	q := url.Values{}
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("scope", strings.Join(req.Scopes, " "))
	q.Set("state", req.State)
	q.Set("nonce", req.Nonce)
	// The user is already logged in at the platform.
	q.Set("prompt", "none")
	if hint := r.FormValue("login_hint"); hint != "" {
		q.Set("login_hint", hint)
	}
	if hint := r.FormValue("lti_message_hint"); hint != "" {
		q.Set("lti_message_hint", hint)
	}
	sep := "?"
	if strings.Contains(reg.AuthorizationURI, "?") {
		sep = "&"
	}
	return reg.AuthorizationURI + sep + q.Encode()
}

func (h *LoginInitiationHandler) scopes() []string {
	out := []string{"openid"}
	for _, s := range h.Scopes {
		s = strings.TrimSpace(s)
		if s != "" && s != "openid" {
			out = append(out, s)
		}
	}
	return out
}

func (h *LoginInitiationHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *LoginInitiationHandler) token() string {
	if h.newToken != nil {
		return h.newToken()
	}
	return randomToken()
}

// ------------------------------ rendering ------------------------------------

// step-1 page for state mode: remember the state in sessionStorage, then
// navigate to the platform's authorization endpoint.
var stateRedirectTpl = template.Must(template.New("state-redirect").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Continuing sign-in…</title></head>
<body>
<script>
try { sessionStorage.setItem("lti_state", {{.State}}); } catch (e) {}
window.location.replace({{.URL}});
</script>
<noscript><a href="{{.URL}}">Continue</a></noscript>
</body></html>`))

func renderStateRedirect(w http.ResponseWriter, state, authURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = stateRedirectTpl.Execute(w, map[string]string{"State": state, "URL": authURL})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
