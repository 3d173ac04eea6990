// internal/lti/launch.go
package lti

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Authentication response handling (IMS Security Framework step 3).

The platform POSTs id_token+state (or error+state) back to the launch
endpoint. The pending AuthorizationRequest is consumed exactly once, then
the id_token runs through the validation gates in order; each gate is hard,
there is no continuing past a failure:

  1. platform-reported error        -> protocol_error
  2. consume stored request         -> invalid_state (unknown/expired/replayed)
  3. response state == stored state -> invalid_state
  4. registration has a JWKS URI    -> missing_signature_verifier
  5. signature against platform set -> signature_invalid
  6. iss/aud/exp/nonce checks       -> claims_invalid
  7. build the immutable identity

On success the browser is sent to the platform-signed target_link_uri; in
state mode via a page that first lets client script compare the state it
stashed at step 1.
*/

// LaunchResponse is the platform's authentication response. Exactly one of
// idToken/err is set; use Success/Failure to construct.
type LaunchResponse struct {
	state   string
	idToken string
	err     *AuthError
}

// Success builds a response carrying an id_token.
func Success(state, idToken string) LaunchResponse {
	if idToken == "" {
		panic("lti: Success requires an id_token")
	}
	return LaunchResponse{state: state, idToken: idToken}
}

// Failure builds a response carrying the platform's error.
func Failure(state, code, description string) LaunchResponse {
	if code == "" {
		panic("lti: Failure requires an error code")
	}
	return LaunchResponse{state: state, err: &AuthError{Code: code, Description: description}}
}

func (lr LaunchResponse) State() string   { return lr.state }
func (lr LaunchResponse) IDToken() string { return lr.idToken }
func (lr LaunchResponse) IsError() bool   { return lr.err != nil }

// Err returns the platform error, nil for success responses.
func (lr LaunchResponse) Err() *AuthError { return lr.err }

// ------------------------------- validator -----------------------------------

// Validator checks an authentication response against the stored request
// and the platform's published keys.
type Validator struct {
	Registry ClientRegistry
	Keys     *PlatformKeys

	// Leeway tolerates small clock drift on exp/iat checks; 30s when zero.
	Leeway time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Validate runs gates 1 and 3–7 (the caller consumes the stored request,
// gate 2, because consumption strategy depends on the correlation mode).
// Errors are always *AuthError.
func (v *Validator) Validate(ctx context.Context, resp LaunchResponse, stored AuthorizationRequest) (*ValidatedIdentity, error) {
	if resp.IsError() {
		e := resp.Err()
		return nil, &AuthError{Code: ErrProtocolError, Description: e.Code + " " + e.Description}
	}
	if resp.State() == "" || resp.State() != stored.State {
		return nil, authErrorf(ErrInvalidState, "state parameter does not match the stored request")
	}

	reg, err := v.Registry.GetRegistration(ctx, stored.RegistrationID)
	if err != nil {
		return nil, authErrorf(ErrMissingVerifier,
			"failed to find a signature verifier for client registration %q", stored.RegistrationID)
	}
	if reg.JWKSURI == "" {
		return nil, authErrorf(ErrMissingVerifier,
			"client registration %q has no JWKS URI configured", stored.RegistrationID)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(resp.IDToken(), claims, v.Keys.Keyfunc(ctx, reg.JWKSURI),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !token.Valid {
		return nil, wrapAuthError(ErrSignatureInvalid, fmt.Errorf("id_token verification failed: %w", err))
	}

	if err := v.checkClaims(claims, reg, stored); err != nil {
		return nil, wrapAuthError(ErrClaimsInvalid, err)
	}

	sub, _ := claims.GetSubject()
	aud, _ := claims.GetAudience()
	return &ValidatedIdentity{
		subject:        sub,
		issuer:         reg.Issuer,
		audience:       aud,
		registrationID: stored.RegistrationID,
		claims:         map[string]any(claims),
	}, nil
}

// checkClaims applies the standard OIDC id_token checks: issuer equality,
// audience membership, expiry, and nonce match.
func (v *Validator) checkClaims(claims jwt.MapClaims, reg ClientRegistration, stored AuthorizationRequest) error {
	now := v.now()
	leeway := v.leeway()

	iss, err := claims.GetIssuer()
	if err != nil || iss != reg.Issuer {
		return fmt.Errorf("issuer %q does not match expected %q", iss, reg.Issuer)
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return errors.New("id_token has no audience")
	}
	found := false
	for _, a := range aud {
		if a == reg.ClientID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("audience does not contain client id %q", reg.ClientID)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errors.New("id_token has no expiry")
	}
	if now.After(exp.Time.Add(leeway)) {
		return errors.New("id_token is expired")
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil && iat.Time.After(now.Add(leeway)) {
		return errors.New("id_token issued in the future")
	}

	// nonce is checked when the token carries one; the stored nonce came
	// from our own step-1 request.
	if nonce, ok := claims["nonce"].(string); ok && nonce != "" {
		if nonce != stored.Nonce {
			return errors.New("nonce does not match the stored request")
		}
	}
	return nil
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Validator) leeway() time.Duration {
	if v.Leeway > 0 {
		return v.Leeway
	}
	return 30 * time.Second
}

// ----------------------------- launch handler --------------------------------

// LaunchHandler owns the HTTP surface of step 3: it parses the form_post,
// consumes the stored request, validates, and completes.
type LaunchHandler struct {
	Requests  RequestRepository
	Validator *Validator

	// Mode mirrors the initiation handler's mode and picks the completion
	// rendering.
	Mode CorrelationMode

	// OnSuccess delivers the authenticated identity to the application
	// (typically mints the local session) before the browser is redirected.
	OnSuccess func(w http.ResponseWriter, r *http.Request, id *ValidatedIdentity)

	// FallbackURL is used when a launch has no target_link_uri claim.
	FallbackURL string
}

// Handler serves POST <ltiPath>/login.
func (h *LaunchHandler) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Requests == nil || h.Validator == nil {
			writeJSONError(w, http.StatusInternalServerError, "launch handler not configured")
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad form")
			return
		}
		resp, err := parseLaunchResponse(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Gate 1 before consumption: a platform-reported error fails as
		// protocol_error no matter what the state looks like.
		if resp.IsError() {
			e := resp.Err()
			writeAuthFailure(w, &AuthError{Code: ErrProtocolError, Description: e.Code + " " + e.Description})
			return
		}

		stored, err := h.Requests.Remove(r)
		if err != nil {
			writeAuthFailure(w, authErrorf(ErrInvalidState, "authorization request not found"))
			return
		}

		identity, err := h.Validator.Validate(r.Context(), resp, stored)
		if err != nil {
			var ae *AuthError
			if !errors.As(err, &ae) {
				ae = wrapAuthError(ErrClaimsInvalid, err)
			}
			if ae.Code == ErrMissingVerifier {
				// Deployment misconfiguration, not an attack; be loud.
				log.Printf("lti: %v", ae)
			}
			writeAuthFailure(w, ae)
			return
		}

		if h.OnSuccess != nil {
			h.OnSuccess(w, r, identity)
		}
		h.complete(w, r, identity, resp.State())
	}
}

// complete finishes the launch. The redirect target is always the
// platform-signed target_link_uri claim, never anything the initiation
// request supplied.
func (h *LaunchHandler) complete(w http.ResponseWriter, r *http.Request, id *ValidatedIdentity, state string) {
	clearAuthErrorMarker(w)
	target := id.TargetLinkURI()
	if target == "" {
		target = h.FallbackURL
	}
	if target == "" {
		writeJSONError(w, http.StatusInternalServerError, "launch has no target link")
		return
	}
	if h.Mode == ModeStateToken {
		renderStateComplete(w, state, target)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func parseLaunchResponse(r *http.Request) (LaunchResponse, error) {
	state := r.PostFormValue("state")
	idToken := r.PostFormValue("id_token")
	errCode := r.PostFormValue("error")
	switch {
	case idToken != "" && errCode == "":
		return Success(state, idToken), nil
	case errCode != "" && idToken == "":
		return Failure(state, errCode, r.PostFormValue("error_description")), nil
	case idToken == "" && errCode == "":
		return LaunchResponse{}, errors.New("response carries neither id_token nor error")
	default:
		return LaunchResponse{}, errors.New("response carries both id_token and error")
	}
}

// writeAuthFailure answers a failed launch with 401 and the error code
// plus human-readable detail. It never downgrades to an anonymous success.
func writeAuthFailure(w http.ResponseWriter, ae *AuthError) {
	markAuthError(w)
	http.Error(w, ae.Error(), http.StatusUnauthorized)
}

// ------------------------- error marker cookie -------------------------------

const authErrorCookie = "lti_auth_error"

func markAuthError(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: authErrorCookie, Value: "1", Path: "/", MaxAge: 300, HttpOnly: true})
}

// clearAuthErrorMarker drops the marker a previous failed attempt may have
// left behind.
func clearAuthErrorMarker(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: authErrorCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

// ------------------------------ rendering ------------------------------------

// step-3 page for state mode: compare the state we embedded (now verified
// server-side) with the one sessionStorage kept from step 1, then navigate.
// The comparison gives the browser a consistency check that does not depend
// on cookies.
var stateCompleteTpl = template.Must(template.New("state-complete").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Signing in…</title></head>
<body>
<script>
(function () {
  var expected = {{.State}};
  var stored = null;
  try { stored = sessionStorage.getItem("lti_state"); sessionStorage.removeItem("lti_state"); } catch (e) {}
  if (stored !== null && stored !== expected) {
    document.body.appendChild(document.createTextNode("Launch state mismatch; please start again from your course."));
    return;
  }
  try { window.parent.postMessage({subject: "lti.launch", state: expected}, "*"); } catch (e) {}
  window.location.replace({{.URL}});
})();
</script>
<noscript><a href="{{.URL}}">Continue</a></noscript>
</body></html>`))

func renderStateComplete(w http.ResponseWriter, state, targetURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = stateCompleteTpl.Execute(w, map[string]string{"State": state, "URL": targetURL})
}
