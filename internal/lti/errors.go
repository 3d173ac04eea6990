// internal/lti/errors.go
package lti

import "fmt"

// Error codes raised by the launch flow and the service-token exchange.
// The launch codes deliberately collapse replay, unknown and expired state
// into a single code so a caller probing the endpoint cannot tell which
// case it hit.
const (
	ErrProtocolError      = "protocol_error"
	ErrInvalidState       = "invalid_state"
	ErrMissingVerifier    = "missing_signature_verifier"
	ErrSignatureInvalid   = "signature_invalid"
	ErrClaimsInvalid      = "claims_invalid"
	ErrMissingKeyPair     = "missing_keypair"
	ErrSigningFailed      = "signing_error"
	ErrTokenEndpointError = "token_endpoint_error"
)

// AuthError is an authentication failure with a wire-level error code.
// Description carries the platform-supplied detail when there is one.
type AuthError struct {
	Code        string
	Description string
	Err         error
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return e.Code + " : " + e.Description
	}
	return e.Code
}

func (e *AuthError) Unwrap() error { return e.Err }

func authErrorf(code, format string, args ...any) *AuthError {
	return &AuthError{Code: code, Description: fmt.Sprintf(format, args...)}
}

func wrapAuthError(code string, err error) *AuthError {
	return &AuthError{Code: code, Description: err.Error(), Err: err}
}
