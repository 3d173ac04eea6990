// internal/lti/claims.go
package lti

import (
	"strings"
)

// IMS claim URIs carried in LTI 1.3 id_tokens.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimLIS                = "https://purl.imsglobal.org/spec/lti/claim/lis"
	ClaimPlatformInstance   = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimLTI1p1             = "https://purl.imsglobal.org/spec/lti/claim/lti1p1"

	// Service claims
	ClaimAGSEndpoint = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS        = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	// Deep linking
	ClaimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimContentItems        = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
)

// IMS role URIs (institution scope).
const (
	RoleAdministrator = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"
	RoleInstructor    = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Instructor"
	RoleLearner       = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Learner"
)

// Message types.
const (
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"
)

// Service scopes.
const (
	ScopeNRPSMembership = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
	ScopeAGSLineItem    = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeAGSScore       = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeAGSResult      = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// ValidatedIdentity is the authenticated result of a launch. In production
// it is only constructed by Validator.Validate after every gate has passed;
// treat it as immutable.
type ValidatedIdentity struct {
	subject        string
	issuer         string
	audience       []string
	registrationID string
	claims         map[string]any
}

// NewValidatedIdentity builds an identity from already-verified claims.
// Consumers of validated launches use this in tests; the launch flow itself
// goes through Validator.Validate.
func NewValidatedIdentity(subject, issuer string, audience []string, registrationID string, claims map[string]any) *ValidatedIdentity {
	return &ValidatedIdentity{
		subject:        subject,
		issuer:         issuer,
		audience:       append([]string(nil), audience...),
		registrationID: registrationID,
		claims:         claims,
	}
}

// Subject returns the platform's stable identifier for the user.
func (id *ValidatedIdentity) Subject() string { return id.subject }

// Issuer returns the platform issuer URL the id_token was validated against.
func (id *ValidatedIdentity) Issuer() string { return id.issuer }

// Audience returns the aud values from the id_token.
func (id *ValidatedIdentity) Audience() []string {
	out := make([]string, len(id.audience))
	copy(out, id.audience)
	return out
}

// RegistrationID returns the client registration the launch arrived through.
func (id *ValidatedIdentity) RegistrationID() string { return id.registrationID }

// Claim returns a raw claim value by name.
func (id *ValidatedIdentity) Claim(name string) (any, bool) {
	v, ok := id.claims[name]
	return v, ok
}

// StringClaim returns a claim as a string, or "" when absent or not a string.
func (id *ValidatedIdentity) StringClaim(name string) string {
	s, _ := id.claims[name].(string)
	return s
}

// TargetLinkURI returns the platform-signed target link claim. Per the LTI
// spec this is the only target URL the tool may trust, never the value the
// untrusted initiation request carried.
func (id *ValidatedIdentity) TargetLinkURI() string { return id.StringClaim(ClaimTargetLinkURI) }

// MessageType returns the LTI message type claim.
func (id *ValidatedIdentity) MessageType() string { return id.StringClaim(ClaimMessageType) }

// DeploymentID returns the LTI deployment id claim.
func (id *ValidatedIdentity) DeploymentID() string { return id.StringClaim(ClaimDeploymentID) }

// Name returns the user's full name when the platform shared it.
func (id *ValidatedIdentity) Name() string { return id.StringClaim("name") }

// Email returns the user's email when the platform shared it.
func (id *ValidatedIdentity) Email() string { return id.StringClaim("email") }

// Roles returns the IMS role URIs from the launch.
func (id *ValidatedIdentity) Roles() []string {
	raw, ok := id.claims[ClaimRoles].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// HasRole reports whether the launch carries the given role URI.
func (id *ValidatedIdentity) HasRole(role string) bool {
	for _, r := range id.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// Context returns the course/context claim as a map (id, label, title).
func (id *ValidatedIdentity) Context() map[string]any {
	m, _ := id.claims[ClaimContext].(map[string]any)
	return m
}

// Custom returns the custom-parameters claim as a map.
func (id *ValidatedIdentity) Custom() map[string]any {
	m, _ := id.claims[ClaimCustom].(map[string]any)
	return m
}

// Claims returns a copy of the full claim bag.
func (id *ValidatedIdentity) Claims() map[string]any {
	out := make(map[string]any, len(id.claims))
	for k, v := range id.claims {
		out[k] = v
	}
	return out
}
