// internal/lti/registration.go
package lti

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrRegistrationNotFound is returned by registries for unknown ids.
var ErrRegistrationNotFound = errors.New("lti: client registration not found")

// ClientRegistration describes one platform this tool is registered with.
// The tool plays the OAuth client role: ClientID is the id the platform
// issued to us, the URLs are the platform's endpoints.
type ClientRegistration struct {
	RegistrationID   string
	ClientID         string
	Issuer           string
	AuthorizationURI string
	TokenURI         string
	JWKSURI          string
}

// Validate reports the first missing required field.
func (r ClientRegistration) Validate() error {
	switch {
	case strings.TrimSpace(r.RegistrationID) == "":
		return errors.New("lti: registration id required")
	case strings.TrimSpace(r.ClientID) == "":
		return errors.New("lti: client id required")
	case strings.TrimSpace(r.Issuer) == "":
		return errors.New("lti: issuer required")
	case strings.TrimSpace(r.AuthorizationURI) == "":
		return errors.New("lti: authorization uri required")
	case strings.TrimSpace(r.TokenURI) == "":
		return errors.New("lti: token uri required")
	}
	// JWKSURI may be empty; the validator fails the launch with
	// missing_signature_verifier when it is actually needed.
	return nil
}

// ClientRegistry looks up platform registrations. Implementations must be
// safe for concurrent use.
type ClientRegistry interface {
	GetRegistration(ctx context.Context, registrationID string) (ClientRegistration, error)
}

// StaticRegistry is an in-memory ClientRegistry for config-file setups and
// tests.
type StaticRegistry struct {
	mu   sync.RWMutex
	byID map[string]ClientRegistration
}

func NewStaticRegistry(regs ...ClientRegistration) (*StaticRegistry, error) {
	r := &StaticRegistry{byID: make(map[string]ClientRegistration, len(regs))}
	for _, reg := range regs {
		if err := reg.Validate(); err != nil {
			return nil, err
		}
		r.byID[reg.RegistrationID] = reg
	}
	return r, nil
}

func (r *StaticRegistry) GetRegistration(_ context.Context, registrationID string) (ClientRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[registrationID]
	if !ok {
		return ClientRegistration{}, ErrRegistrationNotFound
	}
	return reg, nil
}

// Put inserts or replaces a registration.
func (r *StaticRegistry) Put(reg ClientRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[reg.RegistrationID] = reg
	return nil
}
