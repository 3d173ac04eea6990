// internal/lti/statestore.go
package lti

import (
	"errors"
	"strings"
	"sync"
	"time"
)

/*
In-flight login attempts, keyed by the opaque state value.

The state value in the initial request is used to look up the request when
the browser comes back from the platform. Normally that would expose the
login to CSRF, so the store can additionally pin each entry to the remote
IP address that created it.

Entries live for a TTL measured from last access and expire lazily on read;
a second Remove for the same state always reports not-found, which is what
rejects replayed callbacks. Single-process correctness only; distributed
deployments need a shared store behind the same interface.
*/

// ErrStateNotFound covers expired, unknown, consumed and (when IP limiting
// is on) mismatched entries alike.
var ErrStateNotFound = errors.New("lti: authorization request not found")

// AuthorizationRequest is one pending login, created at step 1 of the
// launch and consumed exactly once at step 3.
type AuthorizationRequest struct {
	State          string
	RegistrationID string
	RedirectURI    string
	Scopes         []string
	Nonce          string
	// RemoteAddr is the address that initiated the login; empty when IP
	// binding is off.
	RemoteAddr string
	CreatedAt  time.Time
}

// StateStore holds pending AuthorizationRequests.
type StateStore struct {
	// TTL is the idle lifetime of an entry; 60s when zero.
	TTL time.Duration
	// LimitIPAddress rejects consumption from a different remote address.
	// This may cause problems for users behind proxies or NAT that switch
	// addresses between close-together requests.
	LimitIPAddress bool
	// OnIPMismatch is called with (storedIP, observedIP) whenever the
	// addresses differ, even when LimitIPAddress is false.
	OnIPMismatch func(storedIP, observedIP string)
	// Now overrides the clock in tests.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]*stateEntry

	// opportunistic purge of expired entries, every purgeN writes
	useCount uint64
	purgeN   uint64
}

type stateEntry struct {
	req        AuthorizationRequest
	lastAccess time.Time
}

func NewStateStore() *StateStore {
	return &StateStore{
		entries: make(map[string]*stateEntry, 64),
		purgeN:  1024,
	}
}

// Put stores a pending request under key. State-token mode keys by the
// request's state value; session mode keys by the session cookie value.
func (s *StateStore) Put(key string, req AuthorizationRequest) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("lti: state store key cannot be empty")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		s.entries = make(map[string]*stateEntry, 64)
	}
	if s.purgeN == 0 {
		s.purgeN = 1024
	}
	s.useCount++
	if s.useCount%s.purgeN == 0 {
		s.purgeLocked(now)
	}
	s.entries[key] = &stateEntry{req: req, lastAccess: now}
	return nil
}

// Get returns the live request for key without consuming it. The lookup
// honors TTL and IP rules and refreshes the entry's idle timer.
func (s *StateStore) Get(key, remoteAddr string) (AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key, remoteAddr, false)
}

// Remove consumes the live request for key. At most one of two racing
// callers gets the entry; the loser sees ErrStateNotFound.
func (s *StateStore) Remove(key, remoteAddr string) (AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key, remoteAddr, true)
}

// Len reports the number of entries currently held, expired or not.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *StateStore) lookupLocked(key, remoteAddr string, consume bool) (AuthorizationRequest, error) {
	e, ok := s.entries[key]
	if !ok {
		return AuthorizationRequest{}, ErrStateNotFound
	}
	now := s.now()
	if now.Sub(e.lastAccess) > s.ttl() {
		delete(s.entries, key)
		return AuthorizationRequest{}, ErrStateNotFound
	}
	if stored := e.req.RemoteAddr; stored != "" && stored != remoteAddr {
		// The callback fires even when we are not limiting, so operators
		// can see how often mobile/NAT users would be affected.
		if s.OnIPMismatch != nil {
			s.OnIPMismatch(stored, remoteAddr)
		}
		if s.LimitIPAddress {
			return AuthorizationRequest{}, ErrStateNotFound
		}
	}
	if consume {
		delete(s.entries, key)
	} else {
		e.lastAccess = now
	}
	return e.req, nil
}

func (s *StateStore) purgeLocked(now time.Time) {
	ttl := s.ttl()
	for k, e := range s.entries {
		if now.Sub(e.lastAccess) > ttl {
			delete(s.entries, k)
		}
	}
}

func (s *StateStore) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return time.Minute
}

func (s *StateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
