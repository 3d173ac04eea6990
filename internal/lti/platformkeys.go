// internal/lti/platformkeys.go
package lti

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

/*
Platform signing keys.

Each platform publishes its id_token verification keys at a JWKS URI. We
fetch them through a jwk.Cache so repeated launches do not hammer the
platform: the cache honors HTTP cache headers and refreshes each set at
most once per MinRefresh. Platforms rotate keys (Canvas roughly monthly),
so a bounded refresh interval replaces the fetch-once-keep-forever decoder
the old implementation had.
*/

// PlatformKeys fetches and caches platform JWK sets by URI.
type PlatformKeys struct {
	cache      *jwk.Cache
	minRefresh time.Duration
	httpClient *http.Client

	mu         sync.Mutex
	registered map[string]struct{}
}

// PlatformKeysOption configures NewPlatformKeys.
type PlatformKeysOption func(*platformKeysConfig)

type platformKeysConfig struct {
	minRefresh time.Duration
	httpClient *http.Client
}

// WithMinRefresh bounds how often a key set may be re-fetched.
func WithMinRefresh(d time.Duration) PlatformKeysOption {
	return func(c *platformKeysConfig) { c.minRefresh = d }
}

// WithHTTPClient sets the client used for JWKS fetches; give it a timeout.
func WithHTTPClient(cl *http.Client) PlatformKeysOption {
	return func(c *platformKeysConfig) { c.httpClient = cl }
}

// NewPlatformKeys creates the shared key cache. ctx controls the cache's
// background refresh goroutine; cancel it on shutdown.
func NewPlatformKeys(ctx context.Context, opts ...PlatformKeysOption) *PlatformKeys {
	cfg := platformKeysConfig{
		minRefresh: 15 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &PlatformKeys{
		cache:      jwk.NewCache(ctx, jwk.WithRefreshWindow(cfg.minRefresh)),
		minRefresh: cfg.minRefresh,
		registered: make(map[string]struct{}),
		httpClient: cfg.httpClient,
	}
}

// Keyfunc returns a jwt.Keyfunc that resolves the token's kid against the
// key set published at jwksURI.
func (p *PlatformKeys) Keyfunc(ctx context.Context, jwksURI string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Header["alg"])
		}
		set, err := p.lookup(ctx, jwksURI)
		if err != nil {
			return nil, err
		}
		kid, _ := token.Header["kid"].(string)
		key, ok := set.LookupKeyID(kid)
		if !ok {
			// Platforms are not required to set kid when the set holds a
			// single key.
			if kid == "" && set.Len() == 1 {
				key, _ = set.Key(0)
			} else {
				return nil, fmt.Errorf("no key %q in %s", kid, jwksURI)
			}
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("unusable key %q: %w", kid, err)
		}
		return raw, nil
	}
}

func (p *PlatformKeys) lookup(ctx context.Context, jwksURI string) (jwk.Set, error) {
	if err := p.register(jwksURI); err != nil {
		return nil, err
	}
	set, err := p.cache.Get(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", jwksURI, err)
	}
	return set, nil
}

func (p *PlatformKeys) register(jwksURI string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.registered[jwksURI]; ok {
		return nil
	}
	if err := p.cache.Register(jwksURI,
		jwk.WithMinRefreshInterval(p.minRefresh),
		jwk.WithHTTPClient(p.httpClient),
	); err != nil {
		return fmt.Errorf("register jwks %s: %w", jwksURI, err)
	}
	p.registered[jwksURI] = struct{}{}
	return nil
}
