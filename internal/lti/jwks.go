// internal/lti/jwks.go
package lti

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

/*
JWKS endpoint (tool side)

Serves the tool's public signing keys in JWKS (RFC 7517) format at
  https://<tool-host>/.well-known/jwks.json
so platforms can verify the client assertions we sign when requesting
service tokens. Only public material ever leaves this handler.
*/

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// JWKSHandler publishes the public halves of every registration's key pair.
type JWKSHandler struct {
	Keys KeyProvider

	// RegistrationIDs selects which registrations' keys to publish.
	// Empty means the default single-key registration ("").
	RegistrationIDs []string
	// Optional: cache control for responses (default: 10 minutes).
	CacheMaxAge time.Duration
	// Optional: override the clock (useful in tests).
	Now func() time.Time
}

// ServeHTTP implements http.Handler for the JWKS endpoint.
//
// Mount it like:
//
//	r := chi.NewRouter()
//	r.Get("/.well-known/jwks.json", jwksHandler.ServeHTTP)
func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Keys == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	regIDs := h.RegistrationIDs
	if len(regIDs) == 0 {
		regIDs = []string{""}
	}

	// Registrations sharing one keypair (SingleKeyPair) collapse to one entry.
	set := JWKS{Keys: []map[string]any{}}
	seen := map[string]bool{}
	for _, regID := range regIDs {
		key, err := h.Keys.KeyPair(regID)
		if err != nil || key == nil {
			continue
		}
		kid, _ := h.Keys.KeyID(regID)
		if seen[kid] {
			continue
		}
		if jwk := RSAPublicJWK(&key.PublicKey, kid, "RS256"); jwk != nil {
			set.Keys = append(set.Keys, jwk)
			seen[kid] = true
		}
	}

	// Marshal once to compute ETag and to write the body.
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	now := h.now()
	maxAge := int(h.cacheAge().Seconds())
	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", now.UTC().Format(http.TimeFormat))

	// Conditional GET
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// HEAD support
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	// weak ETag is fine here
	return `W/"` + b64url(sum[:]) + `"`
}

// RSAPublicJWK builds a minimal RSA JWK map (n,e) for the given key.
// Only PUBLIC parameters per RFC 7517, with typical signing metadata.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.N == nil || pub.E == 0 {
		return nil
	}
	return map[string]any{
		"kty":     "RSA",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       bigIntToB64(pub.N),
		"e":       intToB64(pub.E),
	}
}

func bigIntToB64(n *big.Int) string {
	if n == nil {
		return ""
	}
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).FillBytes(make([]byte, intByteLen(e))))
}

func intByteLen(v int) int {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	default:
		return 4
	}
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
