// internal/lti/keys.go
package lti

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

/*
Key material for the tool.

The tool signs two things with its RSA private key: service-token client
assertions (token.go) and nothing else. The matching public key is published
at /.well-known/jwks.json (jwks.go) so platforms can verify the assertions.

KeyProvider is keyed by registration id so a deployment can hold a distinct
keypair per platform; SingleKeyPair answers every registration with the same
pair, which is how most single-platform deployments run.
*/

// ErrNoKeyPair is returned when a registration has no key material.
var ErrNoKeyPair = errors.New("lti: no keypair for registration")

// KeyProvider supplies the tool's signing keypair and key id per
// registration.
type KeyProvider interface {
	KeyPair(registrationID string) (*rsa.PrivateKey, error)
	KeyID(registrationID string) (string, error)
}

// SingleKeyPair serves one keypair for every registration.
type SingleKeyPair struct {
	key *rsa.PrivateKey
	kid string
}

func NewSingleKeyPair(key *rsa.PrivateKey, kid string) (*SingleKeyPair, error) {
	if key == nil {
		return nil, errors.New("lti: nil private key")
	}
	if strings.TrimSpace(kid) == "" {
		kid = keyIDFor(&key.PublicKey)
	}
	return &SingleKeyPair{key: key, kid: kid}, nil
}

func (s *SingleKeyPair) KeyPair(string) (*rsa.PrivateKey, error) { return s.key, nil }
func (s *SingleKeyPair) KeyID(string) (string, error)            { return s.kid, nil }

// LoadPrivateKeyPEM reads an RSA private key from a PEM file. Both PKCS#1
// and PKCS#8 encodings are accepted.
func LoadPrivateKeyPEM(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is %T, want RSA", path, parsed)
	}
	return rsaKey, nil
}

// GenerateDevKeyPair creates an ephemeral RSA-2048 keypair. Assertions
// signed with it stop verifying on restart, so it is only for dev setups
// without a configured key file.
func GenerateDevKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// keyIDFor derives a stable kid from the public key material.
func keyIDFor(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	h.Write([]byte{byte(pub.E >> 24), byte(pub.E >> 16), byte(pub.E >> 8), byte(pub.E)})
	sum := h.Sum(nil)
	return "rsa-" + hex.EncodeToString(sum[:8])
}
