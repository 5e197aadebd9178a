package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"sync"
)

var errNoPEM = errors.New("no PEM block in public key")

// PublisherRegistry is the small trusted-publisher key registry. Keys are
// indexed by the SHA-256 fingerprint of their PKIX DER encoding, so lookup
// is independent of PEM whitespace and header variations.
type PublisherRegistry struct {
	mu         sync.RWMutex
	publishers map[string]string // fingerprint -> publisher name
}

// NewPublisherRegistry creates an empty registry.
func NewPublisherRegistry() *PublisherRegistry {
	return &PublisherRegistry{publishers: make(map[string]string)}
}

// Fingerprint returns the hex SHA-256 of the key's DER bytes, or "" if the
// input is not a PEM public key.
func Fingerprint(publicKeyPEM []byte) string {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return ""
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:])
}

// Add registers a publisher key. Returns an error if the key is not valid PEM.
func (r *PublisherRegistry) Add(name string, publicKeyPEM []byte) error {
	fp := Fingerprint(publicKeyPEM)
	if fp == "" {
		return errNoPEM
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[fp] = name
	return nil
}

// Lookup resolves a key to its trusted publisher, if registered.
func (r *PublisherRegistry) Lookup(publicKeyPEM []byte) (string, bool) {
	fp := Fingerprint(publicKeyPEM)
	if fp == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.publishers[fp]
	return name, ok
}

// Trusted reports whether a publisher name is registered under any key.
func (r *PublisherRegistry) Trusted(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.publishers {
		if n == name {
			return true
		}
	}
	return false
}
