package refresh

import (
	"crypto/rand"
	"crypto/rsa"
)

// keyBits is the RSA modulus size used for the client identity keypair.
const keyBits = 2048

// KeyProvider generates one RSA keypair for the lifetime of a Connector and
// hands out references to it thereafter. Generation is expensive (tens of
// milliseconds), so it happens exactly once, synchronously, during
// Connector construction rather than lazily on the first refresh.
type KeyProvider struct {
	key *rsa.PrivateKey
}

// NewKeyProvider generates the keypair immediately and returns a
// KeyProvider wrapping it, or an error if generation fails. Generation
// failures here are effectively unrecoverable (entropy source is broken),
// so callers should treat a non-nil error as fatal to constructing a
// Connector.
func NewKeyProvider() (*KeyProvider, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, err
	}
	return &KeyProvider{key: key}, nil
}

// NewKeyProviderFromKey wraps a caller-supplied RSA key instead of
// generating one. Useful for tests that want deterministic keys, or for a
// future WithRSAKey-style Option.
func NewKeyProviderFromKey(key *rsa.PrivateKey) *KeyProvider {
	return &KeyProvider{key: key}
}

// Key returns the keypair generated at construction time. It never
// regenerates; every call returns the same *rsa.PrivateKey.
func (p *KeyProvider) Key() *rsa.PrivateKey {
	return p.key
}
