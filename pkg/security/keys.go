package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyProvider supplies symmetric key material for payload encryption.
// Current returns the key new ciphertext is sealed under, together with
// the id stamped into the wire form; ByID recovers the key for
// ciphertext sealed under an earlier key.
type KeyProvider interface {
	Current() (id string, key []byte, err error)
	ByID(id string) ([]byte, error)
}

// StaticKeyProvider serves one fixed key configured as hex. The id is a
// fingerprint of the key; two processes configured with the same hex
// derive the same id.
type StaticKeyProvider struct {
	id  string
	key []byte
}

// NewStaticKeyProvider parses a hex-encoded 32-byte key.
func NewStaticKeyProvider(hexKey string) (*StaticKeyProvider, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("security:keys - decode key hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("security:keys - key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	sum := sha256.Sum256(key)
	return &StaticKeyProvider{
		id:  hex.EncodeToString(sum[:4]),
		key: key,
	}, nil
}

func (p *StaticKeyProvider) Current() (string, []byte, error) {
	return p.id, p.key, nil
}

func (p *StaticKeyProvider) ByID(id string) ([]byte, error) {
	if id != p.id {
		return nil, fmt.Errorf("security:keys - unknown key id %q", id)
	}
	return p.key, nil
}
