package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Ciphertext wire form: "v1:<keyID>:<base64(nonce || sealed)>". The key
// id names which provider key sealed the message.
const cipherVersion = "v1"

// Encrypt seals plaintext under the provider's current key with
// XChaCha20-Poly1305 and a random nonce.
func (m *Manager) Encrypt(plaintext []byte) (string, error) {
	if m.keys == nil {
		return "", errNoKeyProvider
	}

	id, key, err := m.keys.Current()
	if err != nil {
		return "", fmt.Errorf("security:crypt - current key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("security:crypt - init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("security:crypt - generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return cipherVersion + ":" + id + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt, resolving the key by
// the id stamped into the wire form. Tampered or foreign ciphertext
// fails authentication and returns an error.
func (m *Manager) Decrypt(ciphertext string) ([]byte, error) {
	if m.keys == nil {
		return nil, errNoKeyProvider
	}

	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 || parts[0] != cipherVersion {
		return nil, fmt.Errorf("security:crypt - unrecognized ciphertext form")
	}

	key, err := m.keys.ByID(parts[1])
	if err != nil {
		return nil, fmt.Errorf("security:crypt - resolve key: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("security:crypt - decode ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("security:crypt - init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("security:crypt - ciphertext shorter than nonce")
	}

	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("security:crypt - open ciphertext: %w", err)
	}
	return plaintext, nil
}
