// Package security issues and verifies agent identity tokens and seals
// payload bodies with an authenticated cipher. Key material is injected;
// the package never generates it.
package security

import "errors"

// Manager holds the signing secret for identity tokens and the key
// provider for payload encryption. Either capability may be absent:
// a Manager built without a key provider still issues tokens, and vice
// versa.
type Manager struct {
	signingSecret []byte
	keys          KeyProvider
}

// NewManagerParams holds parameters for NewManager.
type NewManagerParams struct {
	SigningSecret []byte
	Keys          KeyProvider
}

// NewManager creates a new Manager instance.
func NewManager(params NewManagerParams) *Manager {
	return &Manager{
		signingSecret: params.SigningSecret,
		keys:          params.Keys,
	}
}

var (
	errNoSigningSecret = errors.New("security:security - no signing secret configured")
	errNoKeyProvider   = errors.New("security:security - no key provider configured")
)
