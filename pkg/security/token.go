package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

const defaultTokenTTL = time.Hour

// IssueToken returns a signed, time-limited credential embedding the
// agent's identity. A non-positive ttl falls back to one hour.
func (m *Manager) IssueToken(descriptor protocol.AgentDescriptor, ttl time.Duration) (string, error) {
	if len(m.signingSecret) == 0 {
		return "", errNoSigningSecret
	}
	if descriptor.AgentID == "" {
		return "", protocol.NewError(protocol.ErrMissingRequiredField, "agent_id is required").
			WithDetails(map[string]string{"field": "agent_id"})
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  descriptor.AgentID,
		"typ":  descriptor.AgentType,
		"inst": descriptor.InstanceID,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", fmt.Errorf("security:token - sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a credential and returns the identity it
// embeds. Expired tokens fail with TOKEN_EXPIRED; everything else wrong
// with the token (bad signature, wrong algorithm, malformed, missing
// subject) fails with INVALID_TOKEN.
func (m *Manager) VerifyToken(tokenString string) (protocol.AgentDescriptor, error) {
	if len(m.signingSecret) == 0 {
		return protocol.AgentDescriptor{}, errNoSigningSecret
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrTokenExpired, "token expired")
		}
		return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrInvalidToken,
			fmt.Sprintf("token rejected: %v", err))
	}
	if !token.Valid {
		return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrInvalidToken, "token rejected")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrInvalidToken, "token claims unreadable")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrInvalidToken, "token missing subject")
	}
	agentType, _ := claims["typ"].(string)
	instanceID, _ := claims["inst"].(string)

	return protocol.AgentDescriptor{
		AgentID:    sub,
		AgentType:  agentType,
		InstanceID: instanceID,
	}, nil
}
