package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/morezero/agent-fabric/pkg/protocol"
)

var testSecret = []byte("unit-test-signing-secret")

func testManager() *Manager {
	return NewManager(NewManagerParams{SigningSecret: testSecret})
}

func plannerDescriptor() protocol.AgentDescriptor {
	return protocol.AgentDescriptor{
		AgentID:    "planner-1",
		AgentType:  "planner",
		InstanceID: "inst-7",
	}
}

func TestIssueToken_VerifyRoundTrip(t *testing.T) {
	m := testManager()

	token, err := m.IssueToken(plannerDescriptor(), time.Hour)
	if err != nil {
		t.Fatalf("security:token_test - IssueToken failed: %v", err)
	}
	if token == "" {
		t.Fatal("security:token_test - empty token")
	}

	identity, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("security:token_test - VerifyToken failed: %v", err)
	}
	if identity.AgentID != "planner-1" {
		t.Errorf("security:token_test - AgentID = %q, want planner-1", identity.AgentID)
	}
	if identity.AgentType != "planner" {
		t.Errorf("security:token_test - AgentType = %q, want planner", identity.AgentType)
	}
	if identity.InstanceID != "inst-7" {
		t.Errorf("security:token_test - InstanceID = %q, want inst-7", identity.InstanceID)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	m := testManager()

	token, err := m.IssueToken(plannerDescriptor(), time.Nanosecond)
	if err != nil {
		t.Fatalf("security:token_test - IssueToken failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	_, err = m.VerifyToken(token)
	if protocol.CodeOf(err) != protocol.ErrTokenExpired {
		t.Errorf("security:token_test - error = %v, want TOKEN_EXPIRED", err)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	m := testManager()
	other := NewManager(NewManagerParams{SigningSecret: []byte("a-different-secret")})

	token, err := m.IssueToken(plannerDescriptor(), time.Hour)
	if err != nil {
		t.Fatalf("security:token_test - IssueToken failed: %v", err)
	}

	_, err = other.VerifyToken(token)
	if protocol.CodeOf(err) != protocol.ErrInvalidToken {
		t.Errorf("security:token_test - error = %v, want INVALID_TOKEN", err)
	}
}

func TestVerifyToken_Tampered(t *testing.T) {
	m := testManager()

	token, err := m.IssueToken(plannerDescriptor(), time.Hour)
	if err != nil {
		t.Fatalf("security:token_test - IssueToken failed: %v", err)
	}

	tampered := token[:len(token)-4] + "AAAA"
	if _, err := m.VerifyToken(tampered); protocol.CodeOf(err) != protocol.ErrInvalidToken {
		t.Errorf("security:token_test - error = %v, want INVALID_TOKEN", err)
	}
}

func TestVerifyToken_Garbage(t *testing.T) {
	m := testManager()

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := m.VerifyToken(token); protocol.CodeOf(err) != protocol.ErrInvalidToken {
			t.Errorf("security:token_test - VerifyToken(%q) = %v, want INVALID_TOKEN", token, err)
		}
	}
}

func TestVerifyToken_RejectsUnsignedAlgorithm(t *testing.T) {
	m := testManager()

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "intruder",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("security:token_test - build unsigned token: %v", err)
	}

	if _, err := m.VerifyToken(token); protocol.CodeOf(err) != protocol.ErrInvalidToken {
		t.Errorf("security:token_test - error = %v, want INVALID_TOKEN", err)
	}
}

func TestVerifyToken_MissingSubject(t *testing.T) {
	m := testManager()

	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"typ": "worker",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := noSub.SignedString(testSecret)
	if err != nil {
		t.Fatalf("security:token_test - build token: %v", err)
	}

	if _, err := m.VerifyToken(token); protocol.CodeOf(err) != protocol.ErrInvalidToken {
		t.Errorf("security:token_test - error = %v, want INVALID_TOKEN", err)
	}
}

func TestIssueToken_RequiresAgentID(t *testing.T) {
	m := testManager()

	_, err := m.IssueToken(protocol.AgentDescriptor{AgentType: "worker"}, time.Hour)
	if protocol.CodeOf(err) != protocol.ErrMissingRequiredField {
		t.Errorf("security:token_test - error = %v, want MISSING_REQUIRED_FIELD", err)
	}
}

func TestTokens_RequireSigningSecret(t *testing.T) {
	m := NewManager(NewManagerParams{})

	if _, err := m.IssueToken(plannerDescriptor(), time.Hour); err == nil {
		t.Error("security:token_test - IssueToken without secret must fail")
	}
	if _, err := m.VerifyToken("whatever"); err == nil {
		t.Error("security:token_test - VerifyToken without secret must fail")
	}
}
