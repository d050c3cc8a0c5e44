package security

import "testing"

func TestNewStaticKeyProvider(t *testing.T) {
	keys, err := NewStaticKeyProvider(testKeyHex)
	if err != nil {
		t.Fatalf("security:keys_test - NewStaticKeyProvider failed: %v", err)
	}

	id, key, err := keys.Current()
	if err != nil {
		t.Fatalf("security:keys_test - Current failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("security:keys_test - key length = %d, want 32", len(key))
	}
	if len(id) != 8 {
		t.Errorf("security:keys_test - id = %q, want 8 hex chars", id)
	}

	resolved, err := keys.ByID(id)
	if err != nil {
		t.Fatalf("security:keys_test - ByID failed: %v", err)
	}
	if string(resolved) != string(key) {
		t.Error("security:keys_test - ByID returned a different key")
	}
}

func TestNewStaticKeyProvider_IDIsStable(t *testing.T) {
	first, err := NewStaticKeyProvider(testKeyHex)
	if err != nil {
		t.Fatalf("security:keys_test - NewStaticKeyProvider failed: %v", err)
	}
	second, err := NewStaticKeyProvider(testKeyHex)
	if err != nil {
		t.Fatalf("security:keys_test - NewStaticKeyProvider failed: %v", err)
	}

	firstID, _, _ := first.Current()
	secondID, _, _ := second.Current()
	if firstID != secondID {
		t.Errorf("security:keys_test - ids differ for the same key: %q vs %q", firstID, secondID)
	}
}

func TestNewStaticKeyProvider_Rejects(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"empty", ""},
		{"not hex", "zzzz"},
		{"too short", "deadbeef"},
		{"too long", testKeyHex + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStaticKeyProvider(tt.hex); err == nil {
				t.Errorf("security:keys_test - expected error for %s key", tt.name)
			}
		})
	}
}

func TestStaticKeyProvider_UnknownID(t *testing.T) {
	keys, err := NewStaticKeyProvider(testKeyHex)
	if err != nil {
		t.Fatalf("security:keys_test - NewStaticKeyProvider failed: %v", err)
	}

	if _, err := keys.ByID("0bad1dea"); err == nil {
		t.Error("security:keys_test - expected error for unknown key id")
	}
}
