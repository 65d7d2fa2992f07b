package crypto

import (
	"encoding/base64"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	keys := map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	}
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.EncryptString("sk-provider-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	out, err := m.DecryptString(raw)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != "sk-provider-secret" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestRotationDecryptOldEncryptNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.EncryptString("legacy-key")
	if err != nil {
		t.Fatalf("old encrypt: %v", err)
	}

	rotatedManager, err := NewManager("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotatedManager.DecryptString(oldCipher)
	if err != nil {
		t.Fatalf("decrypt with old key failed: %v", err)
	}
	if plain != "legacy-key" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	rewrapped, err := rotatedManager.ReEncrypt(oldCipher)
	if err != nil {
		t.Fatalf("re-encrypt failed: %v", err)
	}
	fresh, err := rotatedManager.DecryptString(rewrapped)
	if err != nil {
		t.Fatalf("decrypt rewrapped failed: %v", err)
	}
	if fresh != "legacy-key" {
		t.Fatalf("rotation changed the plaintext: %q", fresh)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
