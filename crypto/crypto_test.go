package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) string {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return base64.StdEncoding.EncodeToString(k)
}

func TestNewKeyring(t *testing.T) {
	tests := []struct {
		name    string
		active  string
		retired []string
		errMsg  string
	}{
		{"valid", testKey(1), nil, ""},
		{"valid with retired", testKey(1), []string{testKey(2)}, ""},
		{"empty", "", nil, "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", nil, "base64 decode failed"},
		{"short", base64.StdEncoding.EncodeToString(make([]byte, 16)), nil, "must be 32 bytes"},
		{"bad retired", testKey(1), []string{"nope"}, "retired key 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kr, err := NewKeyring(tt.active, tt.retired...)
			if tt.errMsg == "" {
				if err != nil || kr == nil {
					t.Fatalf("NewKeyring() = %v, %v", kr, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("NewKeyring() error = %v, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	kr, err := NewKeyring(testKey(7))
	if err != nil {
		t.Fatal(err)
	}
	for _, plain := range []string{"", "a", "oauth-access-token-0123456789", strings.Repeat("x", 4096), "ünïcødé"} {
		sealed, err := kr.Seal(plain)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plain, err)
		}
		if plain != "" && (sealed == plain || !strings.HasPrefix(sealed, kr.ActiveID()+":")) {
			t.Errorf("Seal(%q) = %q, want key-prefixed ciphertext", plain, sealed)
		}
		got, err := kr.Open(sealed)
		if err != nil || got != plain {
			t.Errorf("Open(Seal(%q)) = %q, %v", plain, got, err)
		}
	}

	a, _ := kr.Seal("same")
	b, _ := kr.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext should differ (random nonce)")
	}
}

func TestOpenRejects(t *testing.T) {
	kr, _ := NewKeyring(testKey(1))
	other, _ := NewKeyring(testKey(2))
	sealed, _ := kr.Seal("secret")
	id, body, _ := strings.Cut(sealed, ":")
	raw, _ := base64.StdEncoding.DecodeString(body)
	raw[len(raw)-1] ^= 0xff
	tampered := id + ":" + base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name   string
		ring   *Keyring
		sealed string
	}{
		{"no key id", kr, "bm90aGluZw=="},
		{"unknown key", other, sealed},
		{"bad base64", kr, id + ":!!"},
		{"too short", kr, id + ":" + base64.StdEncoding.EncodeToString([]byte("ab"))},
		{"tampered", kr, tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.ring.Open(tt.sealed); err == nil {
				t.Error("Open() should fail")
			}
		})
	}
	if _, err := other.Open(sealed); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Open() with foreign key err = %v, want ErrUnknownKey", err)
	}
}

func TestRotation(t *testing.T) {
	old, _ := NewKeyring(testKey(1))
	sealed, _ := old.Seal("refresh-token")

	rotated, err := NewKeyring(testKey(2), testKey(1))
	if err != nil {
		t.Fatal(err)
	}
	if !rotated.NeedsReseal(sealed) {
		t.Error("value sealed under the retired key should need resealing")
	}
	got, err := rotated.Open(sealed)
	if err != nil || got != "refresh-token" {
		t.Fatalf("Open() after rotation = %q, %v", got, err)
	}
	fresh, _ := rotated.Seal(got)
	if rotated.NeedsReseal(fresh) {
		t.Error("freshly sealed value should not need resealing")
	}
}

func TestKeyringFromEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("ENCRYPTION_KEY_PREVIOUS", "")
	if kr, err := KeyringFromEnv(); kr != nil || err != nil {
		t.Errorf("KeyringFromEnv() unset = %v, %v; want nil, nil", kr, err)
	}

	t.Setenv("ENCRYPTION_KEY", testKey(3))
	t.Setenv("ENCRYPTION_KEY_PREVIOUS", testKey(4))
	kr, err := KeyringFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	prev, _ := NewKeyring(testKey(4))
	sealed, _ := prev.Seal("x")
	if got, err := kr.Open(sealed); err != nil || got != "x" {
		t.Errorf("previous key not accepted: %q, %v", got, err)
	}

	t.Setenv("ENCRYPTION_KEY", "short")
	if _, err := KeyringFromEnv(); err == nil {
		t.Error("expected error for invalid ENCRYPTION_KEY")
	}
}
