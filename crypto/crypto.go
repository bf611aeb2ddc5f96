// Package crypto seals credential fields at rest with AES-256-GCM. Keys live
// in a Keyring; every sealed value carries the id of the key that produced it,
// so the active key can be rotated while values sealed under a retired key
// stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnknownKey is returned by Open when the value names a key the ring does
// not hold.
var ErrUnknownKey = errors.New("crypto: sealed with an unknown key")

// Keyring holds the active sealing key plus any retired keys still accepted
// for opening.
type Keyring struct {
	active string
	keys   map[string]cipher.AEAD
}

// KeyringFromEnv builds a ring from ENCRYPTION_KEY (active) and the optional
// ENCRYPTION_KEY_PREVIOUS (open only). It returns nil, nil when no key is set.
func KeyringFromEnv() (*Keyring, error) {
	active := strings.TrimSpace(os.Getenv("ENCRYPTION_KEY"))
	if active == "" {
		return nil, nil
	}
	var retired []string
	if prev := strings.TrimSpace(os.Getenv("ENCRYPTION_KEY_PREVIOUS")); prev != "" {
		retired = append(retired, prev)
	}
	return NewKeyring(active, retired...)
}

// NewKeyring parses base64 encoded 32 byte keys. Generate one with
// `openssl rand -base64 32`.
func NewKeyring(active string, retired ...string) (*Keyring, error) {
	kr := &Keyring{keys: make(map[string]cipher.AEAD, 1+len(retired))}
	id, err := kr.add(active)
	if err != nil {
		return nil, fmt.Errorf("active key: %w", err)
	}
	kr.active = id
	for i, k := range retired {
		if _, err := kr.add(k); err != nil {
			return nil, fmt.Errorf("retired key %d: %w", i+1, err)
		}
	}
	return kr, nil
}

func (kr *Keyring) add(b64 string) (string, error) {
	if b64 == "" {
		return "", errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return "", fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	id := KeyID(key)
	kr.keys[id] = gcm
	return id, nil
}

// KeyID is the short public fingerprint of a raw key.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// ActiveID returns the id new values are sealed under.
func (kr *Keyring) ActiveID() string { return kr.active }

// Seal encrypts plaintext under the active key and returns
// "<key id>:<base64(nonce || ciphertext || tag)>". An empty plaintext seals to "".
func (kr *Keyring) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm := kr.keys[kr.active]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return kr.active + ":" + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal with whichever key the value names.
func (kr *Keyring) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	id, body, ok := strings.Cut(sealed, ":")
	if !ok {
		return "", errors.New("crypto: sealed value has no key id")
	}
	gcm, ok := kr.keys[id]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, id)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", gcm.NonceSize(), len(raw))
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		// GCM errors say nothing useful and nothing safe.
		return "", errors.New("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

// NeedsReseal reports whether sealed was produced by a retired key.
func (kr *Keyring) NeedsReseal(sealed string) bool {
	id, _, ok := strings.Cut(sealed, ":")
	return ok && id != kr.active
}
