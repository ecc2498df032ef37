package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix marks values produced by Seal so plaintext written while
// encryption was disabled is still readable after a key is configured.
const sealedPrefix = "gcm1:"

// ErrDecryptionFailed is returned when a sealed value cannot be opened,
// e.g. because it was bound to a different associated context.
var ErrDecryptionFailed = errors.New("failed to decrypt value")

// Encryptor protects secrets at rest (TOTP seeds) with AES-256-GCM.
// A nil or disabled Encryptor passes values through unchanged.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new encryptor.
// If key is empty, encryption is disabled. Otherwise key must be 32 bytes.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// Seal encrypts plaintext bound to associatedData, typically "tenant/user".
// The same associatedData must be passed to Open.
func (e *Encryptor) Seal(plaintext, associatedData string) (string, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// layout: [nonce][ciphertext+tag]
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associatedData))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (e *Encryptor) Open(value, associatedData string) (string, error) {
	encoded, sealed := strings.CutPrefix(value, sealedPrefix)
	if !sealed {
		return value, nil
	}
	if !e.IsEnabled() {
		return "", fmt.Errorf("%w: encryption key not configured", ErrDecryptionFailed)
	}

	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(associatedData))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
