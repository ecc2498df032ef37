package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantEnabled bool
		wantErr     bool
	}{
		{name: "nil key disables", key: nil},
		{name: "32 byte key", key: make([]byte, 32), wantEnabled: true},
		{name: "short key", key: make([]byte, 16), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	const secret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	sealed, err := enc.Seal(secret, "t1/alice")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, secret) {
		t.Fatalf("Seal() = %q does not look sealed", sealed)
	}

	again, _ := enc.Seal(secret, "t1/alice")
	if again == sealed {
		t.Error("two seals of the same value must differ")
	}

	opened, err := enc.Open(sealed, "t1/alice")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != secret {
		t.Errorf("Open() = %q, want %q", opened, secret)
	}

	if _, err := enc.Open(sealed, "t1/bob"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() with other owner error = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, _ := NewEncryptor(nil)

	sealed, err := enc.Seal("plain", "ctx")
	if err != nil || sealed != "plain" {
		t.Errorf("Seal() = %q, %v; want passthrough", sealed, err)
	}

	// values sealed by an enabled encryptor cannot be read without the key
	key, _ := GenerateKey()
	enabled, _ := NewEncryptor(key)
	v, _ := enabled.Seal("secret", "ctx")
	if _, err := enc.Open(v, "ctx"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() error = %v, want ErrDecryptionFailed", err)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil encryptor reports enabled")
	}
}

func TestEncryptor_OpenLegacyPlaintext(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	got, err := enc.Open("JBSWY3DPEHPK3PXP", "ctx")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "JBSWY3DPEHPK3PXP" {
		t.Errorf("Open() = %q, want plaintext passthrough", got)
	}
}

func TestKeyFromBase64(t *testing.T) {
	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := KeyFromBase64("c2hvcnQ="); err == nil {
		t.Error("expected length error")
	}
	key, err := KeyFromBase64(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}
