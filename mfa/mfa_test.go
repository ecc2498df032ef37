package mfa

import (
	"strings"
	"testing"
	"time"
)

// RFC 6238 appendix B SHA1 seed, base32 encoded
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestCurrentCode_RFC6238Vectors(t *testing.T) {
	v := NewVerifier("")
	tests := []struct {
		unix int64
		want string
	}{
		{unix: 59, want: "287082"},
		{unix: 1111111109, want: "081804"},
		{unix: 1111111111, want: "050471"},
		{unix: 1234567890, want: "005924"},
		{unix: 2000000000, want: "279037"},
	}
	for _, tt := range tests {
		got, err := v.CurrentCode(rfcSecret, time.Unix(tt.unix, 0))
		if err != nil {
			t.Fatalf("CurrentCode(%d) error = %v", tt.unix, err)
		}
		if got != tt.want {
			t.Errorf("CurrentCode(%d) = %s, want %s", tt.unix, got, tt.want)
		}
	}
}

func TestVerify_Window(t *testing.T) {
	v := NewVerifier("")

	// Start, middle and end of a step
	for _, base := range []int64{1700000010, 1700000025, 1700000039} {
		now := time.Unix(base, 0)
		code, err := v.CurrentCode(rfcSecret, now)
		if err != nil {
			t.Fatalf("CurrentCode() error = %v", err)
		}

		for _, offset := range []time.Duration{0, 29 * time.Second, -29 * time.Second} {
			if !v.Verify(rfcSecret, code, now.Add(offset)) {
				t.Errorf("base %d: code rejected at offset %v", base, offset)
			}
		}
		for _, offset := range []time.Duration{61 * time.Second, -61 * time.Second} {
			if v.Verify(rfcSecret, code, now.Add(offset)) {
				t.Errorf("base %d: code accepted at offset %v", base, offset)
			}
		}
	}
}

func TestVerify_RejectsMalformed(t *testing.T) {
	v := NewVerifier("")
	now := time.Unix(1700000000, 0)
	for _, code := range []string{"", "12345", "1234567", "abcdef"} {
		if v.Verify(rfcSecret, code, now) {
			t.Errorf("Verify(%q) = true", code)
		}
		if _, ok := v.MatchStep(rfcSecret, code, now); ok {
			t.Errorf("MatchStep(%q) matched", code)
		}
	}
}

func TestMatchStep(t *testing.T) {
	v := NewVerifier("")
	now := time.Unix(1700000015, 0)
	current := now.Unix() / Period

	for _, d := range []int64{-1, 0, 1} {
		code, err := v.CurrentCode(rfcSecret, now.Add(time.Duration(d*Period)*time.Second))
		if err != nil {
			t.Fatalf("CurrentCode() error = %v", err)
		}
		step, ok := v.MatchStep(rfcSecret, code, now)
		if !ok {
			t.Fatalf("offset %d: no match", d)
		}
		if step != current+d {
			t.Errorf("offset %d: step = %d, want %d", d, step, current+d)
		}
	}

	code, err := v.CurrentCode(rfcSecret, now.Add(2*Period*time.Second))
	if err != nil {
		t.Fatalf("CurrentCode() error = %v", err)
	}
	if _, ok := v.MatchStep(rfcSecret, code, now); ok {
		t.Error("code two steps ahead matched")
	}
}

func TestGenerateSecret(t *testing.T) {
	v := NewVerifier("Example IdP")
	e, err := v.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}

	// 160 bits is 32 base32 characters
	if len(e.Secret) != 32 {
		t.Errorf("secret length = %d, want 32", len(e.Secret))
	}
	if !strings.HasPrefix(e.URL, "otpauth://totp/") {
		t.Errorf("URL = %q", e.URL)
	}
	if !strings.Contains(e.URL, "secret="+e.Secret) {
		t.Error("URL does not carry the secret")
	}

	now := time.Now()
	code, err := v.CurrentCode(e.Secret, now)
	if err != nil {
		t.Fatalf("CurrentCode() error = %v", err)
	}
	if !v.Verify(e.Secret, code, now) {
		t.Error("generated secret does not verify its own code")
	}

	other, err := v.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if other.Secret == e.Secret {
		t.Error("two secrets are identical")
	}
}

func TestQRCode(t *testing.T) {
	v := NewVerifier("")
	e, err := v.GenerateSecret("bob")
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}

	img, err := QRCode(e.URL, 200)
	if err != nil {
		t.Fatalf("QRCode() error = %v", err)
	}
	if len(img) < 8 || string(img[1:4]) != "PNG" {
		t.Error("QRCode() did not return a PNG")
	}

	if _, err := QRCode("://bad", 200); err == nil {
		t.Error("QRCode() accepted an invalid URL")
	}
}

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error = %v", err)
	}
	if len(codes) != BackupCodeCount {
		t.Fatalf("got %d codes, want %d", len(codes), BackupCodeCount)
	}

	seen := map[string]bool{}
	for _, c := range codes {
		if len(c) != BackupCodeLength {
			t.Errorf("code %q has length %d", c, len(c))
		}
		for _, r := range c {
			if r < '0' || r > '9' {
				t.Errorf("code %q is not decimal", c)
			}
		}
		if seen[c] {
			t.Errorf("duplicate code %q", c)
		}
		seen[c] = true
	}
}

func TestVerifyBackupCode_EachUsableOnce(t *testing.T) {
	codes, err := GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error = %v", err)
	}

	remaining := codes
	for i, c := range codes {
		var ok bool
		ok, remaining = VerifyBackupCode(remaining, c)
		if !ok {
			t.Fatalf("code %d rejected on first use", i)
		}
		if len(remaining) != BackupCodeCount-i-1 {
			t.Fatalf("remaining = %d after %d uses", len(remaining), i+1)
		}
	}

	// An 11th attempt with a previously valid code fails
	if ok, _ := VerifyBackupCode(remaining, codes[0]); ok {
		t.Error("consumed code accepted")
	}
}

func TestVerifyBackupCode_ExactMatch(t *testing.T) {
	codes := []string{"12345678", "87654321"}
	for _, submitted := range []string{"1234567", "123456789", " 12345678", ""} {
		if ok, rest := VerifyBackupCode(codes, submitted); ok || len(rest) != 2 {
			t.Errorf("VerifyBackupCode(%q) = %v, %v", submitted, ok, rest)
		}
	}
}

func TestHashBackupCode(t *testing.T) {
	h := HashBackupCode("12345678")
	if len(h) != 64 {
		t.Errorf("hash length = %d, want 64", len(h))
	}
	if h == HashBackupCode("12345679") {
		t.Error("different codes hash equal")
	}
	if got := HashBackupCodes([]string{"12345678"}); got[0] != h {
		t.Error("HashBackupCodes disagrees with HashBackupCode")
	}
}
