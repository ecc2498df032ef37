package server

import (
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func TestValidateCodeChallenge(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	s256 := oauth2.S256ChallengeFromVerifier(verifier)

	tests := []struct {
		name       string
		challenge  string
		method     string
		allowPlain bool
		wantMethod string
		wantErr    bool
	}{
		{"S256", s256, PKCEMethodS256, false, PKCEMethodS256, false},
		{"plain allowed", verifier, PKCEMethodPlain, true, PKCEMethodPlain, false},
		{"plain rejected", verifier, PKCEMethodPlain, false, "", true},
		{"empty method means plain", verifier, "", true, PKCEMethodPlain, false},
		{"empty method rejected without plain", verifier, "", false, "", true},
		{"unknown method", s256, "S512", true, "", true},
		{"too short", "abc", PKCEMethodS256, false, "", true},
		{"too long", strings.Repeat("a", MaxCodeVerifierLength+1), PKCEMethodS256, false, "", true},
		{"invalid characters", strings.Repeat("a", 42) + "+", PKCEMethodS256, false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, err := ValidateCodeChallenge(tt.challenge, tt.method, tt.allowPlain)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				requireCode(t, err, ErrorCodeInvalidRequest)
				return
			}
			if method != tt.wantMethod {
				t.Errorf("method = %q, want %q", method, tt.wantMethod)
			}
		})
	}
}

func TestValidatePKCE(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	other := oauth2.GenerateVerifier()
	s256 := oauth2.S256ChallengeFromVerifier(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantCode  string
	}{
		{"no challenge is a no-op", "", "", "", ""},
		{"S256 match", s256, PKCEMethodS256, verifier, ""},
		{"S256 mismatch", s256, PKCEMethodS256, other, ErrorCodeInvalidGrant},
		{"plain match", verifier, PKCEMethodPlain, verifier, ""},
		{"plain mismatch", verifier, PKCEMethodPlain, other, ErrorCodeInvalidGrant},
		{"missing verifier", s256, PKCEMethodS256, "", ErrorCodeInvalidRequest},
		{"short verifier", s256, PKCEMethodS256, "short", ErrorCodeInvalidRequest},
		{"verifier with invalid characters", s256, PKCEMethodS256, strings.Repeat("a", 43) + "/", ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("ValidatePKCE() error = %v", err)
				}
				return
			}
			requireCode(t, err, tt.wantCode)
		})
	}
}
