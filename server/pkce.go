package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// PKCE is the challenge presented at the authorize step
type PKCE struct {
	Challenge string
	Method    string
}

// isUnreservedString reports whether s only holds RFC 3986 unreserved
// characters [A-Za-z0-9-._~] and has a length within the PKCE bounds.
func isUnreservedString(s string) bool {
	if len(s) < MinCodeVerifierLength || len(s) > MaxCodeVerifierLength {
		return false
	}
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}

// ValidateCodeChallenge checks a challenge at the authorize step and returns
// the effective method. An empty method means plain (RFC 7636 section 4.3).
func ValidateCodeChallenge(challenge, method string, allowPlain bool) (string, error) {
	if method == "" {
		method = PKCEMethodPlain
	}

	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !allowPlain {
			return "", ErrInvalidRequest("code_challenge_method 'plain' is not allowed, use S256")
		}
	default:
		return "", ErrInvalidRequest("unsupported code_challenge_method")
	}

	// A S256 challenge is 43 base64url characters, a plain one is a verifier
	if !isUnreservedString(challenge) {
		return "", ErrInvalidRequest("code_challenge must be 43-128 characters of [A-Za-z0-9-._~]")
	}
	return method, nil
}

// ValidatePKCE checks verifier against the challenge stored with a code.
// No stored challenge makes it a no-op. A missing or malformed verifier is
// invalid_request; a verifier that does not match is invalid_grant.
func ValidatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrInvalidRequest("code_verifier is required")
	}
	if !isUnreservedString(verifier) {
		return ErrInvalidRequest("code_verifier must be 43-128 characters of [A-Za-z0-9-._~]")
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return ErrInvalidGrant(nil)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrInvalidGrant(nil)
	}
	return nil
}
