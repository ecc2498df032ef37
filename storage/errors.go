package storage

import "errors"

// Sentinel errors returned by storage backends. Callers compare with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")
	ErrAuthorizationCodeMismatch = errors.New("authorization code client or redirect mismatch")

	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenClientMismatch = errors.New("token issued to a different client")

	ErrMFANotEnrolled       = errors.New("mfa not enrolled")
	ErrBackupCodeNotFound   = errors.New("backup code not found")
	ErrTOTPStepReplayed     = errors.New("totp step already used")
	ErrMFAChallengeNotFound = errors.New("mfa challenge not found")
)
