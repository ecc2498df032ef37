package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a token response is produced for any grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventClientTokensRevoked is logged when all tokens of a client are revoked
	EventClientTokensRevoked = "client_tokens_revoked" //nolint:gosec // event name, not a credential

	// EventRefreshTokenReplay is logged when a revoked or rotated refresh token is presented
	EventRefreshTokenReplay = "refresh_token_replay"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when an authorization request is rejected
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReplay is logged when an already redeemed code is presented
	EventAuthorizationCodeReplay = "authorization_code_replay"

	// Authentication events

	// EventClientAuthFailure is logged when client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// EventUserAuthFailure is logged when a user's password check fails
	EventUserAuthFailure = "user_auth_failure"

	// EventClientSecretRotated is logged when a client secret is replaced
	EventClientSecretRotated = "client_secret_rotated" //nolint:gosec // event name, not a credential

	// Multi-factor events

	// EventMFAChallengeIssued is logged when a password grant requires a second factor
	EventMFAChallengeIssued = "mfa_challenge_issued"

	// EventMFAVerified is logged when a second factor is accepted
	EventMFAVerified = "mfa_verified"

	// EventMFAFailure is logged when a second factor is rejected
	EventMFAFailure = "mfa_failure"

	// EventMFAEnrolled is logged when a user confirms a TOTP enrollment
	EventMFAEnrolled = "mfa_enrolled"

	// EventMFADisabled is logged when a user's enrollment is removed
	EventMFADisabled = "mfa_disabled"

	// EventBackupCodesRegenerated is logged when a user's backup codes are replaced
	EventBackupCodesRegenerated = "backup_codes_regenerated"

	// EventTrustedDeviceUsed is logged when a remembered device skips the second factor
	EventTrustedDeviceUsed = "trusted_device_used"

	// Security violation events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidPKCE is logged when PKCE validation fails
	EventInvalidPKCE = "invalid_pkce"
)
