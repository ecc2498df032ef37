package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a client registration
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by tenant and client ID.
	// Returns ErrClientNotFound if no such client exists in the tenant.
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)

	// UpdateClientSecret replaces the stored secret hash of a client.
	UpdateClientSecret(ctx context.Context, tenantID, clientID, secretHash string, rotatedAt time.Time) error
}

// CodeStore defines the interface for authorization code persistence.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically validates and marks a code as used.
	// The code must exist in the tenant, be unused, unexpired at now, and have been
	// issued to clientID for exactly redirectURI. A code that fails the client or
	// redirect check is left unconsumed.
	// Returns ErrAuthorizationCodeNotFound, ErrAuthorizationCodeExpired,
	// ErrAuthorizationCodeUsed or ErrAuthorizationCodeMismatch.
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange attacks.
	ConsumeAuthorizationCode(ctx context.Context, tenantID, code, clientID, redirectURI string, now time.Time) (*AuthorizationCode, error)

	// DeleteExpiredAuthorizationCodes purges codes that expired before now.
	DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error)
}

// TokenStore defines the interface for issued token records.
type TokenStore interface {
	// SaveTokenRecord persists a newly issued token pair
	SaveTokenRecord(ctx context.Context, record *TokenRecord) error

	// GetTokenByAccessID looks up a record by its access token identifier
	GetTokenByAccessID(ctx context.Context, tenantID, accessID string) (*TokenRecord, error)

	// GetTokenByRefreshID looks up a record by its refresh token identifier
	GetTokenByRefreshID(ctx context.Context, tenantID, refreshID string) (*TokenRecord, error)

	// RotateRefreshToken atomically supersedes the record holding req.OldRefreshID with
	// req.Next and inserts req.Revocation into the revocation index. The old record must
	// exist, belong to req.ClientID, be unrevoked and its refresh token unexpired at req.Now.
	// req.Next inherits the old record's Supersede(req.Now) list. Returns the superseded record.
	// SECURITY: This operation MUST be atomic. Exactly one of any number of concurrent
	// rotations of the same refresh token may succeed.
	RotateRefreshToken(ctx context.Context, req RotationRequest) (*TokenRecord, error)

	// TouchRefreshToken replaces the access token of the record holding refreshID without
	// rotating the refresh token. The replaced access token joins SupersededAccess. The
	// same validity checks as RotateRefreshToken apply.
	TouchRefreshToken(ctx context.Context, req TouchRequest) (*TokenRecord, error)

	// RevokeTokenRecord marks the record holding tokenID (access or refresh) as revoked.
	// Returns ErrTokenNotFound if no record holds the identifier.
	RevokeTokenRecord(ctx context.Context, tenantID, tokenID string, now time.Time) (*TokenRecord, error)

	// ListTokensByClient returns every live record issued to a client
	ListTokensByClient(ctx context.Context, tenantID, clientID string) ([]*TokenRecord, error)

	// DeleteExpiredTokens purges unrevoked records past their final expiry and revoked
	// records whose final expiry is older than retention.
	DeleteExpiredTokens(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// RevocationStore is the blacklist of revoked token identifiers.
type RevocationStore interface {
	// AddRevocation inserts a blacklist entry. Inserting an identifier that is
	// already present is a no-op.
	AddRevocation(ctx context.Context, entry *BlacklistEntry) error

	// IsRevoked reports whether a non-expired entry exists for tokenID in the tenant.
	IsRevoked(ctx context.Context, tenantID, tokenID string, now time.Time) (bool, error)

	// DeleteExpiredRevocations removes entries whose natural expiry is before now.
	// Safe to call concurrently from several instances.
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int, error)
}

// MFAStore persists TOTP enrollments, backup codes, pending challenges and trusted devices.
type MFAStore interface {
	// SaveMFAEnrollment creates or replaces the secret and enabled flag of an enrollment.
	// Backup codes and the last accepted TOTP step are managed by their own methods.
	SaveMFAEnrollment(ctx context.Context, enrollment *MFAEnrollment) error

	// GetMFAEnrollment returns the enrollment of a user including backup code hashes.
	// Returns ErrMFANotEnrolled if the user has none.
	GetMFAEnrollment(ctx context.Context, tenantID, userID string) (*MFAEnrollment, error)

	// DeleteMFAEnrollment discards the secret, backup codes and trusted devices of a user
	DeleteMFAEnrollment(ctx context.Context, tenantID, userID string) error

	// ReplaceBackupCodes swaps the whole backup code set, invalidating previous codes
	ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error

	// ConsumeBackupCode atomically removes a backup code hash and returns how many remain.
	// Returns ErrBackupCodeNotFound when the hash is not in the unconsumed set.
	// SECURITY: This operation MUST be atomic so a code cannot be used twice concurrently.
	ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (int, error)

	// MarkTOTPStepUsed records step as the last accepted TOTP step for a user.
	// Returns ErrTOTPStepReplayed if step is not newer than the recorded one.
	MarkTOTPStepUsed(ctx context.Context, tenantID, userID string, step int64) error

	// SaveMFAChallenge stores a pending second-factor challenge
	SaveMFAChallenge(ctx context.Context, challenge *MFAChallenge) error

	// ConsumeMFAChallenge atomically fetches and deletes a challenge.
	// Returns ErrMFAChallengeNotFound for unknown, consumed or expired challenges.
	ConsumeMFAChallenge(ctx context.Context, tenantID, challengeID string, now time.Time) (*MFAChallenge, error)

	// SaveTrustedDevice remembers a device for a user
	SaveTrustedDevice(ctx context.Context, device *TrustedDevice) error

	// IsTrustedDevice reports whether tokenHash identifies an unexpired trusted device of the user
	IsTrustedDevice(ctx context.Context, tenantID, userID, tokenHash string, now time.Time) (bool, error)

	// DeleteExpiredMFAState purges expired challenges and trusted devices
	DeleteExpiredMFAState(ctx context.Context, now time.Time) (int, error)
}

// Store is implemented by backends that provide every storage concern.
// Refresh rotation writes token records and revocations in one atomic step,
// so both must live in the same backend.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	RevocationStore
	MFAStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	TenantID         string
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string
	Scopes           []string
	GrantTypes       []string

	// Zero means the server default
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	AutoApprove     bool
	Active          bool
	CreatedAt       time.Time
	SecretRotatedAt time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	TenantID            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
	UsedAt              time.Time
}

// TokenRecord tracks an issued access/refresh pair by token identifier.
// RefreshTokenID and UserID are empty for client_credentials grants.
type TokenRecord struct {
	AccessTokenID    string
	RefreshTokenID   string
	TenantID         string
	ClientID         string
	UserID           string
	Scope            string
	GrantType        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
	LastUsedAt       time.Time
	Revoked          bool
	RevokedAt        time.Time

	// SupersededAccess holds earlier, still unexpired access tokens of the
	// same grant, replaced by refresh. Revoking the record blacklists them too.
	SupersededAccess []SupersededAccess
}

// SupersededAccess is an access token identifier replaced by a refresh
type SupersededAccess struct {
	ID        string
	ExpiresAt time.Time
}

// Supersede returns the superseded access list a successor of r carries: the
// unexpired entries of r plus r's current access token if it is still live.
func (r *TokenRecord) Supersede(now time.Time) []SupersededAccess {
	var out []SupersededAccess
	for _, a := range r.SupersededAccess {
		if now.Before(a.ExpiresAt) {
			out = append(out, a)
		}
	}
	if r.AccessTokenID != "" && now.Before(r.AccessExpiresAt) {
		out = append(out, SupersededAccess{ID: r.AccessTokenID, ExpiresAt: r.AccessExpiresAt})
	}
	return out
}

// FinalExpiry is the latest point at which any token of the record is valid.
func (r *TokenRecord) FinalExpiry() time.Time {
	if r.RefreshExpiresAt.After(r.AccessExpiresAt) {
		return r.RefreshExpiresAt
	}
	return r.AccessExpiresAt
}

// RotationRequest describes an atomic refresh token rotation.
type RotationRequest struct {
	TenantID     string
	ClientID     string
	OldRefreshID string
	Next         *TokenRecord
	Revocation   *BlacklistEntry
	Now          time.Time
}

// TouchRequest describes an access token refresh that keeps the refresh token.
type TouchRequest struct {
	TenantID        string
	ClientID        string
	RefreshID       string
	AccessID        string
	AccessExpiresAt time.Time
	Now             time.Time
}

// TokenKind distinguishes access from refresh tokens
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// BlacklistEntry marks a token identifier as revoked until ExpiresAt, the token's
// natural expiry. Past ExpiresAt the entry is inert and may be purged.
type BlacklistEntry struct {
	TokenID   string
	TenantID  string
	Subject   string
	Kind      TokenKind
	ExpiresAt time.Time
	Reason    string
	Actor     string
	RevokedAt time.Time
}

// MFAEnrollment holds a user's TOTP secret and backup codes.
// Secret may be encrypted at rest; the MFA service decides.
type MFAEnrollment struct {
	TenantID         string
	UserID           string
	Secret           string
	Enabled          bool
	BackupCodeHashes []string
	LastTOTPStep     int64
	CreatedAt        time.Time
}

// MFAChallenge is a pending second-factor step after a successful password check
type MFAChallenge struct {
	ID        string
	TenantID  string
	UserID    string
	ClientID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TrustedDevice lets a user skip the second factor on a remembered device
type TrustedDevice struct {
	TenantID  string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}
