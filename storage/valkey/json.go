package valkey

import (
	"time"

	"github.com/giantswarm/idp-oauth/storage"
)

// ============================================================
// JSON Serialization Helpers
// ============================================================
//
// Timestamps are Unix milliseconds so Lua scripts can compare them with the
// caller's clock. Field names are read by the scripts in scripts.go.

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID          string   `json:"client_id"`
	ClientSecretHash  string   `json:"client_secret_hash,omitempty"`
	TenantID          string   `json:"tenant_id"`
	ClientType        string   `json:"client_type"`
	ClientName        string   `json:"client_name,omitempty"`
	RedirectURIs      []string `json:"redirect_uris,omitempty"`
	Scopes            []string `json:"scopes,omitempty"`
	GrantTypes        []string `json:"grant_types,omitempty"`
	AccessTokenTTLMs  int64    `json:"access_token_ttl_ms,omitempty"`
	RefreshTokenTTLMs int64    `json:"refresh_token_ttl_ms,omitempty"`
	AutoApprove       bool     `json:"auto_approve"`
	Active            bool     `json:"active"`
	CreatedAt         int64    `json:"created_at"`
	SecretRotatedAt   int64    `json:"secret_rotated_at,omitempty"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:          c.ClientID,
		ClientSecretHash:  c.ClientSecretHash,
		TenantID:          c.TenantID,
		ClientType:        c.ClientType,
		ClientName:        c.ClientName,
		RedirectURIs:      c.RedirectURIs,
		Scopes:            c.Scopes,
		GrantTypes:        c.GrantTypes,
		AccessTokenTTLMs:  c.AccessTokenTTL.Milliseconds(),
		RefreshTokenTTLMs: c.RefreshTokenTTL.Milliseconds(),
		AutoApprove:       c.AutoApprove,
		Active:            c.Active,
		CreatedAt:         toMillis(c.CreatedAt),
		SecretRotatedAt:   toMillis(c.SecretRotatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		TenantID:         j.TenantID,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		Scopes:           j.Scopes,
		GrantTypes:       j.GrantTypes,
		AccessTokenTTL:   time.Duration(j.AccessTokenTTLMs) * time.Millisecond,
		RefreshTokenTTL:  time.Duration(j.RefreshTokenTTLMs) * time.Millisecond,
		AutoApprove:      j.AutoApprove,
		Active:           j.Active,
		CreatedAt:        fromMillis(j.CreatedAt),
		SecretRotatedAt:  fromMillis(j.SecretRotatedAt),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	TenantID            string `json:"tenant_id"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
	UsedAt              int64  `json:"used_at,omitempty"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		TenantID:            c.TenantID,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		State:               c.State,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt:           toMillis(c.CreatedAt),
		ExpiresAt:           toMillis(c.ExpiresAt),
		Used:                c.Used,
		UsedAt:              toMillis(c.UsedAt),
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		TenantID:            j.TenantID,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		State:               j.State,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           fromMillis(j.CreatedAt),
		ExpiresAt:           fromMillis(j.ExpiresAt),
		Used:                j.Used,
		UsedAt:              fromMillis(j.UsedAt),
	}
}

// tokenRecordJSON is the JSON representation of a token record
type tokenRecordJSON struct {
	AccessTokenID    string `json:"access_token_id"`
	RefreshTokenID   string `json:"refresh_token_id,omitempty"`
	TenantID         string `json:"tenant_id"`
	ClientID         string `json:"client_id"`
	UserID           string `json:"user_id,omitempty"`
	Scope            string `json:"scope"`
	GrantType        string `json:"grant_type"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
	CreatedAt        int64  `json:"created_at"`
	LastUsedAt       int64  `json:"last_used_at,omitempty"`
	Revoked          bool   `json:"revoked"`
	RevokedAt        int64  `json:"revoked_at,omitempty"`

	SupersededAccess []supersededAccessJSON `json:"superseded_access,omitempty"`
}

// supersededAccessJSON field names are shared with the refresh scripts
type supersededAccessJSON struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

func toTokenRecordJSON(r *storage.TokenRecord) *tokenRecordJSON {
	var superseded []supersededAccessJSON
	for _, a := range r.SupersededAccess {
		superseded = append(superseded, supersededAccessJSON{ID: a.ID, ExpiresAt: toMillis(a.ExpiresAt)})
	}
	return &tokenRecordJSON{
		AccessTokenID:    r.AccessTokenID,
		RefreshTokenID:   r.RefreshTokenID,
		TenantID:         r.TenantID,
		ClientID:         r.ClientID,
		UserID:           r.UserID,
		Scope:            r.Scope,
		GrantType:        r.GrantType,
		AccessExpiresAt:  toMillis(r.AccessExpiresAt),
		RefreshExpiresAt: toMillis(r.RefreshExpiresAt),
		CreatedAt:        toMillis(r.CreatedAt),
		LastUsedAt:       toMillis(r.LastUsedAt),
		Revoked:          r.Revoked,
		RevokedAt:        toMillis(r.RevokedAt),
		SupersededAccess: superseded,
	}
}

func fromTokenRecordJSON(j *tokenRecordJSON) *storage.TokenRecord {
	if j == nil {
		return nil
	}
	var superseded []storage.SupersededAccess
	for _, a := range j.SupersededAccess {
		superseded = append(superseded, storage.SupersededAccess{ID: a.ID, ExpiresAt: fromMillis(a.ExpiresAt)})
	}
	return &storage.TokenRecord{
		AccessTokenID:    j.AccessTokenID,
		RefreshTokenID:   j.RefreshTokenID,
		TenantID:         j.TenantID,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		Scope:            j.Scope,
		GrantType:        j.GrantType,
		AccessExpiresAt:  fromMillis(j.AccessExpiresAt),
		RefreshExpiresAt: fromMillis(j.RefreshExpiresAt),
		CreatedAt:        fromMillis(j.CreatedAt),
		LastUsedAt:       fromMillis(j.LastUsedAt),
		Revoked:          j.Revoked,
		RevokedAt:        fromMillis(j.RevokedAt),
		SupersededAccess: superseded,
	}
}

// blacklistEntryJSON is the JSON representation of a revocation
type blacklistEntryJSON struct {
	TokenID   string `json:"token_id"`
	TenantID  string `json:"tenant_id"`
	Subject   string `json:"subject,omitempty"`
	Kind      string `json:"kind"`
	ExpiresAt int64  `json:"expires_at"`
	Reason    string `json:"reason,omitempty"`
	Actor     string `json:"actor,omitempty"`
	RevokedAt int64  `json:"revoked_at"`
}

func toBlacklistEntryJSON(e *storage.BlacklistEntry) *blacklistEntryJSON {
	return &blacklistEntryJSON{
		TokenID:   e.TokenID,
		TenantID:  e.TenantID,
		Subject:   e.Subject,
		Kind:      string(e.Kind),
		ExpiresAt: toMillis(e.ExpiresAt),
		Reason:    e.Reason,
		Actor:     e.Actor,
		RevokedAt: toMillis(e.RevokedAt),
	}
}

func fromBlacklistEntryJSON(j *blacklistEntryJSON) *storage.BlacklistEntry {
	if j == nil {
		return nil
	}
	return &storage.BlacklistEntry{
		TokenID:   j.TokenID,
		TenantID:  j.TenantID,
		Subject:   j.Subject,
		Kind:      storage.TokenKind(j.Kind),
		ExpiresAt: fromMillis(j.ExpiresAt),
		Reason:    j.Reason,
		Actor:     j.Actor,
		RevokedAt: fromMillis(j.RevokedAt),
	}
}

// mfaEnrollmentJSON holds the secret and flag; backup codes and the TOTP
// step live under their own keys
type mfaEnrollmentJSON struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Secret    string `json:"secret"`
	Enabled   bool   `json:"enabled"`
	CreatedAt int64  `json:"created_at"`
}

func toMFAEnrollmentJSON(e *storage.MFAEnrollment) *mfaEnrollmentJSON {
	return &mfaEnrollmentJSON{
		TenantID:  e.TenantID,
		UserID:    e.UserID,
		Secret:    e.Secret,
		Enabled:   e.Enabled,
		CreatedAt: toMillis(e.CreatedAt),
	}
}

func fromMFAEnrollmentJSON(j *mfaEnrollmentJSON) *storage.MFAEnrollment {
	if j == nil {
		return nil
	}
	return &storage.MFAEnrollment{
		TenantID:  j.TenantID,
		UserID:    j.UserID,
		Secret:    j.Secret,
		Enabled:   j.Enabled,
		CreatedAt: fromMillis(j.CreatedAt),
	}
}

type mfaChallengeJSON struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toMFAChallengeJSON(c *storage.MFAChallenge) *mfaChallengeJSON {
	return &mfaChallengeJSON{
		ID:        c.ID,
		TenantID:  c.TenantID,
		UserID:    c.UserID,
		ClientID:  c.ClientID,
		Scope:     c.Scope,
		CreatedAt: toMillis(c.CreatedAt),
		ExpiresAt: toMillis(c.ExpiresAt),
	}
}

func fromMFAChallengeJSON(j *mfaChallengeJSON) *storage.MFAChallenge {
	if j == nil {
		return nil
	}
	return &storage.MFAChallenge{
		ID:        j.ID,
		TenantID:  j.TenantID,
		UserID:    j.UserID,
		ClientID:  j.ClientID,
		Scope:     j.Scope,
		CreatedAt: fromMillis(j.CreatedAt),
		ExpiresAt: fromMillis(j.ExpiresAt),
	}
}

type trustedDeviceJSON struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	TokenHash string `json:"token_hash"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toTrustedDeviceJSON(d *storage.TrustedDevice) *trustedDeviceJSON {
	return &trustedDeviceJSON{
		TenantID:  d.TenantID,
		UserID:    d.UserID,
		TokenHash: d.TokenHash,
		CreatedAt: toMillis(d.CreatedAt),
		ExpiresAt: toMillis(d.ExpiresAt),
	}
}

func fromTrustedDeviceJSON(j *trustedDeviceJSON) *storage.TrustedDevice {
	if j == nil {
		return nil
	}
	return &storage.TrustedDevice{
		TenantID:  j.TenantID,
		UserID:    j.UserID,
		TokenHash: j.TokenHash,
		CreatedAt: fromMillis(j.CreatedAt),
		ExpiresAt: fromMillis(j.ExpiresAt),
	}
}
