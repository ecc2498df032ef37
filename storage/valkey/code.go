package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// usedCodeRetention keeps a consumed code around past its expiry so replays
// are reported as ALREADY_USED rather than NOT_FOUND.
const usedCodeRetention = time.Minute

// SaveAuthorizationCode saves an issued authorization code.
// The key expires with the code; duplicates are rejected.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateIDs(code.TenantID, code.Code, code.ClientID); err != nil {
		return err
	}

	ttl := ttlBetween(code.CreatedAt, code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.TenantID, code.Code)
	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Ex(keyTTL(ttl+usedCodeRetention)).Build(),
	).Error()
	if isNilError(err) {
		return fmt.Errorf("authorization code already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode atomically validates and marks a code used.
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, tenantID, code, clientID, redirectURI string, now time.Time) (*storage.AuthorizationCode, error) {
	if err := validateIDs(tenantID, code); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(tenantID, code)).
			Arg(millisArg(now), clientID, redirectURI).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "ALREADY_USED":
		s.logger.Warn("Authorization code replay",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
			"client_id", clientID)
		return nil, storage.ErrAuthorizationCodeUsed
	case "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case "MISMATCH":
		return nil, storage.ErrAuthorizationCodeMismatch
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteExpiredAuthorizationCodes is a no-op: code keys expire through their TTL.
func (s *Store) DeleteExpiredAuthorizationCodes(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}
