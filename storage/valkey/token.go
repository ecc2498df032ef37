package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenRecord persists a newly issued token pair and indexes it by
// refresh ID and client.
func (s *Store) SaveTokenRecord(ctx context.Context, record *storage.TokenRecord) error {
	if record == nil || record.AccessTokenID == "" {
		return fmt.Errorf("invalid token record")
	}
	if err := validateIDs(record.TenantID, record.AccessTokenID, record.RefreshTokenID, record.ClientID); err != nil {
		return err
	}

	ttl := ttlBetween(record.CreatedAt, record.FinalExpiry())
	if ttl <= 0 {
		return fmt.Errorf("token record already expired")
	}
	ttl = keyTTL(ttl)

	data, err := json.Marshal(toTokenRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	cmds := valkeygo.Commands{
		s.client.B().Set().Key(s.tokenKey(record.TenantID, record.AccessTokenID)).Value(string(data)).Ex(ttl).Build(),
		s.client.B().Sadd().Key(s.clientTokensKey(record.TenantID, record.ClientID)).Member(s.tokenKey(record.TenantID, record.AccessTokenID)).Build(),
	}
	if record.RefreshTokenID != "" {
		cmds = append(cmds,
			s.client.B().Set().Key(s.refreshKey(record.TenantID, record.RefreshTokenID)).Value(record.AccessTokenID).Ex(ttl).Build())
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save token record: %w", err)
		}
	}

	s.logger.Debug("Saved token record",
		"client_id", record.ClientID,
		"access_prefix", util.SafeTruncate(record.AccessTokenID, tokenIDLogLength))
	return nil
}

// GetTokenByAccessID looks up a record by access token ID
func (s *Store) GetTokenByAccessID(ctx context.Context, tenantID, accessID string) (*storage.TokenRecord, error) {
	if err := validateIDs(tenantID, accessID); err != nil {
		return nil, storage.ErrTokenNotFound
	}
	return getAndUnmarshal(ctx, s, s.tokenKey(tenantID, accessID), storage.ErrTokenNotFound, fromTokenRecordJSON)
}

// GetTokenByRefreshID resolves the refresh index and returns the record
func (s *Store) GetTokenByRefreshID(ctx context.Context, tenantID, refreshID string) (*storage.TokenRecord, error) {
	if err := validateIDs(tenantID, refreshID); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	accessID, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(tenantID, refreshID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh index: %w", err)
	}
	return s.GetTokenByAccessID(ctx, tenantID, accessID)
}

// refreshStatusError maps the status words of the refresh scripts to storage errors
func refreshStatusError(result string) error {
	switch result {
	case "NOT_FOUND":
		return storage.ErrTokenNotFound
	case "CLIENT_MISMATCH":
		return storage.ErrTokenClientMismatch
	case "REVOKED":
		return storage.ErrTokenRevoked
	case "EXPIRED":
		return storage.ErrTokenExpired
	}
	return nil
}

func parseTokenRecord(result string) (*storage.TokenRecord, error) {
	var j tokenRecordJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse token record: %w", err)
	}
	return fromTokenRecordJSON(&j), nil
}

// RotateRefreshToken supersedes a record and blacklists its refresh token.
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) RotateRefreshToken(ctx context.Context, req storage.RotationRequest) (*storage.TokenRecord, error) {
	if req.Next == nil || req.Revocation == nil || req.Next.RefreshTokenID == "" {
		return nil, fmt.Errorf("next record and revocation entry are required")
	}
	if err := validateIDs(req.TenantID, req.OldRefreshID, req.Next.AccessTokenID, req.Next.RefreshTokenID); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	ttl := ttlBetween(req.Now, req.Next.FinalExpiry())
	if ttl <= 0 {
		return nil, fmt.Errorf("rotated token record already expired")
	}

	next, err := json.Marshal(toTokenRecordJSON(req.Next))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token record: %w", err)
	}
	revocation, err := json.Marshal(toBlacklistEntryJSON(req.Revocation))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revocation: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(5).
			Key(
				s.refreshKey(req.TenantID, req.OldRefreshID),
				s.tokenKey(req.TenantID, req.Next.AccessTokenID),
				s.refreshKey(req.TenantID, req.Next.RefreshTokenID),
				s.revokedKey(req.TenantID, req.Revocation.TokenID),
				s.clientTokensKey(req.TenantID, req.ClientID),
			).
			Arg(
				millisArg(req.Now),
				req.ClientID,
				s.tokenKeyPrefix(req.TenantID),
				string(next),
				req.Next.AccessTokenID,
				durationArg(ttl),
				string(revocation),
				durationArg(ttlBetween(req.Now, req.Revocation.ExpiresAt)),
			).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh rotation: %w", err)
	}
	if err := refreshStatusError(result); err != nil {
		return nil, err
	}

	s.logger.Debug("Rotated refresh token",
		"client_id", req.ClientID,
		"old_refresh_prefix", util.SafeTruncate(req.OldRefreshID, tokenIDLogLength),
		"new_refresh_prefix", util.SafeTruncate(req.Next.RefreshTokenID, tokenIDLogLength))

	return parseTokenRecord(result)
}

// TouchRefreshToken swaps the access token of a record, keeping its refresh token
func (s *Store) TouchRefreshToken(ctx context.Context, req storage.TouchRequest) (*storage.TokenRecord, error) {
	if err := validateIDs(req.TenantID, req.RefreshID, req.AccessID); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTouchRefreshToken).
			Numkeys(3).
			Key(
				s.refreshKey(req.TenantID, req.RefreshID),
				s.tokenKey(req.TenantID, req.AccessID),
				s.clientTokensKey(req.TenantID, req.ClientID),
			).
			Arg(
				millisArg(req.Now),
				req.ClientID,
				s.tokenKeyPrefix(req.TenantID),
				req.AccessID,
				millisArg(req.AccessExpiresAt),
			).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh touch: %w", err)
	}
	if err := refreshStatusError(result); err != nil {
		return nil, err
	}
	return parseTokenRecord(result)
}

// RevokeTokenRecord marks the record holding tokenID as revoked
func (s *Store) RevokeTokenRecord(ctx context.Context, tenantID, tokenID string, now time.Time) (*storage.TokenRecord, error) {
	if err := validateIDs(tenantID, tokenID); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeTokenRecord).
			Numkeys(2).
			Key(s.tokenKey(tenantID, tokenID), s.refreshKey(tenantID, tokenID)).
			Arg(
				millisArg(now),
				s.tokenKeyPrefix(tenantID),
				s.refreshKeyPrefix(tenantID),
				durationArg(s.revokedRetention),
			).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to revoke token record: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, storage.ErrTokenNotFound
	}
	return parseTokenRecord(result)
}

// ListTokensByClient returns every unrevoked record issued to a client
func (s *Store) ListTokensByClient(ctx context.Context, tenantID, clientID string) ([]*storage.TokenRecord, error) {
	keys, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientTokensKey(tenantID, clientID)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list client tokens: %w", err)
	}

	var out []*storage.TokenRecord
	for _, key := range keys {
		r, err := getAndUnmarshal(ctx, s, key, storage.ErrTokenNotFound, fromTokenRecordJSON)
		if errors.Is(err, storage.ErrTokenNotFound) {
			continue // expired between SMEMBERS and GET
		}
		if err != nil {
			return nil, err
		}
		if !r.Revoked {
			out = append(out, r)
		}
	}
	return out, nil
}

// DeleteExpiredTokens prunes client index entries whose record has expired.
// Records themselves expire through their TTL, which already includes the
// revoked retention.
func (s *Store) DeleteExpiredTokens(ctx context.Context, _ time.Time, _ time.Duration) (int, error) {
	removed := 0
	err := s.scanKeys(ctx, s.prefix+"clienttokens:*", func(setKey string) error {
		keys, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
		if err != nil {
			return fmt.Errorf("failed to read client token index: %w", err)
		}

		var stale []string
		for _, key := range keys {
			n, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
			if err != nil {
				return fmt.Errorf("failed to check token record: %w", err)
			}
			if n == 0 {
				stale = append(stale, key)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		n, err := s.client.Do(ctx, s.client.B().Srem().Key(setKey).Member(stale...).Build()).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to prune client token index: %w", err)
		}
		removed += int(n)
		return nil
	})
	return removed, err
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// AddRevocation inserts a blacklist entry that expires with the token.
// Entries that are already inert are not stored.
func (s *Store) AddRevocation(ctx context.Context, entry *storage.BlacklistEntry) error {
	if entry == nil || entry.TokenID == "" {
		return fmt.Errorf("invalid revocation entry")
	}
	if err := validateIDs(entry.TenantID, entry.TokenID); err != nil {
		return err
	}

	from := entry.RevokedAt
	if from.IsZero() {
		from = time.Now()
	}
	ttl := ttlBetween(from, entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(toBlacklistEntryJSON(entry))
	if err != nil {
		return fmt.Errorf("failed to marshal revocation: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.revokedKey(entry.TenantID, entry.TokenID)).Value(string(data)).Nx().Ex(keyTTL(ttl)).Build(),
	).Error()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to save revocation: %w", err)
	}
	return nil
}

// IsRevoked is a point lookup in the blacklist
func (s *Store) IsRevoked(ctx context.Context, tenantID, tokenID string, now time.Time) (bool, error) {
	if err := validateIDs(tenantID, tokenID); err != nil {
		return false, err
	}

	entry, err := getAndUnmarshal(ctx, s, s.revokedKey(tenantID, tokenID), storage.ErrTokenNotFound, fromBlacklistEntryJSON)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return now.Before(entry.ExpiresAt), nil
}

// DeleteExpiredRevocations is a no-op: blacklist keys expire through their TTL.
func (s *Store) DeleteExpiredRevocations(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}
