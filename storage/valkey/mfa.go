package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/idp-oauth/storage"
)

// ============================================================
// MFAStore Implementation
// ============================================================

var errDeviceNotFound = errors.New("trusted device not found")

// SaveMFAEnrollment creates or replaces the secret and enabled flag of an enrollment
func (s *Store) SaveMFAEnrollment(ctx context.Context, enrollment *storage.MFAEnrollment) error {
	if enrollment == nil || enrollment.UserID == "" {
		return fmt.Errorf("invalid MFA enrollment")
	}
	if err := validateIDs(enrollment.TenantID, enrollment.UserID); err != nil {
		return err
	}

	data, err := json.Marshal(toMFAEnrollmentJSON(enrollment))
	if err != nil {
		return fmt.Errorf("failed to marshal MFA enrollment: %w", err)
	}

	key := s.mfaKey(enrollment.TenantID, enrollment.UserID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save MFA enrollment: %w", err)
	}
	return nil
}

// GetMFAEnrollment returns a user's enrollment with its backup codes and last TOTP step
func (s *Store) GetMFAEnrollment(ctx context.Context, tenantID, userID string) (*storage.MFAEnrollment, error) {
	if err := validateIDs(tenantID, userID); err != nil {
		return nil, storage.ErrMFANotEnrolled
	}

	e, err := getAndUnmarshal(ctx, s, s.mfaKey(tenantID, userID), storage.ErrMFANotEnrolled, fromMFAEnrollmentJSON)
	if err != nil {
		return nil, err
	}

	resps := s.client.DoMulti(ctx,
		s.client.B().Smembers().Key(s.backupCodesKey(tenantID, userID)).Build(),
		s.client.B().Get().Key(s.totpStepKey(tenantID, userID)).Build(),
	)

	hashes, err := resps[0].AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get backup codes: %w", err)
	}
	e.BackupCodeHashes = hashes

	step, err := resps[1].ToString()
	switch {
	case isNilError(err):
	case err != nil:
		return nil, fmt.Errorf("failed to get TOTP step: %w", err)
	default:
		if e.LastTOTPStep, err = strconv.ParseInt(step, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid TOTP step: %w", err)
		}
	}
	return e, nil
}

// DeleteMFAEnrollment removes a user's enrollment, backup codes, step and trusted devices
func (s *Store) DeleteMFAEnrollment(ctx context.Context, tenantID, userID string) error {
	devicesKey := s.devicesKey(tenantID, userID)
	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(devicesKey).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("failed to list trusted devices: %w", err)
	}

	keys := []string{
		s.mfaKey(tenantID, userID),
		s.backupCodesKey(tenantID, userID),
		s.totpStepKey(tenantID, userID),
		devicesKey,
	}
	for _, h := range hashes {
		keys = append(keys, s.deviceKey(tenantID, userID, h))
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete MFA enrollment: %w", err)
	}
	return nil
}

// ReplaceBackupCodes swaps the backup code set of an enrollment in one script
func (s *Store) ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplaceBackupCodes).
			Numkeys(2).
			Key(s.mfaKey(tenantID, userID), s.backupCodesKey(tenantID, userID)).
			Arg(hashes...).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to replace backup codes: %w", err)
	}
	if result == "NOT_ENROLLED" {
		return storage.ErrMFANotEnrolled
	}
	return nil
}

// ConsumeBackupCode removes hash from the unconsumed set.
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (int, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeBackupCode).
			Numkeys(2).
			Key(s.mfaKey(tenantID, userID), s.backupCodesKey(tenantID, userID)).
			Arg(hash).
			Build(),
	).AsIntSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to consume backup code: %w", err)
	}
	if len(result) != 2 {
		return 0, fmt.Errorf("unexpected backup code script result")
	}

	removed, remaining := result[0], int(result[1])
	switch removed {
	case -1:
		return 0, storage.ErrMFANotEnrolled
	case 0:
		return remaining, storage.ErrBackupCodeNotFound
	}
	return remaining, nil
}

// MarkTOTPStepUsed advances the last accepted step if step is newer
func (s *Store) MarkTOTPStepUsed(ctx context.Context, tenantID, userID string, step int64) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkTOTPStepUsed).
			Numkeys(2).
			Key(s.mfaKey(tenantID, userID), s.totpStepKey(tenantID, userID)).
			Arg(strconv.FormatInt(step, 10)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to mark TOTP step: %w", err)
	}

	switch result {
	case "NOT_ENROLLED":
		return storage.ErrMFANotEnrolled
	case "REPLAYED":
		return storage.ErrTOTPStepReplayed
	}
	return nil
}

// SaveMFAChallenge stores a pending challenge until it expires
func (s *Store) SaveMFAChallenge(ctx context.Context, challenge *storage.MFAChallenge) error {
	if challenge == nil || challenge.ID == "" {
		return fmt.Errorf("invalid MFA challenge")
	}
	ttl := ttlBetween(challenge.CreatedAt, challenge.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("MFA challenge already expired")
	}

	data, err := json.Marshal(toMFAChallengeJSON(challenge))
	if err != nil {
		return fmt.Errorf("failed to marshal MFA challenge: %w", err)
	}

	key := s.challengeKey(challenge.TenantID, challenge.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(keyTTL(ttl)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save MFA challenge: %w", err)
	}
	return nil
}

// ConsumeMFAChallenge fetches and deletes a challenge with GETDEL
func (s *Store) ConsumeMFAChallenge(ctx context.Context, tenantID, challengeID string, now time.Time) (*storage.MFAChallenge, error) {
	if err := validateIDs(tenantID, challengeID); err != nil {
		return nil, storage.ErrMFAChallengeNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.challengeKey(tenantID, challengeID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrMFAChallengeNotFound
		}
		return nil, fmt.Errorf("failed to consume MFA challenge: %w", err)
	}

	var j mfaChallengeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse MFA challenge: %w", err)
	}
	c := fromMFAChallengeJSON(&j)
	if !now.Before(c.ExpiresAt) {
		return nil, storage.ErrMFAChallengeNotFound
	}
	return c, nil
}

// SaveTrustedDevice remembers a device for a user until it expires
func (s *Store) SaveTrustedDevice(ctx context.Context, device *storage.TrustedDevice) error {
	if device == nil || device.TokenHash == "" {
		return fmt.Errorf("invalid trusted device")
	}
	ttl := ttlBetween(device.CreatedAt, device.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("trusted device already expired")
	}

	data, err := json.Marshal(toTrustedDeviceJSON(device))
	if err != nil {
		return fmt.Errorf("failed to marshal trusted device: %w", err)
	}

	resps := s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.deviceKey(device.TenantID, device.UserID, device.TokenHash)).Value(string(data)).Ex(keyTTL(ttl)).Build(),
		s.client.B().Sadd().Key(s.devicesKey(device.TenantID, device.UserID)).Member(device.TokenHash).Build(),
	)
	for _, resp := range resps {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save trusted device: %w", err)
		}
	}
	return nil
}

// IsTrustedDevice reports whether tokenHash is an unexpired device of the user
func (s *Store) IsTrustedDevice(ctx context.Context, tenantID, userID, tokenHash string, now time.Time) (bool, error) {
	if err := validateIDs(tenantID, userID, tokenHash); err != nil {
		return false, nil
	}

	d, err := getAndUnmarshal(ctx, s, s.deviceKey(tenantID, userID, tokenHash), errDeviceNotFound, fromTrustedDeviceJSON)
	if errors.Is(err, errDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trusted device: %w", err)
	}
	return now.Before(d.ExpiresAt), nil
}

// DeleteExpiredMFAState prunes device index entries whose device key has
// expired. Challenges and devices expire through their TTL.
func (s *Store) DeleteExpiredMFAState(ctx context.Context, _ time.Time) (int, error) {
	removed := 0
	err := s.scanKeys(ctx, s.prefix+"mfa:devices:*", func(setKey string) error {
		hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
		if err != nil {
			return fmt.Errorf("failed to read device index: %w", err)
		}

		// {prefix}mfa:devices:{tenant}:{user} -> {prefix}mfa:device:{tenant}:{user}
		base := s.prefix + "mfa:device:" + strings.TrimPrefix(setKey, s.prefix+"mfa:devices:")
		var stale []string
		for _, h := range hashes {
			n, err := s.client.Do(ctx, s.client.B().Exists().Key(base+":"+h).Build()).AsInt64()
			if err != nil {
				return fmt.Errorf("failed to check trusted device: %w", err)
			}
			if n == 0 {
				stale = append(stale, h)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		n, err := s.client.Do(ctx, s.client.B().Srem().Key(setKey).Member(stale...).Build()).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to prune device index: %w", err)
		}
		removed += int(n)
		return nil
	})
	return removed, err
}
