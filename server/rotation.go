package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/token"
)

// ErrRefreshTokenReplay marks a refresh attempt with a blacklisted token
var ErrRefreshTokenReplay = errors.New("refresh token already revoked")

// RotationEngine exchanges a refresh token for a new pair
type RotationEngine struct {
	tokens      storage.TokenStore
	revocations *RevocationRegistry
	issuer      *token.Issuer
	clock       security.Clock
	timeout     time.Duration
	rotate      bool
	logger      *slog.Logger
}

// NewRotationEngine creates a RotationEngine. With rotate false the refresh
// token is kept and only the access token is replaced.
func NewRotationEngine(tokens storage.TokenStore, revocations *RevocationRegistry, issuer *token.Issuer, clock security.Clock, timeout time.Duration, rotate bool, logger *slog.Logger) *RotationEngine {
	return &RotationEngine{
		tokens:      tokens,
		revocations: revocations,
		issuer:      issuer,
		clock:       clock,
		timeout:     timeout,
		rotate:      rotate,
		logger:      logger,
	}
}

// Rotate redeems refreshToken for client. A non-empty scope may narrow the
// original grant but never widen it.
func (e *RotationEngine) Rotate(ctx context.Context, tenantID string, client *storage.Client, refreshToken, scope string) (*token.Pair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	claims, err := e.issuer.Parse(refreshToken)
	if err != nil {
		return nil, ErrInvalidGrant(err)
	}
	now := e.clock.Now()
	switch {
	case claims.TokenUse != token.UseRefresh:
		return nil, ErrInvalidGrant(fmt.Errorf("not a refresh token"))
	case claims.TenantID != tenantID:
		return nil, ErrInvalidGrant(fmt.Errorf("tenant mismatch"))
	case claims.ClientID != client.ClientID:
		return nil, ErrInvalidGrant(storage.ErrTokenClientMismatch)
	case claims.Expired(now):
		return nil, ErrInvalidGrant(storage.ErrTokenExpired)
	}

	revoked, err := e.revocations.IsRevoked(ctx, tenantID, claims.ID)
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("failed to check revocation: %w", err))
	}
	if revoked {
		return nil, ErrInvalidGrant(ErrRefreshTokenReplay)
	}

	granted := util.ParseScope(claims.Scope)
	requested := util.ParseScope(scope)
	if len(requested) == 0 {
		requested = granted
	} else if !util.ScopeSubset(requested, granted) {
		return nil, ErrInvalidScope("requested scope exceeds the original grant")
	}

	req := token.Request{
		TenantID:   tenantID,
		ClientID:   client.ClientID,
		UserID:     claims.Subject,
		Scope:      util.JoinScope(requested),
		GrantType:  GrantTypeRefreshToken,
		Refresh:    e.rotate,
		AccessTTL:  client.AccessTokenTTL,
		RefreshTTL: client.RefreshTokenTTL,
	}
	pair, err := e.issuer.Issue(req)
	if err != nil {
		return nil, ErrServerError(err)
	}

	if e.rotate {
		err = e.rotateRecord(ctx, claims, pair, now)
	} else {
		err = e.touchRecord(ctx, refreshToken, claims, pair, now)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Refreshed access token",
		"tenant_id", tenantID,
		"client_id", client.ClientID,
		"rotated", e.rotate,
		"refresh_prefix", util.SafeTruncate(claims.ID, codeLogPrefix))
	return pair, nil
}

// rotateRecord swaps the record and blacklists the old refresh token in one
// storage operation.
func (e *RotationEngine) rotateRecord(ctx context.Context, claims *token.Claims, pair *token.Pair, now time.Time) error {
	entry := e.revocations.Entry(Revocation{
		TokenID:   claims.ID,
		TenantID:  claims.TenantID,
		Subject:   claims.Subject,
		Kind:      storage.TokenKindRefresh,
		ExpiresAt: claims.ExpiresAt.Time,
		Reason:    ReasonRotated,
		Actor:     claims.ClientID,
	})

	ctx, cancel := detached(ctx, e.timeout)
	defer cancel()

	_, err := e.tokens.RotateRefreshToken(ctx, storage.RotationRequest{
		TenantID:     claims.TenantID,
		ClientID:     claims.ClientID,
		OldRefreshID: claims.ID,
		Next:         pair.Record(),
		Revocation:   entry,
		Now:          now,
	})
	return mapRefreshError(err)
}

// touchRecord replaces only the access token of the record. The response
// carries the unchanged refresh token.
func (e *RotationEngine) touchRecord(ctx context.Context, raw string, claims *token.Claims, pair *token.Pair, now time.Time) error {
	ctx, cancel := detached(ctx, e.timeout)
	defer cancel()

	_, err := e.tokens.TouchRefreshToken(ctx, storage.TouchRequest{
		TenantID:        claims.TenantID,
		ClientID:        claims.ClientID,
		RefreshID:       claims.ID,
		AccessID:        pair.AccessTokenID,
		AccessExpiresAt: pair.AccessExpiresAt,
		Now:             now,
	})
	if err := mapRefreshError(err); err != nil {
		return err
	}

	pair.RefreshToken = raw
	pair.RefreshTokenID = claims.ID
	pair.RefreshExpiresAt = claims.ExpiresAt.Time
	return nil
}

func mapRefreshError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrTokenNotFound),
		errors.Is(err, storage.ErrTokenExpired),
		errors.Is(err, storage.ErrTokenRevoked),
		errors.Is(err, storage.ErrTokenClientMismatch):
		return ErrInvalidGrant(err)
	default:
		return ErrServerError(fmt.Errorf("failed to update token record: %w", err))
	}
}
