package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// codeLogPrefix is how much of a code may appear in logs
const codeLogPrefix = 8

// AuthorizationCodes issues and redeems single-use authorization codes
type AuthorizationCodes struct {
	store   storage.CodeStore
	clock   security.Clock
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewAuthorizationCodes creates an AuthorizationCodes
func NewAuthorizationCodes(store storage.CodeStore, clock security.Clock, ttl, timeout time.Duration, logger *slog.Logger) *AuthorizationCodes {
	return &AuthorizationCodes{
		store:   store,
		clock:   clock,
		ttl:     ttl,
		timeout: timeout,
		logger:  logger,
	}
}

// Issue creates and persists a code bound to the client, user, redirect URI,
// scope and optional PKCE challenge.
func (a *AuthorizationCodes) Issue(ctx context.Context, client *storage.Client, userID, redirectURI, scope, state string, pkce *PKCE) (*storage.AuthorizationCode, error) {
	now := a.clock.Now()
	code := &storage.AuthorizationCode{
		// 32 random bytes, base64url encoded
		Code:        oauth2.GenerateVerifier(),
		TenantID:    client.TenantID,
		ClientID:    client.ClientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       scope,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.ttl),
	}
	if pkce != nil {
		code.CodeChallenge = pkce.Challenge
		code.CodeChallengeMethod = pkce.Method
	}

	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, ErrServerError(fmt.Errorf("failed to save authorization code: %w", err))
	}
	return code, nil
}

// Redeem consumes a code in one atomic storage operation. Every rejection is
// invalid_grant; the storage cause stays available through errors.Is.
func (a *AuthorizationCodes) Redeem(ctx context.Context, tenantID, code, clientID, redirectURI string) (*storage.AuthorizationCode, error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	ctx, cancel := detached(ctx, a.timeout)
	defer cancel()

	authCode, err := a.store.ConsumeAuthorizationCode(ctx, tenantID, code, clientID, redirectURI, a.clock.Now())
	switch {
	case err == nil:
		return authCode, nil
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound),
		errors.Is(err, storage.ErrAuthorizationCodeExpired),
		errors.Is(err, storage.ErrAuthorizationCodeUsed),
		errors.Is(err, storage.ErrAuthorizationCodeMismatch):
		// SECURITY: Log detailed internal error for debugging, but return generic error to client
		a.logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"tenant_id", tenantID,
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, codeLogPrefix))
		return nil, ErrInvalidGrant(err)
	default:
		return nil, ErrServerError(fmt.Errorf("failed to consume authorization code: %w", err))
	}
}

// SweepExpired purges expired codes
func (a *AuthorizationCodes) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.DeleteExpiredAuthorizationCodes(ctx, a.clock.Now())
}
