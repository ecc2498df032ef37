package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/token"
)

// Token type hints (RFC 7009 section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Revoke invalidates a token. Unknown, foreign, malformed and already
// revoked tokens all succeed (RFC 7009 section 2.2); only failed client
// authentication is reported.
func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) (err error) {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer func() { endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.TenantID, req.ClientID, "", "")

	if err := s.allow(ctx, req.TenantID, req.ClientIP, req.ClientID, security.OperationRevoke); err != nil {
		return err
	}

	var client *storage.Client
	if req.ClientID != "" {
		client, err = s.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, req.ClientIP)
		if err != nil {
			return err
		}
	}

	claims, perr := s.issuer.Parse(req.Token)
	if perr != nil || claims.TenantID != req.TenantID {
		s.Logger.Debug("Ignoring revocation of unrecognized token", "tenant_id", req.TenantID)
		return nil
	}
	// A client may only revoke its own tokens
	if client != nil && claims.ClientID != client.ClientID {
		s.Logger.Debug("Ignoring revocation of a token issued to another client",
			"tenant_id", req.TenantID,
			"client_id", req.ClientID)
		return nil
	}

	// The token's own token_use decides the kind; the hint is only advisory
	kind, rerr := s.revokeClaims(ctx, claims, actorOf(req.ClientID))
	if rerr != nil {
		// The caller cannot act on a storage failure and must not learn
		// whether the token existed.
		s.Logger.Error("Failed to revoke token",
			"tenant_id", req.TenantID,
			"jti", claims.ID,
			"error", rerr)
		return nil
	}

	span.SetAttributes(attribute.String(instrumentation.AttrTokenKind, string(kind)))
	s.metrics.RecordTokenRevocation(ctx, string(kind))
	s.record(ctx, security.Event{
		Type:      security.EventTokenRevoked,
		Actor:     actorOf(req.ClientID),
		TenantID:  req.TenantID,
		UserID:    claims.Subject,
		ClientID:  claims.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"kind": string(kind), "jti": claims.ID},
	})
	return nil
}

func actorOf(clientID string) string {
	if clientID == "" {
		return "anonymous"
	}
	return clientID
}

// revokeClaims revokes the record holding the token, blacklisting both of its
// identifiers. Without a record only the presented identifier is blacklisted.
func (s *Server) revokeClaims(ctx context.Context, claims *token.Claims, actor string) (storage.TokenKind, error) {
	kind := storage.TokenKindAccess
	if claims.TokenUse == token.UseRefresh {
		kind = storage.TokenKindRefresh
	}

	sctx, cancel := detached(ctx, s.Config.StorageTimeout)
	record, err := s.store.RevokeTokenRecord(sctx, claims.TenantID, claims.ID, s.clock.Now())
	cancel()

	switch {
	case err == nil:
		return kind, s.blacklistRecord(ctx, record, ReasonRevoked, actor)
	case errors.Is(err, storage.ErrTokenNotFound):
		var expiresAt time.Time
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		return kind, s.Revocations.Revoke(ctx, Revocation{
			TokenID:   claims.ID,
			TenantID:  claims.TenantID,
			Subject:   claims.Subject,
			Kind:      kind,
			ExpiresAt: expiresAt,
			Reason:    ReasonRevoked,
			Actor:     actor,
		})
	default:
		return kind, fmt.Errorf("failed to revoke token record: %w", err)
	}
}

// blacklistRecord blacklists every identifier of a record until its expiry,
// including access tokens superseded by earlier refreshes
func (s *Server) blacklistRecord(ctx context.Context, record *storage.TokenRecord, reason, actor string) error {
	subject := record.UserID
	if subject == "" {
		subject = record.ClientID
	}

	revs := []Revocation{{
		TokenID:   record.AccessTokenID,
		TenantID:  record.TenantID,
		Subject:   subject,
		Kind:      storage.TokenKindAccess,
		ExpiresAt: record.AccessExpiresAt,
		Reason:    reason,
		Actor:     actor,
	}}
	for _, a := range record.SupersededAccess {
		revs = append(revs, Revocation{
			TokenID:   a.ID,
			TenantID:  record.TenantID,
			Subject:   subject,
			Kind:      storage.TokenKindAccess,
			ExpiresAt: a.ExpiresAt,
			Reason:    reason,
			Actor:     actor,
		})
	}
	if record.RefreshTokenID != "" {
		revs = append(revs, Revocation{
			TokenID:   record.RefreshTokenID,
			TenantID:  record.TenantID,
			Subject:   subject,
			Kind:      storage.TokenKindRefresh,
			ExpiresAt: record.RefreshExpiresAt,
			Reason:    reason,
			Actor:     actor,
		})
	}

	var errs []error
	for _, rev := range revs {
		if err := s.Revocations.Revoke(ctx, rev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Introspect reports the state of a token to an authenticated client
func (s *Server) Introspect(ctx context.Context, req *IntrospectRequest) (result *Introspection, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Introspect")
	defer func() { endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.TenantID, req.ClientID, "", "")

	if err := s.allow(ctx, req.TenantID, req.ClientIP, req.ClientID, security.OperationIntrospect); err != nil {
		return nil, err
	}
	if _, err := s.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, req.ClientIP); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, ErrInvalidRequest("token is required")
	}

	result, err = s.Introspector.Introspect(ctx, req.TenantID, req.Token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool(instrumentation.AttrTokenActive, result.Active))
	s.metrics.RecordIntrospection(ctx, result.Active)
	return result, nil
}

// ValidateToken returns the claims of an active access token of the tenant.
// Resource servers call it for every bearer request.
func (s *Server) ValidateToken(ctx context.Context, tenantID, accessToken string) (*token.Claims, error) {
	return s.Introspector.ValidateAccessToken(ctx, tenantID, accessToken)
}

// RotateClientSecret replaces a confidential client's secret and revokes every
// token issued to it. The new secret is returned once and never stored in
// plaintext.
func (s *Server) RotateClientSecret(ctx context.Context, tenantID, clientID, actor string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.RotateClientSecret")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, tenantID, clientID, "", "")

	secret, err := s.Clients.RotateSecret(ctx, tenantID, clientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	s.metrics.RecordClientSecretRotation(ctx, clientID)
	s.record(ctx, security.Event{
		Type:     security.EventClientSecretRotated,
		Actor:    actor,
		TenantID: tenantID,
		ClientID: clientID,
	})

	// The secret is already replaced, so it is returned even when some
	// records could not be revoked
	revoked, err := s.revokeClientTokens(ctx, tenantID, clientID, ReasonSecretRotated, actor)
	if err != nil {
		instrumentation.RecordError(span, err)
		return secret, err
	}

	instrumentation.SetSpanSuccess(span)
	s.Logger.Info("Rotated client secret",
		"tenant_id", tenantID,
		"client_id", clientID,
		"revoked_records", revoked)
	return secret, nil
}

// RevokeClientTokens revokes every live token issued to a client
func (s *Server) RevokeClientTokens(ctx context.Context, tenantID, clientID, actor string) (int, error) {
	return s.revokeClientTokens(ctx, tenantID, clientID, ReasonRevoked, actor)
}

func (s *Server) revokeClientTokens(ctx context.Context, tenantID, clientID, reason, actor string) (int, error) {
	lctx, cancel := withTimeout(ctx, s.Config.StorageTimeout)
	records, err := s.store.ListTokensByClient(lctx, tenantID, clientID)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list client tokens: %w", err)
	}

	var errs []error
	revoked := 0
	for _, record := range records {
		sctx, cancel := detached(ctx, s.Config.StorageTimeout)
		_, err := s.store.RevokeTokenRecord(sctx, tenantID, record.AccessTokenID, s.clock.Now())
		cancel()
		if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			errs = append(errs, err)
			continue
		}
		if err := s.blacklistRecord(ctx, record, reason, actor); err != nil {
			errs = append(errs, err)
			continue
		}
		revoked++
	}

	s.record(ctx, security.Event{
		Type:     security.EventClientTokensRevoked,
		Actor:    actor,
		TenantID: tenantID,
		ClientID: clientID,
		Details:  map[string]any{"records": revoked, "reason": reason},
	})
	if len(errs) > 0 {
		return revoked, fmt.Errorf("failed to revoke %d token records: %w", len(errs), errors.Join(errs...))
	}
	return revoked, nil
}
