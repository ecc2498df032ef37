package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// VerifyMFA completes a password grant that answered mfa_required. The
// challenge is single use: a wrong code consumes it and the user must log in
// again.
func (s *Server) VerifyMFA(ctx context.Context, req *MFAVerifyRequest) (resp *TokenResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "server.VerifyMFA")
	defer func() { endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.TenantID, req.ClientID, "", "")

	if err := s.allow(ctx, req.TenantID, req.ClientIP, req.ClientID, security.OperationMFAVerify); err != nil {
		return nil, err
	}
	if req.MFAToken == "" || req.Code == "" {
		return nil, ErrInvalidRequest("mfa_token and code are required")
	}

	client, err := s.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}

	challenge, err := s.MFA.ConsumeChallenge(ctx, req.TenantID, req.MFAToken)
	if errors.Is(err, storage.ErrMFAChallengeNotFound) {
		return nil, ErrInvalidGrant(err)
	}
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("failed to consume MFA challenge: %w", err))
	}
	if challenge.ClientID != client.ClientID {
		return nil, ErrInvalidGrant(fmt.Errorf("challenge was issued to another client"))
	}

	method, err := s.MFA.Verify(ctx, req.TenantID, challenge.UserID, req.Code)
	if err != nil {
		s.metrics.RecordMFAVerification(ctx, codeMethod(req.Code), false)
		s.record(ctx, security.Event{
			Type:      security.EventMFAFailure,
			Outcome:   security.OutcomeFailure,
			TenantID:  req.TenantID,
			UserID:    challenge.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		if errors.Is(err, ErrMFACodeInvalid) || errors.Is(err, storage.ErrMFANotEnrolled) {
			return nil, ErrInvalidGrant(err)
		}
		return nil, ErrServerError(err)
	}

	span.SetAttributes(attribute.String(instrumentation.AttrMFAMethod, method))
	s.metrics.RecordMFAVerification(ctx, method, true)
	s.record(ctx, security.Event{
		Type:      security.EventMFAVerified,
		TenantID:  req.TenantID,
		UserID:    challenge.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"method": method},
	})

	pair, err := s.issueForUser(ctx, client, challenge.UserID, challenge.Scope)
	if err != nil {
		return nil, err
	}
	s.tokenIssued(ctx, client, pair, req.ClientIP)
	resp = newTokenResponse(pair)

	if req.RememberDevice {
		deviceToken, err := s.MFA.TrustDevice(ctx, req.TenantID, challenge.UserID)
		if err != nil {
			// Tokens are already issued; the user is asked again next time
			s.Logger.Warn("Failed to remember device", "tenant_id", req.TenantID, "error", err)
		} else {
			resp.DeviceToken = deviceToken
		}
	}
	return resp, nil
}

// EnrollMFA starts TOTP enrollment for a user
func (s *Server) EnrollMFA(ctx context.Context, tenantID, userID, accountName string) (*MFASetup, error) {
	return s.MFA.Enroll(ctx, tenantID, userID, accountName)
}

// ConfirmMFA enables a pending enrollment and returns the user's backup codes.
// They are shown once; only their hashes are kept.
func (s *Server) ConfirmMFA(ctx context.Context, tenantID, userID, code string) ([]string, error) {
	codes, err := s.MFA.Confirm(ctx, tenantID, userID, code)
	if err != nil {
		if errors.Is(err, ErrMFACodeInvalid) {
			s.record(ctx, security.Event{
				Type:     security.EventMFAFailure,
				Outcome:  security.OutcomeFailure,
				TenantID: tenantID,
				UserID:   userID,
				Details:  map[string]any{"stage": "confirm"},
			})
		}
		return nil, err
	}
	s.record(ctx, security.Event{
		Type:     security.EventMFAEnrolled,
		TenantID: tenantID,
		UserID:   userID,
	})
	return codes, nil
}

// DisableMFA removes a user's second factor
func (s *Server) DisableMFA(ctx context.Context, tenantID, userID, actor string) error {
	if err := s.MFA.Disable(ctx, tenantID, userID); err != nil {
		return err
	}
	s.record(ctx, security.Event{
		Type:     security.EventMFADisabled,
		Actor:    actor,
		TenantID: tenantID,
		UserID:   userID,
	})
	return nil
}

// RegenerateBackupCodes invalidates a user's backup codes and returns new ones
func (s *Server) RegenerateBackupCodes(ctx context.Context, tenantID, userID string) ([]string, error) {
	codes, err := s.MFA.RegenerateBackupCodes(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, security.Event{
		Type:     security.EventBackupCodesRegenerated,
		TenantID: tenantID,
		UserID:   userID,
	})
	return codes, nil
}
