package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/token"
)

// ResponseTypeCode is the only supported response_type
const ResponseTypeCode = "code"

// limitKey picks what the limiter counts: the caller address when known,
// otherwise the client.
func limitKey(clientIP, clientID string) string {
	if clientIP != "" {
		return clientIP
	}
	return clientID
}

// endSpan records the outcome of an operation on its span
func endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
		span.SetAttributes(attribute.String(instrumentation.AttrError, ErrorCode(err)))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

// Authorize validates an authorization request for an authenticated user and
// issues a code. Problems with the client or redirect URI are returned
// without a result and must be shown to the user, never redirected. Later
// problems come back with a result whose RedirectURL carries the error.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (result *AuthorizeResult, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer func() { endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.TenantID, req.ClientID, req.UserID, req.Scope)

	result, err = s.authorize(ctx, req)
	if err != nil {
		s.record(ctx, security.Event{
			Type:      security.EventAuthorizationDenied,
			Outcome:   security.OutcomeFailure,
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"error": ErrorCode(err)},
		})
	}
	return result, err
}

func (s *Server) authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResult, error) {
	if err := s.allow(ctx, req.TenantID, req.ClientIP, req.ClientID, security.OperationAuthorize); err != nil {
		return nil, err
	}

	client, err := s.Clients.Validate(ctx, req.TenantID, req.ClientID)
	if err != nil {
		return nil, clientLookupError(err)
	}
	if !s.Clients.IsValidRedirectURI(client, req.RedirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is not registered for the client")
	}
	if req.UserID == "" {
		return nil, ErrInvalidRequest("an authenticated user is required")
	}

	// From here on the redirect URI is trusted and errors go back to the client
	deny := func(err error) (*AuthorizeResult, error) {
		e := toError(err)
		return &AuthorizeResult{RedirectURL: errorRedirect(req.RedirectURI, e, req.State)}, e
	}

	if req.ResponseType != ResponseTypeCode {
		return deny(ErrUnsupportedResponseType())
	}
	if !s.Clients.SupportsGrant(client, GrantTypeAuthorizationCode) {
		return deny(ErrUnauthorizedClient("client is not allowed to use the authorization code flow"))
	}
	scope, err := s.resolveScope(client, req.Scope)
	if err != nil {
		return deny(err)
	}
	pkce, err := s.authorizePKCE(ctx, client, req)
	if err != nil {
		return deny(err)
	}
	if !client.AutoApprove && !req.Consent {
		return deny(ErrAccessDenied("the user did not approve the request"))
	}

	code, err := s.Codes.Issue(ctx, client, req.UserID, req.RedirectURI, scope, req.State, pkce)
	if err != nil {
		return deny(err)
	}

	s.metrics.RecordCodeIssued(ctx, client.ClientID)
	s.record(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"scope": scope, "pkce": pkce != nil},
	})

	return &AuthorizeResult{
		RedirectURL: codeRedirect(req.RedirectURI, code.Code, req.State),
		Code:        code.Code,
	}, nil
}

func (s *Server) authorizePKCE(ctx context.Context, client *storage.Client, req *AuthorizeRequest) (*PKCE, error) {
	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return nil, ErrInvalidRequest("code_challenge_method given without code_challenge")
		}
		if client.ClientType == ClientTypePublic && s.Config.RequirePKCE {
			s.metrics.RecordPKCEValidationFailed(ctx, "none")
			return nil, ErrInvalidRequest("code_challenge is required for public clients")
		}
		return nil, nil
	}

	method, err := ValidateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod, s.Config.AllowPKCEPlain)
	if err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		return nil, err
	}
	return &PKCE{Challenge: req.CodeChallenge, Method: method}, nil
}

// resolveScope defaults an empty request to every scope of the client
func (s *Server) resolveScope(client *storage.Client, requested string) (string, error) {
	scopes := util.ParseScope(requested)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !util.ScopeSubset(scopes, client.Scopes) {
		return "", ErrInvalidScope("requested scope is not allowed for the client")
	}
	if len(s.Config.SupportedScopes) > 0 && !util.ScopeSubset(scopes, s.Config.SupportedScopes) {
		return "", ErrInvalidScope("requested scope is not supported")
	}
	return util.JoinScope(scopes), nil
}

func codeRedirect(redirectURI, code, state string) string {
	params := url.Values{"code": {code}}
	if state != "" {
		params.Set("state", state)
	}
	return appendQuery(redirectURI, params)
}

func errorRedirect(redirectURI string, e *Error, state string) string {
	params := url.Values{"error": {e.Code}}
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return appendQuery(redirectURI, params)
}

// appendQuery merges params into the query of a registered redirect URI
func appendQuery(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func clientLookupError(err error) error {
	if errors.Is(err, storage.ErrClientNotFound) || errors.Is(err, ErrClientInactive) {
		return ErrInvalidClient(err)
	}
	return ErrServerError(fmt.Errorf("failed to look up client: %w", err))
}

// authenticateClient accepts a public client by ID alone and requires the
// secret of a confidential one.
func (s *Server) authenticateClient(ctx context.Context, tenantID, clientID, secret, clientIP string) (*storage.Client, error) {
	var (
		client *storage.Client
		err    error
	)
	if secret == "" {
		client, err = s.Clients.Validate(ctx, tenantID, clientID)
		switch {
		case err != nil:
			err = clientLookupError(err)
		case client.ClientType != ClientTypePublic:
			err = ErrInvalidClient(fmt.Errorf("confidential client sent no secret"))
		}
	} else {
		client, err = s.Clients.Authenticate(ctx, tenantID, clientID, secret)
	}

	if err != nil {
		if ErrorCode(err) == ErrorCodeInvalidClient {
			s.record(ctx, security.Event{
				Type:      security.EventClientAuthFailure,
				Outcome:   security.OutcomeFailure,
				TenantID:  tenantID,
				ClientID:  clientID,
				IPAddress: clientIP,
			})
		}
		return nil, err
	}
	return client, nil
}

// Token serves every supported grant
func (s *Server) Token(ctx context.Context, req *TokenRequest) (resp *TokenResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Token")
	defer func() { endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.TenantID, req.ClientID, "", req.Scope)
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, req.GrantType))

	return s.token(ctx, req)
}

func (s *Server) token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if err := s.allow(ctx, req.TenantID, req.ClientIP, req.ClientID, security.OperationToken); err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken:
	case GrantTypePassword:
		if s.users == nil {
			return nil, ErrUnsupportedGrantType(req.GrantType)
		}
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType(req.GrantType)
	}

	client, err := s.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !s.Clients.SupportsGrant(client, req.GrantType) {
		return nil, ErrUnauthorizedClient(fmt.Sprintf("client is not allowed to use grant type %q", req.GrantType))
	}

	var pair *token.Pair
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		pair, err = s.exchangeCode(ctx, client, req)
	case GrantTypeClientCredentials:
		pair, err = s.clientCredentials(ctx, client, req)
	case GrantTypeRefreshToken:
		pair, err = s.refresh(ctx, client, req)
	case GrantTypePassword:
		pair, err = s.passwordGrant(ctx, client, req)
	}
	if err != nil {
		return nil, err
	}

	s.tokenIssued(ctx, client, pair, req.ClientIP)
	return newTokenResponse(pair), nil
}

func (s *Server) tokenIssued(ctx context.Context, client *storage.Client, pair *token.Pair, clientIP string) {
	s.metrics.RecordTokenIssued(ctx, client.ClientID, pair.GrantType)
	s.record(ctx, security.Event{
		Type:      security.EventTokenIssued,
		TenantID:  pair.TenantID,
		UserID:    pair.UserID,
		ClientID:  client.ClientID,
		IPAddress: clientIP,
		Details: map[string]any{
			"grant_type": pair.GrantType,
			"scope":      pair.Scope,
			"refresh":    pair.RefreshToken != "",
		},
	})
}

func (s *Server) exchangeCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*token.Pair, error) {
	code, err := s.Codes.Redeem(ctx, req.TenantID, req.Code, client.ClientID, req.RedirectURI)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			s.metrics.RecordCodeReplayDetected(ctx)
			s.record(ctx, security.Event{
				Type:      security.EventAuthorizationCodeReplay,
				Outcome:   security.OutcomeFailure,
				TenantID:  req.TenantID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"code_prefix": util.SafeTruncate(req.Code, codeLogPrefix)},
			})
		}
		return nil, err
	}

	// The code is already consumed, so a wrong verifier burns it
	if err := ValidatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		s.record(ctx, security.Event{
			Type:      security.EventInvalidPKCE,
			Outcome:   security.OutcomeFailure,
			TenantID:  req.TenantID,
			UserID:    code.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"method": code.CodeChallengeMethod},
		})
		return nil, err
	}

	pair, err := s.issuer.IssueForAuthorizationCode(code, client)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if err := s.saveRecord(ctx, pair); err != nil {
		return nil, err
	}
	s.metrics.RecordCodeRedeemed(ctx, client.ClientID, code.CodeChallengeMethod)
	return pair, nil
}

func (s *Server) clientCredentials(ctx context.Context, client *storage.Client, req *TokenRequest) (*token.Pair, error) {
	if client.ClientType != ClientTypeConfidential {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}
	scope, err := s.resolveScope(client, req.Scope)
	if err != nil {
		return nil, err
	}

	pair, err := s.issuer.IssueForClientCredentials(client, scope)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if err := s.saveRecord(ctx, pair); err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *Server) refresh(ctx context.Context, client *storage.Client, req *TokenRequest) (*token.Pair, error) {
	pair, err := s.Rotation.Rotate(ctx, req.TenantID, client, req.RefreshToken, req.Scope)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenReplay) {
			s.metrics.RecordRefreshReplayDetected(ctx)
			s.record(ctx, security.Event{
				Type:      security.EventRefreshTokenReplay,
				Outcome:   security.OutcomeFailure,
				TenantID:  req.TenantID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
			})
		}
		return nil, err
	}

	s.metrics.RecordTokenRefresh(ctx, client.ClientID, s.Config.AllowRefreshTokenRotation)
	s.record(ctx, security.Event{
		Type:      security.EventTokenRefreshed,
		TenantID:  req.TenantID,
		UserID:    pair.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"rotated": s.Config.AllowRefreshTokenRotation},
	})
	return pair, nil
}

// passwordGrant checks the resource owner's credentials. Users with a
// confirmed second factor get mfa_required unless the device is trusted.
func (s *Server) passwordGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*token.Pair, error) {
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}
	scope, err := s.resolveScope(client, req.Scope)
	if err != nil {
		return nil, err
	}

	user, err := s.checkPassword(ctx, req)
	if err != nil {
		return nil, err
	}

	enabled, err := s.MFA.IsEnabled(ctx, req.TenantID, user.ID)
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("failed to load MFA enrollment: %w", err))
	}
	if enabled {
		trusted, err := s.MFA.IsTrustedDevice(ctx, req.TenantID, user.ID, req.DeviceToken)
		if err != nil {
			return nil, ErrServerError(fmt.Errorf("failed to check trusted device: %w", err))
		}
		if !trusted {
			challenge, err := s.MFA.NewChallenge(ctx, req.TenantID, user.ID, client.ClientID, scope)
			if err != nil {
				return nil, ErrServerError(err)
			}
			s.record(ctx, security.Event{
				Type:      security.EventMFAChallengeIssued,
				TenantID:  req.TenantID,
				UserID:    user.ID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
			})
			return nil, ErrMFARequired(challenge.ID)
		}
		s.metrics.RecordMFAVerification(ctx, MFAMethodTrustedDevice, true)
		s.record(ctx, security.Event{
			Type:      security.EventTrustedDeviceUsed,
			TenantID:  req.TenantID,
			UserID:    user.ID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
	}

	return s.issueForUser(ctx, client, user.ID, scope)
}

func (s *Server) issueForUser(ctx context.Context, client *storage.Client, userID, scope string) (*token.Pair, error) {
	pair, err := s.issuer.IssueForUser(client, userID, scope, GrantTypePassword)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if err := s.saveRecord(ctx, pair); err != nil {
		return nil, err
	}
	return pair, nil
}

// checkPassword resolves and verifies the user. Unknown, disabled and wrong
// password all look the same to the caller.
func (s *Server) checkPassword(ctx context.Context, req *TokenRequest) (*storage.User, error) {
	ctx, cancel := withTimeout(ctx, s.Config.StorageTimeout)
	defer cancel()

	fail := func(reason string) error {
		s.record(ctx, security.Event{
			Type:      security.EventUserAuthFailure,
			Outcome:   security.OutcomeFailure,
			TenantID:  req.TenantID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"reason": reason},
		})
		return ErrInvalidGrant(fmt.Errorf("user authentication failed: %s", reason))
	}

	user, err := s.users.FindByEmail(ctx, req.TenantID, req.Username)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, fail("unknown user")
	}
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("failed to look up user: %w", err))
	}
	if user.Disabled {
		return nil, fail("user disabled")
	}

	ok, err := s.users.VerifyPassword(ctx, req.TenantID, user.ID, req.Password)
	if err != nil {
		return nil, ErrServerError(fmt.Errorf("failed to verify password: %w", err))
	}
	if !ok {
		return nil, fail("wrong password")
	}
	return user, nil
}
