package server

import (
	"context"
	"fmt"

	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/token"
)

// Introspection is an RFC 7662 response. Inactive tokens carry Active only.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TenantID  string `json:"tid,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	TokenUse  string `json:"token_use,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

// Introspector reports token validity, consulting expiry and the revocation registry
type Introspector struct {
	issuer      *token.Issuer
	revocations *RevocationRegistry
	clock       security.Clock
}

// NewIntrospector creates an Introspector
func NewIntrospector(issuer *token.Issuer, revocations *RevocationRegistry, clock security.Clock) *Introspector {
	return &Introspector{
		issuer:      issuer,
		revocations: revocations,
		clock:       clock,
	}
}

// inspect runs the checks cheapest first: signature and structure, tenant,
// revocation lookup, expiry. A nil claim set means inactive.
func (i *Introspector) inspect(ctx context.Context, tenantID, raw string) (*token.Claims, error) {
	claims, err := i.issuer.Parse(raw)
	if err != nil {
		return nil, nil
	}
	if claims.TenantID != tenantID {
		return nil, nil
	}

	revoked, err := i.revocations.IsRevoked(ctx, tenantID, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, nil
	}

	if claims.Expired(i.clock.Now()) {
		return nil, nil
	}
	return claims, nil
}

// Introspect reports whether raw is an active token of the tenant
func (i *Introspector) Introspect(ctx context.Context, tenantID, raw string) (*Introspection, error) {
	claims, err := i.inspect(ctx, tenantID, raw)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if claims == nil {
		return &Introspection{Active: false}, nil
	}

	out := &Introspection{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TenantID:  claims.TenantID,
		TokenUse:  claims.TokenUse,
		ExpiresAt: claims.ExpiresAt.Unix(),
		Issuer:    claims.Issuer,
		JTI:       claims.ID,
	}
	if claims.TokenUse == token.UseAccess {
		out.TokenType = token.TypeBearer
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Unix()
	}
	return out, nil
}

// ValidateAccessToken returns the claims of an active access token.
// Refresh tokens are not accepted as bearer credentials.
func (i *Introspector) ValidateAccessToken(ctx context.Context, tenantID, raw string) (*token.Claims, error) {
	claims, err := i.inspect(ctx, tenantID, raw)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if claims == nil || claims.TokenUse != token.UseAccess {
		return nil, ErrInvalidGrant(fmt.Errorf("token is not an active access token"))
	}
	return claims, nil
}
