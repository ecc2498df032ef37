package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// MinSigningKeyLength is the shortest accepted HS256 key in bytes
const MinSigningKeyLength = 32

// Token use values carried in the token_use claim
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// TypeBearer is the token_type of every issued access token
const TypeBearer = "Bearer"

var (
	// ErrInvalidToken is returned by Parse for anything that is not a well-formed,
	// correctly signed token of this issuer.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenGeneration is returned when signing fails
	ErrTokenGeneration = errors.New("failed to generate token")
)

// Config configures an Issuer
type Config struct {
	// Issuer is the iss claim of every token (the server's base URL)
	Issuer string

	// SigningKey is the HMAC key, at least MinSigningKeyLength bytes
	SigningKey []byte

	// AccessTokenTTL and RefreshTokenTTL apply when a client carries no override
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Clock defaults to the system clock
	Clock security.Clock
}

// Claims is the claim set of issued tokens
type Claims struct {
	TenantID  string `json:"tid"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	TokenUse  string `json:"token_use"`
	GrantType string `json:"gty,omitempty"`
	jwt.RegisteredClaims
}

// Expired reports whether the token is past its exp claim at now
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt == nil || !now.Before(c.ExpiresAt.Time)
}

// Pair is the result of one issuance. RefreshToken is empty for
// client_credentials grants.
type Pair struct {
	AccessToken     string
	AccessTokenID   string
	AccessExpiresAt time.Time

	RefreshToken     string
	RefreshTokenID   string
	RefreshExpiresAt time.Time

	TenantID  string
	ClientID  string
	UserID    string
	Scope     string
	GrantType string
	IssuedAt  time.Time
}

// ExpiresIn is the access token lifetime in seconds
func (p *Pair) ExpiresIn() int64 {
	return int64(p.AccessExpiresAt.Sub(p.IssuedAt) / time.Second)
}

// Record returns the storage record tracking this pair
func (p *Pair) Record() *storage.TokenRecord {
	return &storage.TokenRecord{
		AccessTokenID:    p.AccessTokenID,
		RefreshTokenID:   p.RefreshTokenID,
		TenantID:         p.TenantID,
		ClientID:         p.ClientID,
		UserID:           p.UserID,
		Scope:            p.Scope,
		GrantType:        p.GrantType,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
		CreatedAt:        p.IssuedAt,
	}
}

// Request describes what to mint
type Request struct {
	TenantID  string
	ClientID  string
	UserID    string
	Scope     string
	GrantType string

	// Refresh asks for a refresh token next to the access token
	Refresh bool

	// Zero means the issuer default
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Issuer mints and parses HS256 JWT access and refresh tokens
type Issuer struct {
	issuer     string
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      security.Clock
}

// NewIssuer creates an Issuer
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyLength)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = security.SystemClock{}
	}

	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)

	return &Issuer{
		issuer:     cfg.Issuer,
		key:        key,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		clock:      cfg.Clock,
	}, nil
}

// IssueForAuthorizationCode mints an access and refresh token for a redeemed code
func (i *Issuer) IssueForAuthorizationCode(code *storage.AuthorizationCode, client *storage.Client) (*Pair, error) {
	return i.Issue(Request{
		TenantID:   code.TenantID,
		ClientID:   code.ClientID,
		UserID:     code.UserID,
		Scope:      code.Scope,
		GrantType:  "authorization_code",
		Refresh:    true,
		AccessTTL:  client.AccessTokenTTL,
		RefreshTTL: client.RefreshTokenTTL,
	})
}

// IssueForClientCredentials mints an access token only. The client
// re-authenticates once it expires.
func (i *Issuer) IssueForClientCredentials(client *storage.Client, scope string) (*Pair, error) {
	return i.Issue(Request{
		TenantID:  client.TenantID,
		ClientID:  client.ClientID,
		Scope:     scope,
		GrantType: "client_credentials",
		AccessTTL: client.AccessTokenTTL,
	})
}

// IssueForUser mints a pair for a user authenticated directly at the token endpoint
func (i *Issuer) IssueForUser(client *storage.Client, userID, scope, grantType string) (*Pair, error) {
	return i.Issue(Request{
		TenantID:   client.TenantID,
		ClientID:   client.ClientID,
		UserID:     userID,
		Scope:      scope,
		GrantType:  grantType,
		Refresh:    true,
		AccessTTL:  client.AccessTokenTTL,
		RefreshTTL: client.RefreshTokenTTL,
	})
}

// Issue mints the tokens described by req
func (i *Issuer) Issue(req Request) (*Pair, error) {
	if req.TenantID == "" || req.ClientID == "" {
		return nil, fmt.Errorf("%w: tenant and client are required", ErrTokenGeneration)
	}

	now := i.clock.Now().Truncate(time.Second)
	accessTTL := req.AccessTTL
	if accessTTL <= 0 {
		accessTTL = i.accessTTL
	}

	p := &Pair{
		AccessTokenID:   uuid.NewString(),
		AccessExpiresAt: now.Add(accessTTL),
		TenantID:        req.TenantID,
		ClientID:        req.ClientID,
		UserID:          req.UserID,
		Scope:           req.Scope,
		GrantType:       req.GrantType,
		IssuedAt:        now,
	}

	var err error
	if p.AccessToken, err = i.sign(req, UseAccess, p.AccessTokenID, now, p.AccessExpiresAt); err != nil {
		return nil, err
	}

	if req.Refresh {
		refreshTTL := req.RefreshTTL
		if refreshTTL <= 0 {
			refreshTTL = i.refreshTTL
		}
		p.RefreshTokenID = uuid.NewString()
		p.RefreshExpiresAt = now.Add(refreshTTL)
		if p.RefreshToken, err = i.sign(req, UseRefresh, p.RefreshTokenID, now, p.RefreshExpiresAt); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// sign creates one signed JWT
func (i *Issuer) sign(req Request, use, id string, now, expiresAt time.Time) (string, error) {
	// Client credential tokens act on behalf of the client itself
	subject := req.UserID
	if subject == "" {
		subject = req.ClientID
	}

	claims := &Claims{
		TenantID:  req.TenantID,
		ClientID:  req.ClientID,
		Scope:     req.Scope,
		TokenUse:  use,
		GrantType: req.GrantType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        id,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}
	return signed, nil
}

// Parse verifies signature and structure of raw and returns its claims.
// Expiry is not checked; callers compare against their own clock.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	switch {
	case claims.Issuer != i.issuer:
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	case claims.ID == "", claims.TenantID == "", claims.ClientID == "":
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	case claims.ExpiresAt == nil:
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	case claims.TokenUse != UseAccess && claims.TokenUse != UseRefresh:
		return nil, fmt.Errorf("%w: unknown token_use", ErrInvalidToken)
	}
	return claims, nil
}
