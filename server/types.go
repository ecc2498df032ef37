package server

import (
	"github.com/giantswarm/idp-oauth/token"
)

// AuthorizeRequest is a parsed authorization request. UserID identifies the
// already authenticated end user; Consent is their explicit approval for
// clients that are not auto-approved.
type AuthorizeRequest struct {
	TenantID            string
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	Consent             bool
	ClientIP            string
}

// AuthorizeResult carries the redirect back to the client. When Authorize
// returns an error together with a result, RedirectURL delivers that error.
type AuthorizeResult struct {
	RedirectURL string
	Code        string
}

// TokenRequest is a token endpoint request for any supported grant
type TokenRequest struct {
	TenantID     string
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	Scope string

	// password
	Username    string
	Password    string
	DeviceToken string

	ClientIP string
}

// TokenResponse is the RFC 6749 section 5.1 response body
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// DeviceToken is set when a second-factor verification asked to remember the device
	DeviceToken string `json:"device_token,omitempty"`
}

func newTokenResponse(pair *token.Pair) *TokenResponse {
	return &TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    token.TypeBearer,
		ExpiresIn:    pair.ExpiresIn(),
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	}
}

// RevokeRequest is an RFC 7009 revocation request
type RevokeRequest struct {
	TenantID      string
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	ClientIP      string
}

// IntrospectRequest is an RFC 7662 introspection request
type IntrospectRequest struct {
	TenantID     string
	Token        string
	ClientID     string
	ClientSecret string
	ClientIP     string
}

// MFAVerifyRequest completes a password grant that answered mfa_required
type MFAVerifyRequest struct {
	TenantID       string
	MFAToken       string
	Code           string
	ClientID       string
	ClientSecret   string
	RememberDevice bool
	ClientIP       string
}
