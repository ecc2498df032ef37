package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/idp-oauth/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeMFARequired             = server.ErrorCodeMFARequired
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded

	// ErrorCodeInvalidToken is the RFC 6750 bearer token error
	ErrorCodeInvalidToken = "invalid_token"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	// MFAToken is returned with mfa_required so the client can call the MFA endpoint
	MFAToken string
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// StatusForCode maps an error code to the HTTP status of its response
func StatusForCode(code string) int {
	switch code {
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied, ErrorCodeMFARequired:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// FromError converts any error to the response sent to the caller.
// Foreign errors become server_error; their detail never reaches the caller.
func FromError(err error) *OAuthError {
	if err == nil {
		return nil
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	var se *server.Error
	if errors.As(err, &se) {
		e := NewOAuthError(se.Code, se.Description, StatusForCode(se.Code))
		e.MFAToken = se.MFAToken
		return e
	}
	return ErrServerError("the server encountered an unexpected condition")
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrRateLimitExceeded indicates the caller must slow down
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)
