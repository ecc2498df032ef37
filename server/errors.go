package server

import (
	"context"
	"errors"
	"fmt"
)

// OAuth error codes (RFC 6749 section 5.2 plus the extensions used here).
// The root package maps them to HTTP status codes.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeMFARequired             = "mfa_required"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeServerError             = "server_error"
)

// ErrClientInactive is returned by ClientRegistry.Validate for disabled clients
var ErrClientInactive = errors.New("client inactive")

// Error is a protocol-visible failure. Description is safe to show to the
// caller; Err is the internal cause and is only logged.
type Error struct {
	Code        string
	Description string

	// MFAToken identifies the pending challenge of an mfa_required error
	MFAToken string

	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the internal cause
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Err: cause}
}

// ErrInvalidRequest indicates a malformed request or a missing parameter
func ErrInvalidRequest(description string) *Error {
	return newError(ErrorCodeInvalidRequest, description, nil)
}

// ErrInvalidClient indicates failed client authentication. The description
// never says which check failed.
func ErrInvalidClient(cause error) *Error {
	return newError(ErrorCodeInvalidClient, "client authentication failed", cause)
}

// ErrInvalidGrant indicates an expired, used or mismatched code or refresh token
func ErrInvalidGrant(cause error) *Error {
	return newError(ErrorCodeInvalidGrant, "the provided authorization grant is invalid", cause)
}

// ErrUnauthorizedClient indicates the client may not use the grant type
func ErrUnauthorizedClient(description string) *Error {
	return newError(ErrorCodeUnauthorizedClient, description, nil)
}

// ErrInvalidScope indicates a scope outside the client's allowed set
func ErrInvalidScope(description string) *Error {
	return newError(ErrorCodeInvalidScope, description, nil)
}

// ErrUnsupportedGrantType indicates an unknown grant_type
func ErrUnsupportedGrantType(grantType string) *Error {
	return newError(ErrorCodeUnsupportedGrantType, fmt.Sprintf("grant type %q is not supported", grantType), nil)
}

// ErrUnsupportedResponseType indicates a response_type other than code
func ErrUnsupportedResponseType() *Error {
	return newError(ErrorCodeUnsupportedResponseType, "only response_type=code is supported", nil)
}

// ErrAccessDenied indicates the resource owner did not grant the request
func ErrAccessDenied(description string) *Error {
	return newError(ErrorCodeAccessDenied, description, nil)
}

// ErrMFARequired asks the caller to complete the challenge identified by mfaToken
func ErrMFARequired(mfaToken string) *Error {
	return &Error{
		Code:        ErrorCodeMFARequired,
		Description: "a second authentication factor is required",
		MFAToken:    mfaToken,
	}
}

// ErrRateLimitExceeded is returned when the limiter denies an operation
func ErrRateLimitExceeded() *Error {
	return newError(ErrorCodeRateLimitExceeded, "too many requests", nil)
}

// ErrServerError wraps an unexpected failure
func ErrServerError(cause error) *Error {
	return newError(ErrorCodeServerError, "the server encountered an unexpected condition", cause)
}

// toError downgrades anything that is not an *Error to server_error
func toError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorCodeServerError, "the server timed out", err)
	}
	return ErrServerError(err)
}

// ErrorCode returns the protocol code of err, server_error for foreign errors
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	return toError(err).Code
}
