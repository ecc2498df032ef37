package oauth

import (
	"errors"
	"net/http"
	"regexp"
)

// ErrNoTenant is returned when a request does not identify a tenant
var ErrNoTenant = errors.New("tenant not identified")

// Tenant IDs become part of storage keys, so only a safe alphabet is accepted
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// TenantResolver determines which tenant a request belongs to
type TenantResolver interface {
	ResolveTenant(r *http.Request) (string, error)
}

// TenantResolverFunc adapts a function to TenantResolver
type TenantResolverFunc func(r *http.Request) (string, error)

// ResolveTenant implements TenantResolver
func (f TenantResolverFunc) ResolveTenant(r *http.Request) (string, error) {
	return f(r)
}

// HeaderTenantResolver reads the tenant from a request header, typically set
// by the ingress from the request host.
type HeaderTenantResolver struct {
	Header string
}

// ResolveTenant implements TenantResolver
func (h HeaderTenantResolver) ResolveTenant(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = DefaultTenantHeader
	}
	tenantID := r.Header.Get(header)
	if !tenantIDPattern.MatchString(tenantID) {
		return "", ErrNoTenant
	}
	return tenantID, nil
}

// Session is the authenticated end user of an authorization request
type Session struct {
	UserID string

	// Consent is the user's explicit approval of the pending request,
	// required for clients that are not auto-approved.
	Consent bool
}

// SessionResolver identifies the logged-in user of a request. It returns nil
// when the request carries no session.
type SessionResolver interface {
	ResolveSession(r *http.Request, tenantID string) (*Session, error)
}

// SessionResolverFunc adapts a function to SessionResolver
type SessionResolverFunc func(r *http.Request, tenantID string) (*Session, error)

// ResolveSession implements SessionResolver
func (f SessionResolverFunc) ResolveSession(r *http.Request, tenantID string) (*Session, error) {
	return f(r, tenantID)
}
