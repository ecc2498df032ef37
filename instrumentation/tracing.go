package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never record token values, authorization codes, client secrets,
// TOTP codes or backup codes in traces or metrics. Only record metadata such
// as grant types, token kinds and validation results.
const (
	AttrClientID     = "oauth.client_id"
	AttrUserID       = "oauth.user_id"
	AttrTenantID     = "oauth.tenant_id"
	AttrScope        = "oauth.scope"
	AttrGrantType    = "oauth.grant_type"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrTokenKind    = "oauth.token.kind"    //nolint:gosec // token kind, not a token
	AttrTokenRotated = "oauth.token.rotated" //nolint:gosec
	AttrTokenActive  = "oauth.token.active"  //nolint:gosec
	AttrMFAMethod    = "oauth.mfa.method"
	AttrError        = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrRateLimitOperation = "security.rate_limit.operation"
	AttrClientIP           = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the common flow attributes that are set (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, tenantID, clientID, userID, scope string) {
	if span == nil {
		return
	}
	var attrs []attribute.KeyValue
	if tenantID != "" {
		attrs = append(attrs, attribute.String(AttrTenantID, tenantID))
	}
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	span.SetAttributes(attrs...)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
