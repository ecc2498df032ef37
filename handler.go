package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/token"
)

const (
	tokenTypeBearer   = "Bearer"
	retryAfterSeconds = "60"

	// Upper bound of a form-encoded request body
	maxFormBytes = 64 << 10
)

// Endpoint paths registered by RegisterRoutes
const (
	PathAuthorize  = "/oauth/authorize"
	PathToken      = "/oauth/token"
	PathRevoke     = "/oauth/revoke"
	PathIntrospect = "/oauth/introspect"
	PathMFAVerify  = "/oauth/mfa/verify"
)

type claimsContextKey struct{}

// ContextWithClaims stores validated token claims in the context
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by ValidateToken
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok
}

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:  server,
		logger:  logger,
		tracer:  server.Instrumentation.Tracer("http"),
		metrics: server.Instrumentation.Metrics(),
	}
}

// RegisterRoutes mounts every endpoint on mux, each wrapped with request IDs
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		path     string
		endpoint string
		serve    http.HandlerFunc
	}{
		{PathAuthorize, "authorize", h.ServeAuthorization},
		{PathToken, "token", h.ServeToken},
		{PathRevoke, "revoke", h.ServeTokenRevocation},
		{PathIntrospect, "introspect", h.ServeIntrospection},
		{PathMFAVerify, "mfa_verify", h.ServeMFAVerify},
	}
	for _, route := range routes {
		mux.Handle(route.path, security.RequestIDMiddleware(h.instrument(route.endpoint, route.serve)))
	}
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps an endpoint with a span and HTTP request metrics
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, float64(time.Since(start).Milliseconds()))
	})
}

// ValidateToken is middleware that validates bearer access tokens and stores
// their claims in the request context
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := h.resolveTenant(w, r)
		if !ok {
			return
		}

		accessToken := bearerToken(r)
		if accessToken == "" {
			h.writeError(w, ErrInvalidToken("Missing or malformed Authorization header"))
			return
		}

		claims, err := h.server.ValidateToken(r.Context(), tenantID, accessToken)
		if err != nil {
			h.logger.Warn("Token validation failed",
				"tenant_id", tenantID,
				"ip", h.clientIP(r),
				"request_id", security.GetRequestID(r.Context()),
				"error", err)
			if server.ErrorCode(err) == server.ErrorCodeServerError {
				h.writeError(w, FromError(err))
				return
			}
			h.writeError(w, ErrInvalidToken("Token validation failed"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// bearerToken extracts the token of an "Authorization: Bearer" header
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ServeAuthorization handles OAuth authorization requests
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	session, err := h.resolveSession(r, tenantID)
	if err != nil {
		h.logger.Error("Failed to resolve session", "tenant_id", tenantID, "error", err)
		h.writeError(w, ErrServerError("Failed to resolve session"))
		return
	}
	if session == nil && h.server.config.LoginURL != "" {
		h.redirect(w, r, appendQuery(h.server.config.LoginURL, url.Values{"return_to": {r.URL.RequestURI()}}))
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizeRequest{
		TenantID:            tenantID,
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientIP:            h.clientIP(r),
	}
	if session != nil {
		req.UserID = session.UserID
		req.Consent = session.Consent
	}

	result, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		// Redirectable errors go back to the client, the rest are shown here
		if result != nil && result.RedirectURL != "" {
			h.redirect(w, r, result.RedirectURL)
			return
		}
		h.writeError(w, FromError(err))
		return
	}

	h.redirect(w, r, result.RedirectURL)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.parsePost(w, r)
	if !ok {
		return
	}

	clientID, clientSecret := clientCredentials(r)
	resp, err := h.server.Token(r.Context(), &server.TokenRequest{
		TenantID:     tenantID,
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		DeviceToken:  r.PostFormValue("device_token"),
		ClientIP:     h.clientIP(r),
	})
	if err != nil {
		h.writeError(w, FromError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.parsePost(w, r)
	if !ok {
		return
	}

	tok := r.PostFormValue("token")
	if tok == "" {
		h.writeError(w, FromError(server.ErrInvalidRequest("token is required")))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	err := h.server.Revoke(r.Context(), &server.RevokeRequest{
		TenantID:      tenantID,
		Token:         tok,
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		ClientIP:      h.clientIP(r),
	})
	if err != nil {
		h.writeError(w, FromError(err))
		return
	}

	// Per RFC 7009, unknown and already revoked tokens also answer 200
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospection handles the RFC 7662 introspection endpoint
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.parsePost(w, r)
	if !ok {
		return
	}

	clientID, clientSecret := clientCredentials(r)
	result, err := h.server.Introspect(r.Context(), &server.IntrospectRequest{
		TenantID:     tenantID,
		Token:        r.PostFormValue("token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		ClientIP:     h.clientIP(r),
	})
	if err != nil {
		h.writeError(w, FromError(err))
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Bool(instrumentation.AttrTokenActive, result.Active))
	h.writeJSON(w, http.StatusOK, result)
}

// ServeMFAVerify completes a password grant that answered mfa_required
func (h *Handler) ServeMFAVerify(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.parsePost(w, r)
	if !ok {
		return
	}

	remember, _ := strconv.ParseBool(r.PostFormValue("remember_device"))
	clientID, clientSecret := clientCredentials(r)
	resp, err := h.server.VerifyMFA(r.Context(), &server.MFAVerifyRequest{
		TenantID:       tenantID,
		MFAToken:       r.PostFormValue("mfa_token"),
		Code:           r.PostFormValue("code"),
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		RememberDevice: remember,
		ClientIP:       h.clientIP(r),
	})
	if err != nil {
		h.writeError(w, FromError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Helper methods

// parsePost checks the method, parses the form body and resolves the tenant.
// It writes the error response itself and reports whether to continue.
func (h *Handler) parsePost(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, FromError(server.ErrInvalidRequest("Failed to parse request")))
		return "", false
	}

	return h.resolveTenant(w, r)
}

func (h *Handler) resolveTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := h.server.tenants.ResolveTenant(r)
	if err != nil {
		h.logger.Debug("Request without tenant", "path", r.URL.Path, "error", err)
		h.writeError(w, FromError(server.ErrInvalidRequest("tenant could not be determined")))
		return "", false
	}
	return tenantID, true
}

func (h *Handler) resolveSession(r *http.Request, tenantID string) (*Session, error) {
	if h.server.sessions == nil {
		return nil, nil
	}
	return h.server.sessions.ResolveSession(r, tenantID)
}

func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.config.Security
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

// clientCredentials reads client_secret_basic, falling back to
// client_secret_post. Basic credentials are form-encoded (RFC 6749 section 2.3.1).
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, location string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, location, http.StatusFound)
}

func appendQuery(rawURL string, values url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + values.Encode()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError writes an RFC 6749 section 5.2 error body. 401 responses carry a
// WWW-Authenticate challenge; 429 responses carry Retry-After.
func (h *Handler) writeError(w http.ResponseWriter, e *OAuthError) {
	switch {
	case e.Code == ErrorCodeInvalidClient:
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	case e.Status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(e.Code, e.Description))
	case e.Status == http.StatusTooManyRequests:
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	body := map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	}
	if e.MFAToken != "" {
		body["mfa_token"] = e.MFAToken
	}
	h.writeJSON(w, e.Status, body)
}

func formatWWWAuthenticate(code, description string) string {
	return fmt.Sprintf("%s error=%q, error_description=%q", tokenTypeBearer, code, description)
}
