package oauth

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
)

// DefaultTenantHeader carries the tenant of every request unless configured otherwise
const DefaultTenantHeader = "X-Tenant-ID"

// Config holds the identity provider configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Server configures token lifetimes, PKCE policy and rotation
	Server server.Config

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation configures OpenTelemetry
	Instrumentation InstrumentationConfig

	// TenantHeader overrides DefaultTenantHeader for the default tenant resolver
	TenantHeader string

	// LoginURL receives unauthenticated authorization requests with a
	// return_to parameter. Empty answers them with access_denied.
	LoginURL string
}

// RateLimitConfig holds rate limiting configuration.
// RedisAddr selects the distributed limiter; otherwise Rate enables the
// local one. Leaving both unset disables limiting.
type RateLimitConfig struct {
	// Rate is requests per second allowed per tenant and caller. Zero disables local limiting.
	Rate float64

	// Burst is the maximum burst size allowed per tenant and caller.
	Burst int

	// OperationRates overrides Rate for specific operations (security.Operation*)
	OperationRates map[string]security.Rate

	// MaxEntries bounds the number of tracked callers. Default: 10000
	MaxEntries int

	// RedisAddr enables the shared limiter for multi-instance deployments
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RequestsPerMinute is the shared limiter's default window limit
	RequestsPerMinute int64

	// OperationLimits overrides RequestsPerMinute for specific operations
	OperationLimits map[string]int64
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for TOTP secrets at rest.
	// Nil disables encryption. Generate with security.GenerateKey().
	EncryptionKey []byte

	// EnableAuditLogging writes security events to the logger (sensitive data hashed)
	EnableAuditLogging bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server. Default: 1
	TrustedProxyCount int
}

// InstrumentationConfig configures tracing and metrics
type InstrumentationConfig struct {
	// Enabled switches from no-op providers to the OpenTelemetry SDK
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// LogClientIPs attaches client addresses to spans
	LogClientIPs bool

	// MetricReader and SpanExporter receive collected telemetry. Optional.
	MetricReader sdkmetric.Reader
	SpanExporter sdktrace.SpanExporter
}

func (c *Config) tenantHeader() string {
	if c.TenantHeader == "" {
		return DefaultTenantHeader
	}
	return c.TenantHeader
}
