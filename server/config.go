package server

import (
	"log/slog"
	"time"
)

// Default lifetimes and bounds
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultStorageTimeout       = 2 * time.Second
	DefaultRevokedRetention     = 30 * 24 * time.Hour
	DefaultMFAChallengeTTL      = 5 * time.Minute
	DefaultTrustedDeviceTTL     = 30 * 24 * time.Hour
	DefaultSweepInterval        = 5 * time.Minute
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL), the iss claim of every token
	Issuer string

	// SigningKey is the HS256 key for access and refresh tokens (at least 32 bytes)
	SigningKey []byte

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// AccessTokenTTL is how long access tokens are valid unless the client overrides it
	AccessTokenTTL time.Duration // default: 1 hour

	// RefreshTokenTTL is how long refresh tokens are valid unless the client overrides it
	RefreshTokenTTL time.Duration // default: 30 days

	// AllowRefreshTokenRotation issues a new refresh token on every refresh and
	// blacklists the old one. When false the refresh token stays valid until its
	// original expiry and only the access token is replaced.
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool

	// RequirePKCE makes code_challenge mandatory for public clients
	// Default: true
	RequirePKCE bool

	// SupportedScopes restricts scopes server-wide. Empty allows any scope a client has.
	SupportedScopes []string

	// StorageTimeout bounds every storage and user store call
	StorageTimeout time.Duration // default: 2 seconds

	// RevokedRetention keeps revoked token records this long past their final expiry
	RevokedRetention time.Duration // default: 30 days

	// MFAIssuer labels TOTP secrets in authenticator apps
	MFAIssuer string

	// MFAChallengeTTL is how long a pending second-factor challenge lives
	MFAChallengeTTL time.Duration // default: 5 minutes

	// TrustedDeviceTTL is how long "remember this device" skips the second factor
	TrustedDeviceTTL time.Duration // default: 30 days

	// SweepInterval is how often the Sweeper purges expired state
	SweepInterval time.Duration // default: 5 minutes
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	setDefault(&config.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	setDefault(&config.AccessTokenTTL, DefaultAccessTokenTTL)
	setDefault(&config.RefreshTokenTTL, DefaultRefreshTokenTTL)
	setDefault(&config.StorageTimeout, DefaultStorageTimeout)
	setDefault(&config.RevokedRetention, DefaultRevokedRetention)
	setDefault(&config.MFAChallengeTTL, DefaultMFAChallengeTTL)
	setDefault(&config.TrustedDeviceTTL, DefaultTrustedDeviceTTL)
	setDefault(&config.SweepInterval, DefaultSweepInterval)
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCE = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is not required for public clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-1")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if !config.AllowRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Set AllowRefreshTokenRotation=true",
			"refresh_token_ttl", config.RefreshTokenTTL.String())
	}
}
