package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// Client type constants
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Grant type constants
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
)

// dummySecretHash is compared against when a client does not exist, so the
// bcrypt cost is paid on every authentication attempt (bcrypt hash of "test").
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientRegistry validates client identity, redirect URIs, scopes and grant eligibility
type ClientRegistry struct {
	store      storage.ClientStore
	clock      security.Clock
	timeout    time.Duration
	bcryptCost int
	logger     *slog.Logger
}

// NewClientRegistry creates a ClientRegistry
func NewClientRegistry(store storage.ClientStore, clock security.Clock, timeout time.Duration, logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		store:      store,
		clock:      clock,
		timeout:    timeout,
		bcryptCost: bcrypt.DefaultCost,
		logger:     logger,
	}
}

// Validate returns an active client of the tenant.
// Returns storage.ErrClientNotFound or ErrClientInactive.
func (r *ClientRegistry) Validate(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	if tenantID == "" || clientID == "" {
		return nil, storage.ErrClientNotFound
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	client, err := r.store.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, ErrClientInactive
	}
	return client, nil
}

// Authenticate verifies the secret of a confidential client. Every failure is
// invalid_client; unknown clients still pay for one bcrypt comparison.
func (r *ClientRegistry) Authenticate(ctx context.Context, tenantID, clientID, secret string) (*storage.Client, error) {
	client, err := r.Validate(ctx, tenantID, clientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) && !errors.Is(err, ErrClientInactive) {
		return nil, ErrServerError(err)
	}

	hashToCompare := dummySecretHash
	if err == nil && client.ClientType == ClientTypeConfidential && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	// ALWAYS perform bcrypt comparison
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	switch {
	case err != nil:
		return nil, ErrInvalidClient(err)
	case client.ClientType != ClientTypeConfidential || client.ClientSecretHash == "":
		return nil, ErrInvalidClient(fmt.Errorf("client has no secret"))
	case bcryptErr != nil:
		return nil, ErrInvalidClient(fmt.Errorf("secret mismatch"))
	}
	return client, nil
}

// IsValidRedirectURI reports whether uri exactly equals a registered redirect URI
func (r *ClientRegistry) IsValidRedirectURI(client *storage.Client, uri string) bool {
	return uri != "" && slices.Contains(client.RedirectURIs, uri)
}

// HasScope reports whether every scope in the space-delimited scope is allowed
func (r *ClientRegistry) HasScope(client *storage.Client, scope string) bool {
	return util.ScopeSubset(util.ParseScope(scope), client.Scopes)
}

// SupportsGrant reports whether the client may use grantType
func (r *ClientRegistry) SupportsGrant(client *storage.Client, grantType string) bool {
	return slices.Contains(client.GrantTypes, grantType)
}

// Register validates and stores a client. Confidential clients without a
// secret get a generated one. Returns the secret in effect, empty for public clients.
func (r *ClientRegistry) Register(ctx context.Context, client *storage.Client, secret string) (string, error) {
	if client == nil || client.ClientID == "" || client.TenantID == "" {
		return "", fmt.Errorf("client ID and tenant ID are required")
	}
	if client.ClientType != ClientTypeConfidential && client.ClientType != ClientTypePublic {
		return "", fmt.Errorf("unknown client type %q", client.ClientType)
	}
	if len(client.RedirectURIs) == 0 && r.SupportsGrant(client, GrantTypeAuthorizationCode) {
		return "", fmt.Errorf("authorization_code clients need at least one redirect URI")
	}
	for _, uri := range client.RedirectURIs {
		if err := ValidateRedirectURIForRegistration(uri); err != nil {
			return "", err
		}
	}

	c := *client
	c.ClientSecretHash = ""
	if c.ClientType == ClientTypeConfidential {
		if secret == "" {
			secret = oauth2.GenerateVerifier()
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		c.ClientSecretHash = string(hash)
	} else {
		secret = ""
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.clock.Now()
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.SaveClient(ctx, &c); err != nil {
		return "", fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.Info("Registered OAuth client",
		"tenant_id", c.TenantID,
		"client_id", c.ClientID,
		"client_type", c.ClientType,
		"grant_types", c.GrantTypes)
	return secret, nil
}

// RotateSecret replaces the secret of a confidential client and returns the new one.
// The caller is responsible for revoking tokens issued under the old secret.
func (r *ClientRegistry) RotateSecret(ctx context.Context, tenantID, clientID string) (string, error) {
	client, err := r.Validate(ctx, tenantID, clientID)
	if err != nil {
		return "", err
	}
	if client.ClientType != ClientTypeConfidential {
		return "", fmt.Errorf("public clients have no secret")
	}

	secret := oauth2.GenerateVerifier()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.UpdateClientSecret(ctx, tenantID, clientID, string(hash), r.clock.Now()); err != nil {
		return "", fmt.Errorf("failed to store client secret: %w", err)
	}
	return secret, nil
}

// ValidateRedirectURIForRegistration requires an absolute URI without
// fragment that uses HTTPS, or HTTP on a loopback host.
func ValidateRedirectURIForRegistration(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("redirect URI must be absolute: %s", uri)
	}
	if parsed.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect URI must not contain a fragment: %s", uri)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHostname(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect URI must use HTTPS unless it targets a loopback address: %s", uri)
	default:
		return fmt.Errorf("redirect URI scheme %q is not allowed", parsed.Scheme)
	}
}
