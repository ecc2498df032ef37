package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// Revocation reasons
const (
	ReasonRotated       = "rotated"
	ReasonRevoked       = "revoked"
	ReasonSecretRotated = "client_secret_rotated"
)

// Revocation describes a token identifier to blacklist until its natural expiry
type Revocation struct {
	TokenID   string
	TenantID  string
	Subject   string
	Kind      storage.TokenKind
	ExpiresAt time.Time
	Reason    string
	Actor     string
}

// RevocationRegistry is the blacklist of revoked token identifiers
type RevocationRegistry struct {
	store   storage.RevocationStore
	clock   security.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// NewRevocationRegistry creates a RevocationRegistry
func NewRevocationRegistry(store storage.RevocationStore, clock security.Clock, timeout time.Duration, logger *slog.Logger) *RevocationRegistry {
	return &RevocationRegistry{
		store:   store,
		clock:   clock,
		timeout: timeout,
		logger:  logger,
	}
}

// Entry builds the blacklist entry for rev, stamped with the current time
func (r *RevocationRegistry) Entry(rev Revocation) *storage.BlacklistEntry {
	return &storage.BlacklistEntry{
		TokenID:   rev.TokenID,
		TenantID:  rev.TenantID,
		Subject:   rev.Subject,
		Kind:      rev.Kind,
		ExpiresAt: rev.ExpiresAt,
		Reason:    rev.Reason,
		Actor:     rev.Actor,
		RevokedAt: r.clock.Now(),
	}
}

// Revoke blacklists a token identifier. Revoking twice is a no-op.
func (r *RevocationRegistry) Revoke(ctx context.Context, rev Revocation) error {
	if rev.TokenID == "" || rev.TenantID == "" {
		return fmt.Errorf("token ID and tenant ID are required")
	}

	ctx, cancel := detached(ctx, r.timeout)
	defer cancel()
	if err := r.store.AddRevocation(ctx, r.Entry(rev)); err != nil {
		return fmt.Errorf("failed to add revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether tokenID is blacklisted in the tenant
func (r *RevocationRegistry) IsRevoked(ctx context.Context, tenantID, tokenID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.IsRevoked(ctx, tenantID, tokenID, r.clock.Now())
}

// SweepExpired deletes entries past their natural expiry. Expired entries are
// inert, so skipping a sweep never changes a validation result.
func (r *RevocationRegistry) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.DeleteExpiredRevocations(ctx, r.clock.Now())
}
