package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/mfa"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/token"
)

// Dependencies are the collaborators of a Server. Store is required; the
// others fall back to permissive or no-op implementations.
type Dependencies struct {
	Store storage.Store

	// Users backs the password grant. Without it the grant is unsupported.
	Users storage.UserStore

	Audit     security.AuditSink
	Limiter   security.Limiter
	Encryptor *security.Encryptor
	Clock     security.Clock

	Instrumentation *instrumentation.Instrumentation
}

// Server implements the OAuth 2.0 authorization and token lifecycle of a
// multi-tenant identity provider. Every operation is scoped to a tenant.
type Server struct {
	Clients      *ClientRegistry
	Codes        *AuthorizationCodes
	Rotation     *RotationEngine
	Revocations  *RevocationRegistry
	Introspector *Introspector
	MFA          *MFAService

	issuer  *token.Issuer
	store   storage.Store
	users   storage.UserStore
	audit   security.AuditSink
	limiter security.Limiter
	clock   security.Clock
	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	Logger *slog.Logger
	Config *Config
}

// New creates a new OAuth server
func New(deps Dependencies, config *Config, logger *slog.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	if deps.Audit == nil {
		deps.Audit = security.NopAuditSink{}
	}
	if deps.Limiter == nil {
		deps.Limiter = security.AllowAll{}
	}
	if deps.Clock == nil {
		deps.Clock = security.SystemClock{}
	}
	if deps.Instrumentation == nil {
		inst, err := instrumentation.New(instrumentation.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
		deps.Instrumentation = inst
	}

	issuer, err := token.NewIssuer(token.Config{
		Issuer:          config.Issuer,
		SigningKey:      config.SigningKey,
		AccessTokenTTL:  config.AccessTokenTTL,
		RefreshTokenTTL: config.RefreshTokenTTL,
		Clock:           deps.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	revocations := NewRevocationRegistry(deps.Store, deps.Clock, config.StorageTimeout, logger)

	srv := &Server{
		Clients:      NewClientRegistry(deps.Store, deps.Clock, config.StorageTimeout, logger),
		Codes:        NewAuthorizationCodes(deps.Store, deps.Clock, config.AuthorizationCodeTTL, config.StorageTimeout, logger),
		Rotation:     NewRotationEngine(deps.Store, revocations, issuer, deps.Clock, config.StorageTimeout, config.AllowRefreshTokenRotation, logger),
		Revocations:  revocations,
		Introspector: NewIntrospector(issuer, revocations, deps.Clock),
		MFA:          NewMFAService(deps.Store, mfa.NewVerifier(config.MFAIssuer), deps.Encryptor, deps.Clock, config, logger),

		issuer:  issuer,
		store:   deps.Store,
		users:   deps.Users,
		audit:   deps.Audit,
		limiter: deps.Limiter,
		clock:   deps.Clock,
		metrics: deps.Instrumentation.Metrics(),
		tracer:  deps.Instrumentation.Tracer("server"),

		Logger: logger,
		Config: config,
	}
	return srv, nil
}

// Issuer returns the token issuer shared by every component
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

// allow consults the limiter and records a denial. The limiter key is the
// client IP, or the client ID when the IP is unknown, scoped to the tenant.
func (s *Server) allow(ctx context.Context, tenantID, clientIP, clientID, operation string) error {
	if s.limiter.Allow(ctx, tenantID+"/"+limitKey(clientIP, clientID), operation) {
		return nil
	}
	s.metrics.RecordRateLimitExceeded(ctx, operation)
	s.audit.Record(ctx, security.Event{
		Type:      security.EventRateLimitExceeded,
		Outcome:   security.OutcomeFailure,
		TenantID:  tenantID,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details:   map[string]any{"operation": operation},
		Timestamp: s.clock.Now(),
	})
	return ErrRateLimitExceeded()
}

// record stamps and forwards an audit event
func (s *Server) record(ctx context.Context, event security.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	s.audit.Record(ctx, event)
}

// saveRecord persists a freshly issued pair. The write survives caller
// cancellation so an issued token always has a record.
func (s *Server) saveRecord(ctx context.Context, pair *token.Pair) error {
	ctx, cancel := detached(ctx, s.Config.StorageTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.SaveTokenRecord(ctx, pair.Record())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, "save_token_record", result, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return ErrServerError(fmt.Errorf("failed to save token record: %w", err))
	}
	return nil
}
