package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
)

// Dependencies are the collaborators supplied by the embedding application.
// Store is required. Audit and Limiter, when nil, are built from Config.
type Dependencies struct {
	Store storage.Store
	Users storage.UserStore

	Audit   security.AuditSink
	Limiter security.Limiter
	Clock   security.Clock

	// Tenants resolves the tenant of a request. Default: the TenantHeader header.
	Tenants TenantResolver

	// Sessions identifies the end user at the authorization endpoint.
	// Without it every authorization request is treated as unauthenticated.
	Sessions SessionResolver
}

// Server is the assembled identity provider: the protocol core plus the
// resources it owns (instrumentation, limiter, sweeper).
type Server struct {
	*server.Server

	Instrumentation *instrumentation.Instrumentation
	Sweeper         *server.Sweeper

	tenants  TenantResolver
	sessions SessionResolver
	config   *Config
	closers  []func() error
}

// NewServer wires a Server from its dependencies and configuration
func NewServer(deps Dependencies, config *Config, logger *slog.Logger) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	encryptor, err := security.NewEncryptor(config.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if !encryptor.IsEnabled() {
		logger.Warn("No encryption key configured, TOTP secrets are stored in plaintext")
	}

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        config.Instrumentation.Enabled,
		ServiceName:    config.Instrumentation.ServiceName,
		ServiceVersion: config.Instrumentation.ServiceVersion,
		LogClientIPs:   config.Instrumentation.LogClientIPs,
		MetricReader:   config.Instrumentation.MetricReader,
		SpanExporter:   config.Instrumentation.SpanExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	s := &Server{
		Instrumentation: inst,
		tenants:         deps.Tenants,
		sessions:        deps.Sessions,
		config:          config,
	}
	s.closers = append(s.closers, func() error { return inst.Shutdown(context.Background()) })

	if deps.Audit == nil {
		deps.Audit = security.NewAuditor(logger, config.Security.EnableAuditLogging)
	}
	if deps.Limiter == nil {
		limiter, closer, err := newLimiter(config.RateLimit, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		deps.Limiter = limiter
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
	}
	if s.tenants == nil {
		s.tenants = HeaderTenantResolver{Header: config.tenantHeader()}
	}

	core, err := server.New(server.Dependencies{
		Store:           deps.Store,
		Users:           deps.Users,
		Audit:           deps.Audit,
		Limiter:         deps.Limiter,
		Encryptor:       encryptor,
		Clock:           deps.Clock,
		Instrumentation: inst,
	}, &config.Server, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Server = core
	s.Sweeper = core.NewSweeper()

	if sized, ok := deps.Store.(interface {
		SetInstrumentation(*instrumentation.Instrumentation) error
	}); ok {
		if err := sized.SetInstrumentation(inst); err != nil {
			logger.Warn("Failed to instrument store", "error", err)
		}
	}

	return s, nil
}

// newLimiter picks the shared limiter when Redis is configured, the local one
// when a rate is set, and no limiting otherwise.
func newLimiter(cfg RateLimitConfig, logger *slog.Logger) (security.Limiter, func() error, error) {
	switch {
	case cfg.RedisAddr != "":
		rl, err := security.NewDistributedRateLimiter(security.DistributedRateLimiterConfig{
			RedisAddr:         cfg.RedisAddr,
			RedisPassword:     cfg.RedisPassword,
			RedisDB:           cfg.RedisDB,
			RequestsPerMinute: cfg.RequestsPerMinute,
			OperationLimits:   cfg.OperationLimits,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create distributed rate limiter: %w", err)
		}
		return rl, rl.Close, nil
	case cfg.Rate > 0:
		maxEntries := cfg.MaxEntries
		if maxEntries == 0 {
			maxEntries = 10000
		}
		rl := security.NewRateLimiterWithConfig(
			security.Rate{PerSecond: cfg.Rate, Burst: cfg.Burst},
			cfg.OperationRates, maxEntries, logger)
		return rl, func() error { rl.Stop(); return nil }, nil
	default:
		logger.Warn("Rate limiting is disabled")
		return security.AllowAll{}, nil, nil
	}
}

// Start begins background maintenance
func (s *Server) Start() {
	s.Sweeper.Start()
}

// Close stops background work and releases owned resources. It does not
// close the store, which belongs to the caller.
func (s *Server) Close() error {
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
