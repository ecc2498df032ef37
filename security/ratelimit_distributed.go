package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	limiterRedis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// DistributedRateLimiterConfig configures a Redis-backed Limiter shared by all
// instances of a deployment.
type DistributedRateLimiterConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Prefix namespaces limiter keys. Default: "ratelimit"
	Prefix string

	// RequestsPerMinute is the default limit per identifier and operation
	RequestsPerMinute int64

	// OperationLimits overrides RequestsPerMinute for specific operations
	OperationLimits map[string]int64

	Logger *slog.Logger
}

// DistributedRateLimiter is a fixed-window Limiter backed by Redis, so every
// instance of a multi-instance deployment shares the same counters.
type DistributedRateLimiter struct {
	client   *redis.Client
	defaults *limiter.Limiter
	byOp     map[string]*limiter.Limiter
	logger   *slog.Logger
}

var _ Limiter = (*DistributedRateLimiter)(nil)

// NewDistributedRateLimiter connects to Redis and prepares one limiter per
// configured operation.
func NewDistributedRateLimiter(cfg DistributedRateLimiterConfig) (*DistributedRateLimiter, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be positive")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ratelimit"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}

	store, err := limiterRedis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: cfg.Prefix,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create Redis limiter store: %w", err)
	}

	rl := &DistributedRateLimiter{
		client:   client,
		defaults: limiter.New(store, limiter.Rate{Period: time.Minute, Limit: cfg.RequestsPerMinute}),
		byOp:     make(map[string]*limiter.Limiter, len(cfg.OperationLimits)),
		logger:   logger,
	}
	for op, limit := range cfg.OperationLimits {
		if limit <= 0 {
			continue
		}
		rl.byOp[op] = limiter.New(store, limiter.Rate{Period: time.Minute, Limit: limit})
	}

	return rl, nil
}

// Allow increments the window counter of operation and identifier and reports
// whether the limit is still respected. Store failures admit the request.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, identifier, operation string) bool {
	l, ok := rl.byOp[operation]
	if !ok {
		l = rl.defaults
	}

	lctx, err := l.Get(ctx, operation+":"+identifier)
	if err != nil {
		rl.logger.Warn("Rate limiter store unavailable, admitting request",
			"operation", operation,
			"error", err)
		return true
	}
	return !lctx.Reached
}

// Close releases the Redis connection
func (rl *DistributedRateLimiter) Close() error {
	return rl.client.Close()
}
