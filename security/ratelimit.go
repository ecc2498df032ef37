package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation names checked by the identity provider before sensitive work
const (
	OperationAuthorize  = "authorize"
	OperationToken      = "token"
	OperationRevoke     = "revoke"
	OperationIntrospect = "introspect"
	OperationMFAVerify  = "mfa_verify"
)

// Limiter is a yes/no admission check made before every sensitive operation.
// identifier is usually the client IP or client ID.
type Limiter interface {
	Allow(ctx context.Context, identifier, operation string) bool
}

// AllowAll is a Limiter that never denies
type AllowAll struct{}

// Allow implements Limiter
func (AllowAll) Allow(context.Context, string, string) bool { return true }

// Rate is a token bucket refill rate and capacity
type Rate struct {
	PerSecond float64
	Burst     int
}

// rateLimiterEntry tracks a bucket and its last access time
type rateLimiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a single-instance Limiter keeping one token bucket per
// operation and identifier, with LRU eviction bounding memory.
type RateLimiter struct {
	limiters        map[string]*list.Element
	lruList         *list.List
	mu              sync.Mutex
	defaultRate     Rate
	operationRates  map[string]Rate
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
	totalCleanups  int64
}

var _ Limiter = (*RateLimiter)(nil)

// NewRateLimiter creates a local rate limiter with 10,000 max entries.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(Rate{PerSecond: requestsPerSecond, Burst: burst}, nil, 10000, logger)
}

// NewRateLimiterWithConfig creates a local rate limiter with per-operation rates.
// Operations missing from operationRates use defaultRate.
// maxEntries 0 means unlimited.
func NewRateLimiterWithConfig(defaultRate Rate, operationRates map[string]Rate, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = 10000
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		defaultRate:     defaultRate,
		operationRates:  operationRates,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks whether a request for operation from identifier is admitted.
func (rl *RateLimiter) Allow(_ context.Context, identifier, operation string) bool {
	key := operation + ":" + identifier
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[key]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	r := rl.rateFor(operation)
	entry := &rateLimiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(r.PerSecond), r.Burst),
		lastAccess: now,
	}
	rl.limiters[key] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) rateFor(operation string) Rate {
	if r, ok := rl.operationRates[operation]; ok {
		return r
	}
	return rl.defaultRate
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.key)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"key", entry.key,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes buckets that have not been used for maxIdleTime
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	// idle entries collect at the back of the LRU list
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.key)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percentage of max capacity used
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
