// Package security provides security features for the identity provider including
// audit logging, rate limiting, encryption of secrets at rest and secure headers.
//
// # Rate Limiting
//
// Every sensitive operation is admitted through a Limiter:
//
//	if !limiter.Allow(ctx, clientIP, security.OperationToken) {
//	    // reply 429 rate_limit_exceeded
//	}
//
// RateLimiter keeps token buckets in process memory with LRU eviction and suits
// single-instance deployments. DistributedRateLimiter keeps fixed-window counters
// in Redis so every instance of a deployment shares them.
//
// # Audit
//
// AuditSink receives security events. Auditor writes them to a slog.Logger with
// user IDs hashed. Failures are logged at warn level.
//
// # Encryption
//
// Encryptor seals TOTP secrets with AES-256-GCM, binding each ciphertext to the
// owner so values cannot be swapped between users.
package security
