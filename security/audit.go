package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditSink receives security events. Record is fire-and-forget: implementations
// must not block the caller for long and have no way to fail the operation.
type AuditSink interface {
	Record(ctx context.Context, event Event)
}

// Event represents a security audit event
type Event struct {
	Type      string
	Outcome   string
	Actor     string
	TenantID  string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// Auditor is an AuditSink writing events to a structured logger with hashed PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

var _ AuditSink = (*Auditor)(nil)

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Record logs a security event
func (a *Auditor) Record(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}

	level := slog.LevelInfo
	if event.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}

	a.logger.LogAttrs(ctx, level, "security_audit",
		slog.String("event_type", event.Type),
		slog.String("outcome", event.Outcome),
		slog.String("actor", event.Actor),
		slog.String("tenant_id", event.TenantID),
		slog.String("user_id_hash", hashForLogging(event.UserID)),
		slog.String("client_id", event.ClientID),
		slog.String("ip_address", event.IPAddress),
		slog.Any("details", event.Details),
		slog.Time("timestamp", event.Timestamp),
	)
}

// NopAuditSink discards every event
type NopAuditSink struct{}

// Record implements AuditSink
func (NopAuditSink) Record(context.Context, Event) {}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
