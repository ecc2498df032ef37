package security

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_Record(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		event     Event
		wantLog   bool
		wantLevel string
	}{
		{
			name:      "success event",
			enabled:   true,
			event:     Event{Type: EventTokenIssued, TenantID: "t1", UserID: "alice", ClientID: "c1"},
			wantLog:   true,
			wantLevel: "level=INFO",
		},
		{
			name:      "failure event is a warning",
			enabled:   true,
			event:     Event{Type: EventMFAFailure, Outcome: OutcomeFailure, UserID: "alice"},
			wantLog:   true,
			wantLevel: "level=WARN",
		},
		{
			name:    "disabled",
			enabled: false,
			event:   Event{Type: EventTokenIssued},
			wantLog: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), tt.enabled)

			auditor.Record(context.Background(), tt.event)

			out := buf.String()
			if !tt.wantLog {
				if out != "" {
					t.Errorf("expected no output, got %q", out)
				}
				return
			}
			if !strings.Contains(out, "security_audit") {
				t.Errorf("output missing message: %q", out)
			}
			if !strings.Contains(out, tt.wantLevel) {
				t.Errorf("output missing %s: %q", tt.wantLevel, out)
			}
			if strings.Contains(out, "alice") {
				t.Errorf("user ID must be hashed, got %q", out)
			}
		})
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var a *Auditor
	a.Record(context.Background(), Event{Type: EventTokenIssued})
	NopAuditSink{}.Record(context.Background(), Event{})
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	h := hashForLogging("user-1")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != hashForLogging("user-1") {
		t.Error("hash is not deterministic")
	}
}
