// Package security provides the security plumbing shared by the broker:
// audit logging with hashed identifiers, per-IP rate limiting, and
// clock-skew-tolerant expiry checks.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/helpdesk-mcp/oauth-bridge/instrumentation"
)

// Auditor records security-relevant events with PII protection. Session and
// user identifiers are hashed before logging; token and code values never
// appear in audit output at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	inst    *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	SessionID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// SetInstrumentation wires OpenTelemetry instrumentation so every audit
// event also increments the audit-event counter.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.inst = inst
}

// LogEvent logs a security event with hashed identifiers.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.inst != nil {
		a.inst.Metrics().RecordAuditEvent(context.Background(), event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"session_id_hash", hashForLogging(event.SessionID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogFlowStarted logs the start of an authorization flow.
func (a *Auditor) LogFlowStarted(sessionID string, scopes []string, pkceEnforced bool) {
	a.LogEvent(Event{
		Type:      "authorization_flow_started",
		SessionID: sessionID,
		Details: map[string]any{
			"scopes":        scopes,
			"pkce_enforced": pkceEnforced,
		},
	})
}

// LogCodeIssued logs a successful provider callback that minted an
// authorization code.
func (a *Auditor) LogCodeIssued(sessionID string, scopes []string) {
	a.LogEvent(Event{
		Type:      "authorization_code_issued",
		SessionID: sessionID,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogCodeRedeemed logs a successful code-for-proxy-token redemption.
func (a *Auditor) LogCodeRedeemed(sessionID string, expiresIn int64) {
	a.LogEvent(Event{
		Type:      "authorization_code_redeemed",
		SessionID: sessionID,
		Details: map[string]any{
			"expires_in": expiresIn,
		},
	})
}

// LogReplayDetected logs a redemption attempt with an already-used code.
// Code replay is a strong indicator of code interception.
func (a *Auditor) LogReplayDetected(ipAddress string) {
	a.LogEvent(Event{
		Type:      "authorization_code_replay_detected",
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "critical",
		},
	})
}

// LogTokenRefreshed logs an upstream token refresh, noting whether the
// provider rotated the refresh token.
func (a *Auditor) LogTokenRefreshed(sessionID string, rotated bool) {
	a.LogEvent(Event{
		Type:      "upstream_token_refreshed",
		SessionID: sessionID,
		Details: map[string]any{
			"refresh_token_rotated": rotated,
		},
	})
}

// LogClientRegistered logs a dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogAuthFailure logs a failed authentication or authorization attempt.
func (a *Auditor) LogAuthFailure(sessionID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		SessionID: sessionID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging produces a short stable digest of an identifier so audit
// entries can be correlated without exposing the identifier itself.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
