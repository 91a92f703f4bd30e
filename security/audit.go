package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/agentauth/agentauth/instrumentation"
)

// Auditor logs security-relevant broker events with PII protection: external
// user identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetMetrics attaches a metrics handle so logged events also increment the
// audit-event counter. A nil handle leaves the auditor log-only.
func (a *Auditor) SetMetrics(m *instrumentation.Metrics) {
	if a == nil {
		return
	}
	a.metrics = m
}

// Event represents a security audit event.
type Event struct {
	Type      string
	TenantID  string
	UserID    string // tenant-defined external user id, hashed before logging
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed user identifiers.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"tenant_id", event.TenantID,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	a.metrics.RecordAuditEvent(context.Background(), event.Type)
}

// LogConnectStarted logs a new consent flow being initiated.
func (a *Auditor) LogConnectStarted(tenantID, userID, service, scopes string) {
	a.LogEvent(Event{
		Type:     "connect_started",
		TenantID: tenantID,
		UserID:   userID,
		Details: map[string]any{
			"service": service,
			"scopes":  scopes,
		},
	})
}

// LogConnectCompleted logs a consent flow outcome.
func (a *Auditor) LogConnectCompleted(tenantID, userID, service string, success bool, reason string) {
	a.LogEvent(Event{
		Type:     "connect_completed",
		TenantID: tenantID,
		UserID:   userID,
		Details: map[string]any{
			"service": service,
			"success": success,
			"reason":  reason,
		},
	})
}

// LogTokenRefreshed logs a refresh attempt against the provider.
func (a *Auditor) LogTokenRefreshed(tenantID, userID, service string, success bool) {
	a.LogEvent(Event{
		Type:     "token_refreshed",
		TenantID: tenantID,
		UserID:   userID,
		Details: map[string]any{
			"service": service,
			"success": success,
		},
	})
}

// LogAuthFailure logs a caller credential rejection.
func (a *Auditor) LogAuthFailure(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogKeyIssued logs creation of a caller credential.
func (a *Auditor) LogKeyIssued(tenantID, keyID, name string) {
	a.LogEvent(Event{
		Type:     "api_key_issued",
		TenantID: tenantID,
		Details: map[string]any{
			"key_id": keyID,
			"name":   name,
		},
	})
}

// LogKeyRevoked logs deactivation of a caller credential.
func (a *Auditor) LogKeyRevoked(tenantID, keyID string) {
	a.LogEvent(Event{
		Type:     "api_key_revoked",
		TenantID: tenantID,
		Details: map[string]any{
			"key_id": keyID,
		},
	})
}

// LogIntegrityFailure logs a decryption authentication failure. These are
// alerting-grade: they mean stored ciphertext was tampered with or the
// process is running with the wrong key.
func (a *Auditor) LogIntegrityFailure(tenantID, context string) {
	a.LogEvent(Event{
		Type:     "integrity_failure",
		TenantID: tenantID,
		Details: map[string]any{
			"context": context,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
