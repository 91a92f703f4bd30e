package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/agentauth/agentauth/instrumentation"
)

func newCapturingAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditorDisabledLogsNothing(t *testing.T) {
	auditor, buf := newCapturingAuditor(false)

	auditor.LogConnectStarted("t1", "u1", "google", "gmail.readonly")
	auditor.LogAuthFailure("203.0.113.1", "invalid_api_key")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditorHashesUserIDs(t *testing.T) {
	auditor, buf := newCapturingAuditor(true)

	auditor.LogConnectCompleted("t1", "user-with-pii@example.com", "google", true, "")

	out := buf.String()
	if strings.Contains(out, "user-with-pii@example.com") {
		t.Fatal("audit log contains the raw user id")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("audit output is not JSON: %v", err)
	}
	hash, _ := entry["user_id_hash"].(string)
	if len(hash) != 16 {
		t.Errorf("user_id_hash = %q, want 16-char truncated digest", hash)
	}
	if entry["event_type"] != "connect_completed" {
		t.Errorf("event_type = %v", entry["event_type"])
	}
}

func TestAuditorEventTypes(t *testing.T) {
	tests := []struct {
		name string
		log  func(a *Auditor)
		want string
	}{
		{"connect started", func(a *Auditor) { a.LogConnectStarted("t1", "u1", "google", "gmail.send") }, "connect_started"},
		{"token refreshed", func(a *Auditor) { a.LogTokenRefreshed("t1", "u1", "google", false) }, "token_refreshed"},
		{"auth failure", func(a *Auditor) { a.LogAuthFailure("203.0.113.1", "missing_bearer") }, "auth_failure"},
		{"key issued", func(a *Auditor) { a.LogKeyIssued("t1", "k1", "Default") }, "api_key_issued"},
		{"key revoked", func(a *Auditor) { a.LogKeyRevoked("t1", "k1") }, "api_key_revoked"},
		{"integrity failure", func(a *Auditor) { a.LogIntegrityFailure("t1", "user token decrypt") }, "integrity_failure"},
		{"rate limit", func(a *Auditor) { a.LogRateLimitExceeded("203.0.113.1") }, "rate_limit_exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newCapturingAuditor(true)
			tt.log(auditor)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q missing event type %q", buf.String(), tt.want)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(empty) = %q", got)
	}
	if hashForLogging("a") == hashForLogging("b") {
		t.Error("distinct inputs produced the same digest")
	}
	if len(hashForLogging("a")) != 16 {
		t.Errorf("digest length = %d, want 16", len(hashForLogging("a")))
	}
}

func TestNilAuditorIsSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogEvent(Event{Type: "noop"})
	auditor.LogAuthFailure("203.0.113.1", "reason")
	auditor.SetMetrics(nil)
}

func TestAuditorCountsEvents(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{ServiceName: "audit-test"})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}

	auditor, buf := newCapturingAuditor(true)
	auditor.SetMetrics(inst.Metrics())

	auditor.LogKeyIssued("t1", "k1", "Default")

	// The counter records on the same call that logs; the log entry proves
	// the path ran without the counter breaking it.
	if !strings.Contains(buf.String(), "api_key_issued") {
		t.Errorf("audit log missing event, got %s", buf.String())
	}
}
