package instrumentation

import (
	"context"
	"errors"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.Metrics() == nil {
		t.Error("Metrics() returned nil")
	}
	if inst.MeterProvider() == nil {
		t.Error("MeterProvider() returned nil")
	}
	if inst.TracerProvider() == nil {
		t.Error("TracerProvider() returned nil")
	}
}

func TestRecordingDoesNotPanic(t *testing.T) {
	inst, err := New(Config{ServiceName: "test", Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()

	m.RecordHTTPRequest(ctx, "GET", "/api/v1/token", 200, 12.5)
	m.RecordConnectStarted(ctx, "google")
	m.RecordCallbackProcessed(ctx, "success")
	m.RecordTokenRead(ctx, true)
	m.RecordTokenRefresh(ctx, false)
	m.RecordWebhookProcessed(ctx, "user.created", true)
	m.RecordRateLimitExceeded(ctx, "api")
	m.RecordAuthFailure(ctx, "invalid_api_key")
	m.RecordAuditEvent(ctx, "connect_started")
	m.RecordEncryptionOperation(ctx, "encrypt", 0.1)
	m.RecordStorageOperation(ctx, "get_user_token", "success", 1.2)
	m.RecordProviderAPICall(ctx, "google", "refresh", 45.0, errors.New("boom"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "GET", "/healthz", 200, 1)
	m.RecordConnectStarted(ctx, "google")
	m.RecordTokenRead(ctx, false)
	m.RecordProviderAPICall(ctx, "google", "exchange", 10, nil)
}

func TestMeterAndTracerScopes(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.Meter("broker") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("broker") == nil {
		t.Error("Tracer() returned nil")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
