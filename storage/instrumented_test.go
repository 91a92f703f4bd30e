package storage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/storage"
	"github.com/agentauth/agentauth/storage/memory"
)

func newInstrumentedStore(t *testing.T) storage.Store {
	t.Helper()

	inner := memory.NewWithInterval(0)
	t.Cleanup(func() { _ = inner.Close() })

	inst, err := instrumentation.New(instrumentation.Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("instrumentation.New: %v", err)
	}

	wrapped := storage.WithMetrics(inner, inst.Metrics())
	if wrapped == inner {
		t.Fatal("WithMetrics did not wrap the store")
	}
	return wrapped
}

func TestWithMetricsNilHandleReturnsStoreUnchanged(t *testing.T) {
	inner := memory.NewWithInterval(0)
	t.Cleanup(func() { _ = inner.Close() })

	if got := storage.WithMetrics(inner, nil); got != storage.Store(inner) {
		t.Error("nil metrics handle should return the store unchanged")
	}
}

func TestInstrumentedStoreDelegates(t *testing.T) {
	s := newInstrumentedStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	err := s.CreateTenant(ctx, &storage.Tenant{ID: "t1", ExternalID: "ext1", CreatedAt: now})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	tenant, err := s.GetTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if tenant.ExternalID != "ext1" {
		t.Errorf("ExternalID = %q", tenant.ExternalID)
	}

	if err := s.SaveAPIKey(ctx, &storage.APIKey{ID: "k1", TenantID: "t1", Hash: "h1", Active: true}); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}
	if err := s.TouchAPIKey(ctx, "h1", now); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	keys, err := s.ListAPIKeys(ctx, "t1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys = %v, %v", keys, err)
	}

	if err := s.UpsertCredential(ctx, &storage.ProviderCredential{ID: "c1", TenantID: "t1"}); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	if _, err := s.GetCredential(ctx, "t1"); err != nil {
		t.Fatalf("GetCredential: %v", err)
	}

	err = s.SaveAuthState(ctx, &storage.AuthState{Token: "s1", TenantID: "t1", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("SaveAuthState: %v", err)
	}
	if _, err := s.ConsumeAuthState(ctx, "s1"); err != nil {
		t.Fatalf("ConsumeAuthState: %v", err)
	}

	rec := &storage.TokenRecord{ID: "r1", TenantID: "t1", ExternalUserID: "u1", Service: "google"}
	if err := s.UpsertUserToken(ctx, rec); err != nil {
		t.Fatalf("UpsertUserToken: %v", err)
	}
	if err := s.UpdateAccessToken(ctx, "r1", "enc", now.Add(time.Hour), now); err != nil {
		t.Fatalf("UpdateAccessToken: %v", err)
	}
	got, err := s.GetUserToken(ctx, "t1", "u1", "google")
	if err != nil {
		t.Fatalf("GetUserToken: %v", err)
	}
	if got.AccessTokenEncrypted != "enc" {
		t.Errorf("AccessTokenEncrypted = %q", got.AccessTokenEncrypted)
	}

	if err := s.DeleteTenantByExternalID(ctx, "ext1"); err != nil {
		t.Fatalf("DeleteTenantByExternalID: %v", err)
	}
}

func TestInstrumentedStorePreservesSentinelErrors(t *testing.T) {
	s := newInstrumentedStore(t)
	ctx := t.Context()

	if _, err := s.GetTenant(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTenant error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAPIKeyByHash(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAPIKeyByHash error = %v, want ErrNotFound", err)
	}
	if _, err := s.ConsumeAuthState(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeAuthState error = %v, want ErrNotFound", err)
	}
	if err := s.DeactivateAPIKey(ctx, "t1", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeactivateAPIKey error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateAccessToken(ctx, "missing", "x", time.Now(), time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateAccessToken error = %v, want ErrNotFound", err)
	}
}
