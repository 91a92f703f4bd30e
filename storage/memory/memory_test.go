package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentauth/agentauth/storage"
)

func newClosedStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(0)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTenant(t *testing.T, s *Store, id, externalID string) {
	t.Helper()
	err := s.CreateTenant(t.Context(), &storage.Tenant{
		ID:         id,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
}

func TestTenantLookups(t *testing.T) {
	s := newClosedStore(t)
	seedTenant(t, s, "t1", "ext1")

	got, err := s.GetTenant(t.Context(), "t1")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.ExternalID != "ext1" {
		t.Errorf("ExternalID = %q", got.ExternalID)
	}

	byExt, err := s.GetTenantByExternalID(t.Context(), "ext1")
	if err != nil {
		t.Fatalf("GetTenantByExternalID: %v", err)
	}
	if byExt.ID != "t1" {
		t.Errorf("ID = %q", byExt.ID)
	}

	if _, err := s.GetTenant(t.Context(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing tenant error = %v, want ErrNotFound", err)
	}
}

func TestDeleteTenantCascades(t *testing.T) {
	s := newClosedStore(t)
	ctx := t.Context()
	seedTenant(t, s, "t1", "ext1")
	seedTenant(t, s, "t2", "ext2")

	mustSave := func(name string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	mustSave("SaveAPIKey", s.SaveAPIKey(ctx, &storage.APIKey{ID: "k1", TenantID: "t1", Hash: "h1", Active: true}))
	mustSave("SaveAPIKey", s.SaveAPIKey(ctx, &storage.APIKey{ID: "k2", TenantID: "t2", Hash: "h2", Active: true}))
	mustSave("UpsertCredential", s.UpsertCredential(ctx, &storage.ProviderCredential{ID: "c1", TenantID: "t1"}))
	mustSave("SaveAuthState", s.SaveAuthState(ctx, &storage.AuthState{Token: "s1", TenantID: "t1", ExpiresAt: time.Now().Add(time.Hour)}))
	mustSave("UpsertUserToken", s.UpsertUserToken(ctx, &storage.TokenRecord{ID: "r1", TenantID: "t1", ExternalUserID: "u1", Service: "google"}))

	if err := s.DeleteTenantByExternalID(ctx, "ext1"); err != nil {
		t.Fatalf("DeleteTenantByExternalID: %v", err)
	}

	if _, err := s.GetTenant(ctx, "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant survived delete")
	}
	if _, err := s.GetAPIKeyByHash(ctx, "h1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("api key survived cascade")
	}
	if _, err := s.GetCredential(ctx, "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("credential survived cascade")
	}
	if _, err := s.ConsumeAuthState(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("auth state survived cascade")
	}
	if _, err := s.GetUserToken(ctx, "t1", "u1", "google"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("token record survived cascade")
	}

	// The other tenant is untouched.
	if _, err := s.GetAPIKeyByHash(ctx, "h2"); err != nil {
		t.Errorf("unrelated key affected: %v", err)
	}

	if err := s.DeleteTenantByExternalID(ctx, "ext1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyListingAndDeactivation(t *testing.T) {
	s := newClosedStore(t)
	ctx := t.Context()
	seedTenant(t, s, "t1", "ext1")

	base := time.Now().UTC()
	for i, id := range []string{"k1", "k2", "k3"} {
		err := s.SaveAPIKey(ctx, &storage.APIKey{
			ID:        id,
			TenantID:  "t1",
			Hash:      "h-" + id,
			Active:    true,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveAPIKey: %v", err)
		}
	}

	keys, err := s.ListAPIKeys(ctx, "t1")
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 3 || keys[0].ID != "k3" || keys[2].ID != "k1" {
		t.Fatalf("list not newest-first: %v", keyIDs(keys))
	}

	if err := s.DeactivateAPIKey(ctx, "t1", "k2"); err != nil {
		t.Fatalf("DeactivateAPIKey: %v", err)
	}

	// Deactivated keys drop out of the list but stay resolvable by hash.
	keys, _ = s.ListAPIKeys(ctx, "t1")
	if len(keys) != 2 {
		t.Fatalf("len(keys) = %d after deactivation, want 2", len(keys))
	}
	got, err := s.GetAPIKeyByHash(ctx, "h-k2")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if got.Active {
		t.Error("deactivated key still active")
	}

	// Cross-tenant deactivation reads as not-found.
	if err := s.DeactivateAPIKey(ctx, "t2", "k1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cross-tenant deactivate error = %v, want ErrNotFound", err)
	}

	used := base.Add(time.Hour)
	if err := s.TouchAPIKey(ctx, "h-k1", used); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, _ = s.GetAPIKeyByHash(ctx, "h-k1")
	if !got.LastUsedAt.Equal(used) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, used)
	}
}

func TestCredentialUpsertKeepsIdentity(t *testing.T) {
	s := newClosedStore(t)
	ctx := t.Context()
	seedTenant(t, s, "t1", "ext1")

	first := &storage.ProviderCredential{ID: "c1", TenantID: "t1", ClientID: "old"}
	if err := s.UpsertCredential(ctx, first); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	second := &storage.ProviderCredential{ID: "c2", TenantID: "t1", ClientID: "new"}
	if err := s.UpsertCredential(ctx, second); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	if second.ID != "c1" {
		t.Errorf("upsert id = %q, want surviving id c1", second.ID)
	}

	got, err := s.GetCredential(ctx, "t1")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.ClientID != "new" || got.ID != "c1" {
		t.Errorf("got ClientID=%q ID=%q", got.ClientID, got.ID)
	}
}

func TestConsumeAuthStateSingleUse(t *testing.T) {
	s := newClosedStore(t)
	ctx := t.Context()

	err := s.SaveAuthState(ctx, &storage.AuthState{
		Token:          "state-1",
		TenantID:       "t1",
		ExternalUserID: "u1",
		ExpiresAt:      time.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SaveAuthState: %v", err)
	}

	var wg sync.WaitGroup
	winners := make(chan *storage.AuthState, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if state, err := s.ConsumeAuthState(ctx, "state-1"); err == nil {
				winners <- state
			}
		}()
	}
	wg.Wait()
	close(winners)

	var count int
	for state := range winners {
		count++
		if state.ExternalUserID != "u1" {
			t.Errorf("ExternalUserID = %q", state.ExternalUserID)
		}
	}
	if count != 1 {
		t.Errorf("%d consumers observed the state, want exactly 1", count)
	}
}

func TestExpiredStateCleanup(t *testing.T) {
	s := newClosedStore(t)
	ctx := t.Context()

	_ = s.SaveAuthState(ctx, &storage.AuthState{Token: "old", ExpiresAt: time.Now().Add(-time.Minute)})
	_ = s.SaveAuthState(ctx, &storage.AuthState{Token: "live", ExpiresAt: time.Now().Add(time.Hour)})

	s.cleanupExpiredStates()

	if _, err := s.ConsumeAuthState(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("expired state survived cleanup")
	}
	if _, err := s.ConsumeAuthState(ctx, "live"); err != nil {
		t.Errorf("live state removed by cleanup: %v", err)
	}
}

func TestUserTokenUpsertAndPartialUpdate(t *testing.T) {
	s := newClosedStore(t)
	ctx := t.Context()

	created := time.Now().UTC().Truncate(time.Millisecond)
	first := &storage.TokenRecord{
		ID:                    "r1",
		TenantID:              "t1",
		ExternalUserID:        "u1",
		Service:               "google",
		AccessTokenEncrypted:  "enc-a1",
		RefreshTokenEncrypted: "enc-r1",
		Scopes:                []string{"gmail.send"},
		Expiry:                created.Add(time.Hour),
		CreatedAt:             created,
	}
	if err := s.UpsertUserToken(ctx, first); err != nil {
		t.Fatalf("UpsertUserToken: %v", err)
	}

	// Same triple again: row identity survives, payload is replaced.
	second := &storage.TokenRecord{
		ID:                    "r2",
		TenantID:              "t1",
		ExternalUserID:        "u1",
		Service:               "google",
		AccessTokenEncrypted:  "enc-a2",
		RefreshTokenEncrypted: "enc-r2",
		Scopes:                []string{"gmail.send", "drive.file"},
		Expiry:                created.Add(2 * time.Hour),
	}
	if err := s.UpsertUserToken(ctx, second); err != nil {
		t.Fatalf("UpsertUserToken: %v", err)
	}
	if second.ID != "r1" || !second.CreatedAt.Equal(created) {
		t.Errorf("conflict identity: ID=%q CreatedAt=%v", second.ID, second.CreatedAt)
	}

	got, err := s.GetUserToken(ctx, "t1", "u1", "google")
	if err != nil {
		t.Fatalf("GetUserToken: %v", err)
	}
	if got.AccessTokenEncrypted != "enc-a2" || len(got.Scopes) != 2 {
		t.Errorf("payload not replaced: %+v", got)
	}

	newExpiry := created.Add(3 * time.Hour)
	updatedAt := created.Add(2 * time.Hour)
	if err := s.UpdateAccessToken(ctx, "r1", "enc-a3", newExpiry, updatedAt); err != nil {
		t.Fatalf("UpdateAccessToken: %v", err)
	}
	got, _ = s.GetUserToken(ctx, "t1", "u1", "google")
	if got.AccessTokenEncrypted != "enc-a3" {
		t.Error("access token not updated")
	}
	if got.RefreshTokenEncrypted != "enc-r2" {
		t.Error("refresh token modified by access-only update")
	}
	if !got.Expiry.Equal(newExpiry) {
		t.Errorf("Expiry = %v, want %v", got.Expiry, newExpiry)
	}
	if !got.UpdatedAt.Equal(updatedAt) {
		t.Errorf("UpdatedAt = %v, want caller-supplied %v", got.UpdatedAt, updatedAt)
	}

	if err := s.UpdateAccessToken(ctx, "missing", "x", newExpiry, updatedAt); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing record error = %v, want ErrNotFound", err)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := newClosedStore(t)
	ctx := t.Context()

	rec := &storage.TokenRecord{
		ID: "r1", TenantID: "t1", ExternalUserID: "u1", Service: "google",
		Scopes: []string{"gmail.send"},
	}
	if err := s.UpsertUserToken(ctx, rec); err != nil {
		t.Fatalf("UpsertUserToken: %v", err)
	}

	got, _ := s.GetUserToken(ctx, "t1", "u1", "google")
	got.AccessTokenEncrypted = "mutated"
	got.Scopes[0] = "mutated"

	again, _ := s.GetUserToken(ctx, "t1", "u1", "google")
	if again.AccessTokenEncrypted == "mutated" || again.Scopes[0] == "mutated" {
		t.Error("store state mutated through a returned record")
	}
}

func keyIDs(keys []*storage.APIKey) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}
	return ids
}
