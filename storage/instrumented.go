package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentauth/agentauth/instrumentation"
)

// instrumentedStore decorates a Store so every operation records a storage
// metric: operation name, result class, and wall-clock duration.
type instrumentedStore struct {
	inner   Store
	metrics *instrumentation.Metrics
}

// WithMetrics wraps a store with operation metrics. A nil metrics handle
// returns the store unchanged.
func WithMetrics(s Store, m *instrumentation.Metrics) Store {
	if m == nil {
		return s
	}
	return &instrumentedStore{inner: s, metrics: m}
}

var _ Store = (*instrumentedStore)(nil)

// observe classifies the outcome. Not-found is its own class: it is an
// expected signal on several paths and would drown the error rate otherwise.
func (s *instrumentedStore) observe(ctx context.Context, op string, start time.Time, err error) {
	result := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, op, result, float64(time.Since(start).Microseconds())/1000)
}

func (s *instrumentedStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	start := time.Now()
	err := s.inner.CreateTenant(ctx, tenant)
	s.observe(ctx, "create_tenant", start, err)
	return err
}

func (s *instrumentedStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	start := time.Now()
	tenant, err := s.inner.GetTenant(ctx, id)
	s.observe(ctx, "get_tenant", start, err)
	return tenant, err
}

func (s *instrumentedStore) GetTenantByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	start := time.Now()
	tenant, err := s.inner.GetTenantByExternalID(ctx, externalID)
	s.observe(ctx, "get_tenant_by_external_id", start, err)
	return tenant, err
}

func (s *instrumentedStore) DeleteTenantByExternalID(ctx context.Context, externalID string) error {
	start := time.Now()
	err := s.inner.DeleteTenantByExternalID(ctx, externalID)
	s.observe(ctx, "delete_tenant", start, err)
	return err
}

func (s *instrumentedStore) SaveAPIKey(ctx context.Context, key *APIKey) error {
	start := time.Now()
	err := s.inner.SaveAPIKey(ctx, key)
	s.observe(ctx, "save_api_key", start, err)
	return err
}

func (s *instrumentedStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	start := time.Now()
	key, err := s.inner.GetAPIKeyByHash(ctx, hash)
	s.observe(ctx, "get_api_key_by_hash", start, err)
	return key, err
}

func (s *instrumentedStore) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	start := time.Now()
	keys, err := s.inner.ListAPIKeys(ctx, tenantID)
	s.observe(ctx, "list_api_keys", start, err)
	return keys, err
}

func (s *instrumentedStore) DeactivateAPIKey(ctx context.Context, tenantID, keyID string) error {
	start := time.Now()
	err := s.inner.DeactivateAPIKey(ctx, tenantID, keyID)
	s.observe(ctx, "deactivate_api_key", start, err)
	return err
}

func (s *instrumentedStore) TouchAPIKey(ctx context.Context, hash string, usedAt time.Time) error {
	start := time.Now()
	err := s.inner.TouchAPIKey(ctx, hash, usedAt)
	s.observe(ctx, "touch_api_key", start, err)
	return err
}

func (s *instrumentedStore) UpsertCredential(ctx context.Context, cred *ProviderCredential) error {
	start := time.Now()
	err := s.inner.UpsertCredential(ctx, cred)
	s.observe(ctx, "upsert_credential", start, err)
	return err
}

func (s *instrumentedStore) GetCredential(ctx context.Context, tenantID string) (*ProviderCredential, error) {
	start := time.Now()
	cred, err := s.inner.GetCredential(ctx, tenantID)
	s.observe(ctx, "get_credential", start, err)
	return cred, err
}

func (s *instrumentedStore) DeleteCredential(ctx context.Context, tenantID string) error {
	start := time.Now()
	err := s.inner.DeleteCredential(ctx, tenantID)
	s.observe(ctx, "delete_credential", start, err)
	return err
}

func (s *instrumentedStore) SaveAuthState(ctx context.Context, state *AuthState) error {
	start := time.Now()
	err := s.inner.SaveAuthState(ctx, state)
	s.observe(ctx, "save_auth_state", start, err)
	return err
}

func (s *instrumentedStore) ConsumeAuthState(ctx context.Context, token string) (*AuthState, error) {
	start := time.Now()
	state, err := s.inner.ConsumeAuthState(ctx, token)
	s.observe(ctx, "consume_auth_state", start, err)
	return state, err
}

func (s *instrumentedStore) GetUserToken(ctx context.Context, tenantID, externalUserID, service string) (*TokenRecord, error) {
	start := time.Now()
	rec, err := s.inner.GetUserToken(ctx, tenantID, externalUserID, service)
	s.observe(ctx, "get_user_token", start, err)
	return rec, err
}

func (s *instrumentedStore) UpsertUserToken(ctx context.Context, rec *TokenRecord) error {
	start := time.Now()
	err := s.inner.UpsertUserToken(ctx, rec)
	s.observe(ctx, "upsert_user_token", start, err)
	return err
}

func (s *instrumentedStore) UpdateAccessToken(ctx context.Context, recordID, accessTokenEncrypted string, expiry, updatedAt time.Time) error {
	start := time.Now()
	err := s.inner.UpdateAccessToken(ctx, recordID, accessTokenEncrypted, expiry, updatedAt)
	s.observe(ctx, "update_access_token", start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
