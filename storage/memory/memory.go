// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentauth/agentauth/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	tenants           map[string]*storage.Tenant // tenant id -> tenant
	tenantsByExternal map[string]string          // external id -> tenant id

	keysByHash map[string]*storage.APIKey // key hash -> record
	hashByID   map[string]string          // key id -> key hash

	creds map[string]*storage.ProviderCredential // tenant id -> record

	states map[string]*storage.AuthState // state token -> record

	tokens     map[string]*storage.TokenRecord // triple key -> record
	tripleByID map[string]string               // record id -> triple key

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store with the default expired-state cleanup
// interval of one minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// A non-positive interval disables the cleanup goroutine.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		tenants:           make(map[string]*storage.Tenant),
		tenantsByExternal: make(map[string]string),
		keysByHash:        make(map[string]*storage.APIKey),
		hashByID:          make(map[string]string),
		creds:             make(map[string]*storage.ProviderCredential),
		states:            make(map[string]*storage.AuthState),
		tokens:            make(map[string]*storage.TokenRecord),
		tripleByID:        make(map[string]string),
		cleanupInterval:   interval,
		stopCleanup:       make(chan struct{}),
		logger:            slog.Default(),
	}

	if interval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger overrides the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// tripleKey builds the composite uniqueness key for token records.
func tripleKey(tenantID, externalUserID, service string) string {
	return tenantID + "\x00" + externalUserID + "\x00" + service
}

// ---- TenantStore ----

func (s *Store) CreateTenant(_ context.Context, tenant *storage.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tenant
	s.tenants[cp.ID] = &cp
	if cp.ExternalID != "" {
		s.tenantsByExternal[cp.ExternalID] = cp.ID
	}
	return nil
}

func (s *Store) GetTenant(_ context.Context, id string) (*storage.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *tenant
	return &cp, nil
}

func (s *Store) GetTenantByExternalID(_ context.Context, externalID string) (*storage.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tenantsByExternal[externalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.tenants[id]
	return &cp, nil
}

// DeleteTenantByExternalID removes a tenant and cascades over every record
// the tenant owns: API keys, provider credentials, states, and token records.
func (s *Store) DeleteTenantByExternalID(_ context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tenantsByExternal[externalID]
	if !ok {
		return storage.ErrNotFound
	}

	delete(s.tenantsByExternal, externalID)
	delete(s.tenants, id)
	delete(s.creds, id)

	for hash, key := range s.keysByHash {
		if key.TenantID == id {
			delete(s.keysByHash, hash)
			delete(s.hashByID, key.ID)
		}
	}
	for token, state := range s.states {
		if state.TenantID == id {
			delete(s.states, token)
		}
	}
	for key, rec := range s.tokens {
		if rec.TenantID == id {
			delete(s.tokens, key)
			delete(s.tripleByID, rec.ID)
		}
	}

	return nil
}

// ---- APIKeyStore ----

func (s *Store) SaveAPIKey(_ context.Context, key *storage.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.keysByHash[cp.Hash] = &cp
	s.hashByID[cp.ID] = cp.Hash
	return nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*storage.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keysByHash[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *Store) ListAPIKeys(_ context.Context, tenantID string) ([]*storage.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*storage.APIKey
	for _, key := range s.keysByHash {
		if key.TenantID == tenantID && key.Active {
			cp := *key
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Store) DeactivateAPIKey(_ context.Context, tenantID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.hashByID[keyID]
	if !ok {
		return storage.ErrNotFound
	}
	key := s.keysByHash[hash]
	// Not-owned reads as not-found so existence is never confirmed to a
	// non-owner.
	if key.TenantID != tenantID {
		return storage.ErrNotFound
	}
	key.Active = false
	return nil
}

func (s *Store) TouchAPIKey(_ context.Context, hash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keysByHash[hash]
	if !ok {
		return storage.ErrNotFound
	}
	key.LastUsedAt = usedAt
	return nil
}

// ---- CredentialStore ----

func (s *Store) UpsertCredential(_ context.Context, cred *storage.ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cred
	if existing, ok := s.creds[cp.TenantID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	s.creds[cp.TenantID] = &cp
	cred.ID = cp.ID
	cred.CreatedAt = cp.CreatedAt
	return nil
}

func (s *Store) GetCredential(_ context.Context, tenantID string) (*storage.ProviderCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *Store) DeleteCredential(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[tenantID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.creds, tenantID)
	return nil
}

// ---- StateStore ----

func (s *Store) SaveAuthState(_ context.Context, state *storage.AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[cp.Token] = &cp
	return nil
}

// ConsumeAuthState atomically retrieves and deletes a state. Under the write
// lock at most one concurrent caller observes the record; everyone else gets
// ErrNotFound, which is the single-use guarantee.
func (s *Store) ConsumeAuthState(_ context.Context, token string) (*storage.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.states, token)
	cp := *state
	return &cp, nil
}

// ---- TokenStore ----

func (s *Store) GetUserToken(_ context.Context, tenantID, externalUserID, service string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tokens[tripleKey(tenantID, externalUserID, service)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	cp.Scopes = append([]string(nil), rec.Scopes...)
	return &cp, nil
}

func (s *Store) UpsertUserToken(_ context.Context, rec *storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tripleKey(rec.TenantID, rec.ExternalUserID, rec.Service)
	cp := *rec
	cp.Scopes = append([]string(nil), rec.Scopes...)

	if existing, ok := s.tokens[key]; ok {
		// Conflict on the triple: the existing row identity survives.
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}

	s.tokens[key] = &cp
	s.tripleByID[cp.ID] = key
	rec.ID = cp.ID
	rec.CreatedAt = cp.CreatedAt
	return nil
}

func (s *Store) UpdateAccessToken(_ context.Context, recordID, accessTokenEncrypted string, expiry, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.tripleByID[recordID]
	if !ok {
		return storage.ErrNotFound
	}
	rec := s.tokens[key]
	rec.AccessTokenEncrypted = accessTokenEncrypted
	rec.Expiry = expiry
	rec.UpdatedAt = updatedAt
	return nil
}

// ---- lifecycle ----

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpiredStates()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpiredStates bounds storage growth from consent flows that were
// started but never completed.
func (s *Store) cleanupExpiredStates() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, state := range s.states {
		if now.After(state.ExpiresAt) {
			delete(s.states, token)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("expired auth states removed", "count", removed)
	}
}

// Close stops the cleanup goroutine.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}
