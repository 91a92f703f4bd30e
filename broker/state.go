package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/agentauth/agentauth/storage"
)

// stateTokenBytes is the entropy per state token. 32 bytes (256 bits) is
// well past the unguessability floor for a CSRF binding.
const stateTokenBytes = 32

// stateManager issues and resolves the single-use tokens binding a provider
// consent round-trip back to the tenant request that initiated it.
type stateManager struct {
	store storage.StateStore
	ttl   time.Duration
	now   func() time.Time
}

// Create mints a state token for a pending consent flow and persists it with
// an absolute expiry.
func (m *stateManager) Create(ctx context.Context, tenantID, externalUserID, service, redirectURL string) (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	token := hex.EncodeToString(b)

	now := m.now()
	state := &storage.AuthState{
		Token:          token,
		TenantID:       tenantID,
		ExternalUserID: externalUserID,
		Service:        service,
		RedirectURL:    redirectURL,
		ExpiresAt:      now.Add(m.ttl),
		CreatedAt:      now,
	}
	if err := m.store.SaveAuthState(ctx, state); err != nil {
		return "", fmt.Errorf("save auth state: %w", err)
	}
	return token, nil
}

// Resolve consumes a state token. The store's consume is atomic
// delete-on-read, so a token resolves at most once regardless of outcome;
// an expired token is classified here, after it is already gone.
func (m *stateManager) Resolve(ctx context.Context, token string) (*storage.AuthState, error) {
	state, err := m.store.ConsumeAuthState(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(CodeStateNotFound, "state token not found or already used")
	}
	if err != nil {
		return nil, wrapError(CodeInternal, "state lookup failed", err)
	}
	if m.now().After(state.ExpiresAt) {
		return nil, newError(CodeStateExpired, "state token expired")
	}
	return state, nil
}
