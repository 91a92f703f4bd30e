package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/agentauth/security"
	"github.com/agentauth/agentauth/storage"
)

// DefaultKeyName is the display name given to keys created without one.
const DefaultKeyName = "Default"

// IssuedKey is the one-time answer to a key creation: Key is the full secret
// and is unrecoverable after this response.
type IssuedKey struct {
	ID        string
	Key       string
	MaskedKey string
	Prefix    string
	Name      string
	CreatedAt time.Time
}

// IssueKey generates a caller credential for a tenant. Only the hash of the
// returned key is persisted.
func (b *Broker) IssueKey(ctx context.Context, tenantID, name string) (*IssuedKey, error) {
	if name == "" {
		name = DefaultKeyName
	}

	key, prefix, hash, err := security.GenerateAPIKey()
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to generate api key", err)
	}

	rec := &storage.APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Prefix:    prefix,
		Hash:      hash,
		Name:      name,
		Active:    true,
		CreatedAt: b.now(),
	}
	if err := b.store.SaveAPIKey(ctx, rec); err != nil {
		return nil, wrapError(CodeInternal, "failed to save api key", err)
	}

	b.auditor.LogKeyIssued(tenantID, rec.ID, name)
	return &IssuedKey{
		ID:        rec.ID,
		Key:       key,
		MaskedKey: security.MaskAPIKey(key),
		Prefix:    prefix,
		Name:      name,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// ValidateAPIKey maps a presented bearer credential to its tenant id. The
// format gate runs before any store lookup, so malformed input never reaches
// storage. Recording last use is best effort and never fails the request.
func (b *Broker) ValidateAPIKey(ctx context.Context, presented string) (string, error) {
	if !security.ValidAPIKeyFormat(presented) {
		return "", newError(CodeInvalidAPIKey, "invalid API key")
	}

	hash := security.HashAPIKey(presented)
	rec, err := b.store.GetAPIKeyByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return "", newError(CodeInvalidAPIKey, "invalid API key")
	}
	if err != nil {
		return "", wrapError(CodeInternal, "api key lookup failed", err)
	}
	if !rec.Active {
		return "", newError(CodeInvalidAPIKey, "invalid API key")
	}

	if err := b.store.TouchAPIKey(ctx, hash, b.now()); err != nil {
		b.logger.Warn("failed to record api key use", "error", err)
	}
	return rec.TenantID, nil
}

// RevokeKey deactivates a caller credential. A key id owned by a different
// tenant reads as not found, so existence is not confirmed to non-owners.
func (b *Broker) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	err := b.store.DeactivateAPIKey(ctx, tenantID, keyID)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(CodeNotFound, "api key not found")
	}
	if err != nil {
		return wrapError(CodeInternal, "failed to revoke api key", err)
	}
	b.auditor.LogKeyRevoked(tenantID, keyID)
	return nil
}

// ListKeys returns the tenant's active keys, newest first.
func (b *Broker) ListKeys(ctx context.Context, tenantID string) ([]*storage.APIKey, error) {
	keys, err := b.store.ListAPIKeys(ctx, tenantID)
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to list api keys", err)
	}
	return keys, nil
}
