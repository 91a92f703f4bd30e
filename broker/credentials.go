package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/agentauth/providers"
	"github.com/agentauth/agentauth/security"
	"github.com/agentauth/agentauth/storage"
)

// CredentialView is the read shape of a tenant's provider credentials. The
// client secret never appears in any read, masked or otherwise.
type CredentialView struct {
	ClientID    string
	RedirectURI string
	UpdatedAt   time.Time
}

// SaveCredential upserts a tenant's provider OAuth app credentials. The
// client secret is encrypted before it reaches the store; an empty redirect
// URI defaults to the broker's own callback endpoint.
func (b *Broker) SaveCredential(ctx context.Context, tenantID, clientID, clientSecret, redirectURI string) error {
	if clientID == "" || clientSecret == "" {
		return newError(CodeInvalidRequest, "clientId and clientSecret are required")
	}
	if redirectURI == "" {
		redirectURI = b.callbackURL
	}

	encSecret, err := b.cipher.Encrypt(clientSecret)
	if err != nil {
		return wrapError(CodeInternal, "failed to encrypt client secret", err)
	}

	now := b.now()
	cred := &storage.ProviderCredential{
		ID:                    uuid.NewString(),
		TenantID:              tenantID,
		ClientID:              clientID,
		ClientSecretEncrypted: encSecret,
		RedirectURI:           redirectURI,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := b.store.UpsertCredential(ctx, cred); err != nil {
		return wrapError(CodeInternal, "failed to save credentials", err)
	}
	return nil
}

// GetCredential returns the tenant's provider credentials without the secret.
func (b *Broker) GetCredential(ctx context.Context, tenantID string) (*CredentialView, error) {
	cred, err := b.store.GetCredential(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(CodeCredentialsNotConfigured, "provider credentials not configured")
	}
	if err != nil {
		return nil, wrapError(CodeInternal, "credential lookup failed", err)
	}
	return &CredentialView{
		ClientID:    cred.ClientID,
		RedirectURI: cred.RedirectURI,
		UpdatedAt:   cred.UpdatedAt,
	}, nil
}

// DeleteCredential removes the tenant's provider credentials.
func (b *Broker) DeleteCredential(ctx context.Context, tenantID string) error {
	err := b.store.DeleteCredential(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(CodeNotFound, "provider credentials not configured")
	}
	if err != nil {
		return wrapError(CodeInternal, "failed to delete credentials", err)
	}
	return nil
}

// loadProviderCredentials fetches and decrypts a tenant's provider app for
// one provider call. The plaintext secret lives only for the duration of
// that call.
func (b *Broker) loadProviderCredentials(ctx context.Context, tenantID string) (providers.Credentials, error) {
	cred, err := b.store.GetCredential(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return providers.Credentials{}, newError(CodeCredentialsNotConfigured, "provider credentials not configured")
	}
	if err != nil {
		return providers.Credentials{}, wrapError(CodeInternal, "credential lookup failed", err)
	}

	secret, err := b.cipher.Decrypt(cred.ClientSecretEncrypted)
	if err != nil {
		if errors.Is(err, security.ErrIntegrity) {
			b.auditor.LogIntegrityFailure(tenantID, "provider_credential")
			return providers.Credentials{}, wrapError(CodeIntegrityFailure, "stored credentials failed integrity check", err)
		}
		return providers.Credentials{}, wrapError(CodeInternal, "failed to decrypt client secret", err)
	}

	return providers.Credentials{
		ClientID:     cred.ClientID,
		ClientSecret: secret,
		RedirectURI:  cred.RedirectURI,
	}, nil
}
