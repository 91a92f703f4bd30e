// Package storage defines the broker's persisted entities and the store
// interfaces its backends implement. Every entity is owned by exactly one
// tenant; no operation joins across tenant boundaries.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist (or is not owned
// by the requesting tenant, which callers must not be able to distinguish).
var ErrNotFound = errors.New("record not found")

// Tenant is an account that owns caller credentials, provider credentials,
// auth states, and token records. ExternalID is the identity-provider subject
// the provisioning webhook keys on.
type Tenant struct {
	ID         string
	ExternalID string
	Email      string
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// APIKey is a caller credential record. Only the SHA-256 hash of the full
// secret is stored; the prefix is displayable, the hash is the lookup key.
type APIKey struct {
	ID         string
	TenantID   string
	Prefix     string
	Hash       string
	Name       string
	Active     bool
	LastUsedAt time.Time // zero if never used
	CreatedAt  time.Time
}

// ProviderCredential holds a tenant's own Google OAuth app: client id in
// plaintext (not a secret), client secret only as ciphertext. At most one
// record exists per tenant.
type ProviderCredential struct {
	ID                    string
	TenantID              string
	ClientID              string
	ClientSecretEncrypted string
	RedirectURI           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AuthState binds a pending provider consent round-trip back to the tenant
// request that initiated it. The token is high-entropy and single-use.
type AuthState struct {
	Token          string
	TenantID       string
	ExternalUserID string
	Service        string
	RedirectURL    string // optional post-connect redirect
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// TokenRecord is the encrypted token pair for one (tenant, external user,
// service) triple. Exactly one live record exists per triple.
type TokenRecord struct {
	ID                    string
	TenantID              string
	ExternalUserID        string
	Service               string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	Expiry                time.Time
	Scopes                []string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TenantStore manages tenant records. Deleting a tenant cascades over every
// record the tenant owns.
type TenantStore interface {
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantByExternalID(ctx context.Context, externalID string) (*Tenant, error)
	DeleteTenantByExternalID(ctx context.Context, externalID string) error
}

// APIKeyStore manages caller credential records. Lookups are always by hash.
type APIKeyStore interface {
	SaveAPIKey(ctx context.Context, key *APIKey) error

	// GetAPIKeyByHash returns the record matching the hash regardless of
	// its active flag; the caller decides how inactive keys fail.
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)

	// ListAPIKeys returns the tenant's active keys, newest first.
	ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error)

	// DeactivateAPIKey soft-deletes a key. A key id not owned by tenantID
	// fails with ErrNotFound.
	DeactivateAPIKey(ctx context.Context, tenantID, keyID string) error

	// TouchAPIKey records last use. Best effort on the caller's side.
	TouchAPIKey(ctx context.Context, hash string, usedAt time.Time) error
}

// CredentialStore manages provider credential records, at most one per
// tenant, with upsert-on-save semantics.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, cred *ProviderCredential) error
	GetCredential(ctx context.Context, tenantID string) (*ProviderCredential, error)
	DeleteCredential(ctx context.Context, tenantID string) error
}

// StateStore manages pending consent states.
type StateStore interface {
	SaveAuthState(ctx context.Context, state *AuthState) error

	// ConsumeAuthState atomically retrieves and deletes a state by token.
	// If two callers present the same token concurrently, at most one
	// observes the record; the other gets ErrNotFound. Expiry is not
	// checked here; the returned record carries its ExpiresAt.
	ConsumeAuthState(ctx context.Context, token string) (*AuthState, error)
}

// TokenStore manages encrypted token records keyed by the uniqueness triple.
type TokenStore interface {
	GetUserToken(ctx context.Context, tenantID, externalUserID, service string) (*TokenRecord, error)

	// UpsertUserToken inserts, or on triple conflict replaces both tokens,
	// expiry, and scopes.
	UpsertUserToken(ctx context.Context, rec *TokenRecord) error

	// UpdateAccessToken rewrites only the access token and expiry of an
	// existing record, leaving refresh token and scopes untouched. The
	// caller supplies the update timestamp so backends stay on its clock.
	UpdateAccessToken(ctx context.Context, recordID, accessTokenEncrypted string, expiry, updatedAt time.Time) error
}

// Store is the full persistence surface a backend provides.
type Store interface {
	TenantStore
	APIKeyStore
	CredentialStore
	StateStore
	TokenStore

	Close() error
}
