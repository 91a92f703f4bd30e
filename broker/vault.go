package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/providers"
	"github.com/agentauth/agentauth/scopes"
	"github.com/agentauth/agentauth/security"
	"github.com/agentauth/agentauth/storage"
)

// tokenVault is the encryption boundary around the token store: tokens cross
// it as plaintext on one side and ciphertext envelopes on the other. Nothing
// else in the broker touches token ciphertext, and decrypted tokens are never
// cached across requests.
type tokenVault struct {
	tokens  storage.TokenStore
	cipher  *security.Cipher
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// saveGrant encrypts both tokens of a grant and upserts the record for the
// (tenant, external user, service) triple. The granted scope string is parsed
// into canonical names before it is stored.
func (v *tokenVault) saveGrant(ctx context.Context, tenantID, externalUserID, service string, grant *providers.TokenGrant) error {
	start := time.Now()
	encAccess, err := v.cipher.Encrypt(grant.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := v.cipher.Encrypt(grant.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	v.metrics.RecordEncryptionOperation(ctx, "encrypt", float64(time.Since(start).Microseconds())/1000)

	now := v.now()
	rec := &storage.TokenRecord{
		ID:                    uuid.NewString(),
		TenantID:              tenantID,
		ExternalUserID:        externalUserID,
		Service:               service,
		AccessTokenEncrypted:  encAccess,
		RefreshTokenEncrypted: encRefresh,
		Expiry:                grant.ExpiryFrom(now),
		Scopes:                scopes.FromGrant(grant.Scope),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := v.tokens.UpsertUserToken(ctx, rec); err != nil {
		return fmt.Errorf("upsert token record: %w", err)
	}
	return nil
}

// accessToken decrypts a record's access token.
func (v *tokenVault) accessToken(ctx context.Context, rec *storage.TokenRecord) (string, error) {
	return v.decrypt(ctx, rec.AccessTokenEncrypted)
}

// refreshToken decrypts a record's refresh token.
func (v *tokenVault) refreshToken(ctx context.Context, rec *storage.TokenRecord) (string, error) {
	return v.decrypt(ctx, rec.RefreshTokenEncrypted)
}

func (v *tokenVault) decrypt(ctx context.Context, envelope string) (string, error) {
	start := time.Now()
	plaintext, err := v.cipher.Decrypt(envelope)
	v.metrics.RecordEncryptionOperation(ctx, "decrypt", float64(time.Since(start).Microseconds())/1000)
	return plaintext, err
}

// updateAccess encrypts a freshly refreshed access token and rewrites only
// the access token and expiry of the record.
func (v *tokenVault) updateAccess(ctx context.Context, recordID, accessToken string, expiry time.Time) error {
	encAccess, err := v.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	if err := v.tokens.UpdateAccessToken(ctx, recordID, encAccess, expiry, v.now()); err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	return nil
}

// replaceTokens rewrites a record with a new access and refresh token pair,
// keeping the record's triple and scopes. Used when a refresh grant carries a
// rotated refresh token.
func (v *tokenVault) replaceTokens(ctx context.Context, rec *storage.TokenRecord, accessToken, refreshToken string, expiry time.Time) error {
	encAccess, err := v.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := v.cipher.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	updated := *rec
	updated.AccessTokenEncrypted = encAccess
	updated.RefreshTokenEncrypted = encRefresh
	updated.Expiry = expiry
	updated.UpdatedAt = v.now()
	if err := v.tokens.UpsertUserToken(ctx, &updated); err != nil {
		return fmt.Errorf("upsert token record: %w", err)
	}
	return nil
}
