// Package sqlite provides a durable SQLite-backed implementation of the
// storage interfaces. Composite uniqueness and cascade deletes are enforced
// by the schema, not assumed by the application.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentauth/agentauth/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id          TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	email       TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	key_prefix   TEXT NOT NULL,
	key_hash     TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 1,
	last_used_at INTEGER,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_credentials (
	id                      TEXT PRIMARY KEY,
	tenant_id               TEXT NOT NULL UNIQUE REFERENCES tenants(id) ON DELETE CASCADE,
	client_id               TEXT NOT NULL,
	client_secret_encrypted TEXT NOT NULL,
	redirect_uri            TEXT NOT NULL,
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_states (
	state            TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	external_user_id TEXT NOT NULL,
	service          TEXT NOT NULL,
	redirect_url     TEXT NOT NULL DEFAULT '',
	expires_at       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_tokens (
	id                      TEXT PRIMARY KEY,
	tenant_id               TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	external_user_id        TEXT NOT NULL,
	service                 TEXT NOT NULL,
	access_token_encrypted  TEXT NOT NULL,
	refresh_token_encrypted TEXT NOT NULL,
	token_expiry            INTEGER NOT NULL,
	scopes                  TEXT NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL,
	UNIQUE (tenant_id, external_user_id, service)
);
`

// Store implements storage.Store over a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the broker's SQLite store at path and
// applies the schema. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	// Cascade deletes depend on this pragma; it is connection-scoped, so a
	// DSN parameter alone is not enough for every pooled connection.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- TenantStore ----

func (s *Store) CreateTenant(ctx context.Context, tenant *storage.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, external_id, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenant.ID, tenant.ExternalID, tenant.Email, tenant.Name,
		toMillis(tenant.CreatedAt), toMillis(tenant.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*storage.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx, `
		SELECT id, external_id, email, name, created_at, updated_at
		FROM tenants WHERE id = ?`, id))
}

func (s *Store) GetTenantByExternalID(ctx context.Context, externalID string) (*storage.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx, `
		SELECT id, external_id, email, name, created_at, updated_at
		FROM tenants WHERE external_id = ?`, externalID))
}

func (s *Store) scanTenant(row *sql.Row) (*storage.Tenant, error) {
	var t storage.Tenant
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.ExternalID, &t.Email, &t.Name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func (s *Store) DeleteTenantByExternalID(ctx context.Context, externalID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE external_id = ?`, externalID)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tenant rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---- APIKeyStore ----

func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) error {
	var lastUsed any
	if !key.LastUsedAt.IsZero() {
		lastUsed = toMillis(key.LastUsedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_prefix, key_hash, name, is_active, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.TenantID, key.Prefix, key.Hash, key.Name,
		boolToInt(key.Active), lastUsed, toMillis(key.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*storage.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, key_prefix, key_hash, name, is_active, last_used_at, created_at
		FROM api_keys WHERE key_hash = ?`, hash)

	key, err := scanAPIKey(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	return key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]*storage.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, key_prefix, key_hash, name, is_active, last_used_at, created_at
		FROM api_keys WHERE tenant_id = ? AND is_active = 1
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*storage.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

func scanAPIKey(scan func(dest ...any) error) (*storage.APIKey, error) {
	var key storage.APIKey
	var active int
	var lastUsed sql.NullInt64
	var createdAt int64
	if err := scan(&key.ID, &key.TenantID, &key.Prefix, &key.Hash, &key.Name,
		&active, &lastUsed, &createdAt); err != nil {
		return nil, err
	}
	key.Active = active != 0
	if lastUsed.Valid {
		key.LastUsedAt = fromMillis(lastUsed.Int64)
	}
	key.CreatedAt = fromMillis(createdAt)
	return &key, nil
}

func (s *Store) DeactivateAPIKey(ctx context.Context, tenantID, keyID string) error {
	// Scoping by tenant in the predicate makes a foreign key id read as
	// not-found rather than forbidden.
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = 0 WHERE id = ? AND tenant_id = ?`,
		keyID, tenantID)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate api key rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, hash string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`,
		toMillis(usedAt), hash)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch api key rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---- CredentialStore ----

func (s *Store) UpsertCredential(ctx context.Context, cred *storage.ProviderCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_credentials
			(id, tenant_id, client_id, client_secret_encrypted, redirect_uri, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			client_id               = excluded.client_id,
			client_secret_encrypted = excluded.client_secret_encrypted,
			redirect_uri            = excluded.redirect_uri,
			updated_at              = excluded.updated_at`,
		cred.ID, cred.TenantID, cred.ClientID, cred.ClientSecretEncrypted,
		cred.RedirectURI, toMillis(cred.CreatedAt), toMillis(cred.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert provider credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, tenantID string) (*storage.ProviderCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, client_id, client_secret_encrypted, redirect_uri, created_at, updated_at
		FROM provider_credentials WHERE tenant_id = ?`, tenantID)

	var cred storage.ProviderCredential
	var createdAt, updatedAt int64
	err := row.Scan(&cred.ID, &cred.TenantID, &cred.ClientID,
		&cred.ClientSecretEncrypted, &cred.RedirectURI, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider credential: %w", err)
	}
	cred.CreatedAt = fromMillis(createdAt)
	cred.UpdatedAt = fromMillis(updatedAt)
	return &cred, nil
}

func (s *Store) DeleteCredential(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_credentials WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete provider credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete provider credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---- StateStore ----

func (s *Store) SaveAuthState(ctx context.Context, state *storage.AuthState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_states (state, tenant_id, external_user_id, service, redirect_url, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.Token, state.TenantID, state.ExternalUserID, state.Service,
		state.RedirectURL, toMillis(state.ExpiresAt), toMillis(state.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert auth state: %w", err)
	}
	return nil
}

// ConsumeAuthState deletes and returns the state in one statement, so a
// concurrently replayed token is observed by at most one caller.
func (s *Store) ConsumeAuthState(ctx context.Context, token string) (*storage.AuthState, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM auth_states WHERE state = ?
		RETURNING state, tenant_id, external_user_id, service, redirect_url, expires_at, created_at`,
		token)

	var state storage.AuthState
	var expiresAt, createdAt int64
	err := row.Scan(&state.Token, &state.TenantID, &state.ExternalUserID,
		&state.Service, &state.RedirectURL, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume auth state: %w", err)
	}
	state.ExpiresAt = fromMillis(expiresAt)
	state.CreatedAt = fromMillis(createdAt)
	return &state, nil
}

// ---- TokenStore ----

func (s *Store) GetUserToken(ctx context.Context, tenantID, externalUserID, service string) (*storage.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, external_user_id, service,
		       access_token_encrypted, refresh_token_encrypted,
		       token_expiry, scopes, created_at, updated_at
		FROM user_tokens
		WHERE tenant_id = ? AND external_user_id = ? AND service = ?`,
		tenantID, externalUserID, service)

	var rec storage.TokenRecord
	var expiry, createdAt, updatedAt int64
	var scopes string
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.ExternalUserID, &rec.Service,
		&rec.AccessTokenEncrypted, &rec.RefreshTokenEncrypted,
		&expiry, &scopes, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token record: %w", err)
	}
	rec.Expiry = fromMillis(expiry)
	rec.Scopes = splitScopes(scopes)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func (s *Store) UpsertUserToken(ctx context.Context, rec *storage.TokenRecord) error {
	// On conflict the existing row keeps its id and created_at; RETURNING
	// reflects the surviving values back onto the record.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO user_tokens
			(id, tenant_id, external_user_id, service,
			 access_token_encrypted, refresh_token_encrypted,
			 token_expiry, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, external_user_id, service) DO UPDATE SET
			access_token_encrypted  = excluded.access_token_encrypted,
			refresh_token_encrypted = excluded.refresh_token_encrypted,
			token_expiry            = excluded.token_expiry,
			scopes                  = excluded.scopes,
			updated_at              = excluded.updated_at
		RETURNING id, created_at`,
		rec.ID, rec.TenantID, rec.ExternalUserID, rec.Service,
		rec.AccessTokenEncrypted, rec.RefreshTokenEncrypted,
		toMillis(rec.Expiry), joinScopes(rec.Scopes),
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))

	var createdAt int64
	if err := row.Scan(&rec.ID, &createdAt); err != nil {
		return fmt.Errorf("upsert token record: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return nil
}

func (s *Store) UpdateAccessToken(ctx context.Context, recordID, accessTokenEncrypted string, expiry, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_tokens
		SET access_token_encrypted = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?`,
		accessTokenEncrypted, toMillis(expiry), toMillis(updatedAt), recordID)
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update access token rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Scope names contain no whitespace (canonical names and unmapped provider
// URLs alike), so a space-joined column round-trips them.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
