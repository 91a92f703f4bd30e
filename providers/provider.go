// Package providers defines the contract for upstream OAuth identity
// providers and the types their token grants are reported in. Tenants bring
// their own provider OAuth app, so credentials travel with each call rather
// than living in the client.
package providers

import (
	"context"
	"fmt"
	"time"
)

// Credentials is a tenant's own OAuth app at the provider, decrypted for the
// duration of one call and discarded.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// AuthURLParams carries everything needed to build a consent URL.
type AuthURLParams struct {
	ClientID    string
	RedirectURI string
	Scopes      []string // provider scope strings, already resolved
	State       string
}

// TokenGrant is the provider's answer to a code exchange or refresh.
// RefreshToken and Scope may be empty on refresh grants.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scope        string // space-separated provider scope strings as granted
}

// ExpiryFrom computes the absolute expiry of the grant from a reference time.
func (g *TokenGrant) ExpiryFrom(now time.Time) time.Time {
	return now.Add(g.ExpiresIn)
}

// Client performs the provider-side protocol calls for one provider.
// Implementations must bound every network call with a timeout and must not
// retry: authorization codes are single-use, and retry policy belongs to the
// tenant's code.
type Client interface {
	// Name returns the provider name (e.g. "google").
	Name() string

	// BuildAuthorizationURL constructs the consent URL. Pure, no network.
	BuildAuthorizationURL(p AuthURLParams) string

	// ExchangeCode exchanges an authorization code for a token grant.
	ExchangeCode(ctx context.Context, code string, creds Credentials) (*TokenGrant, error)

	// Refresh exchanges a refresh token for a fresh access token. The
	// provider does not necessarily return a new refresh token; when it
	// does, the grant carries it.
	Refresh(ctx context.Context, refreshToken string, creds Credentials) (*TokenGrant, error)
}

// Operation distinguishes the two provider network calls in errors.
type Operation string

const (
	OpExchange Operation = "exchange"
	OpRefresh  Operation = "refresh"
)

// Error is a provider-side rejection of an exchange or refresh. The broker
// surfaces these without retrying; a refresh failure means the end-user must
// reconnect.
type Error struct {
	Op      Operation
	Message string // provider's message, for logs and redirects
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s failed: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}
