// Package google implements the providers.Client contract for Google OAuth.
package google

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/agentauth/agentauth/providers"
)

// defaultTimeout bounds every provider network call. A timeout surfaces the
// same way as an explicit provider rejection and is never retried here.
const defaultTimeout = 30 * time.Second

// Client implements providers.Client for Google.
type Client struct {
	httpClient *http.Client
}

// Config holds optional Google client configuration.
type Config struct {
	// HTTPClient overrides the default client. Tests point this at a stub
	// token endpoint via oauth2.HTTPClient context injection.
	HTTPClient *http.Client
}

// New creates a Google provider client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{httpClient: httpClient}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "google"
}

// config assembles a per-call oauth2.Config from tenant credentials.
func (c *Client) config(creds providers.Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Endpoint:     googleoauth.Endpoint,
	}
}

// BuildAuthorizationURL constructs the Google consent URL. Offline access and
// forced re-consent are always requested: without them Google silently omits
// the refresh token for a previously-connected user, which would leave the
// broker unable to refresh.
func (c *Client) BuildAuthorizationURL(p providers.AuthURLParams) string {
	cfg := &oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURI,
		Scopes:      p.Scopes,
		Endpoint:    googleoauth.Endpoint,
	}
	return cfg.AuthCodeURL(p.State,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string, creds providers.Credentials) (*providers.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.config(creds).Exchange(ctx, code)
	if err != nil {
		return nil, &providers.Error{Op: providers.OpExchange, Message: providerMessage(err), Err: err}
	}

	return grantFromToken(token), nil
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string, creds providers.Credentials) (*providers.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.config(creds).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, &providers.Error{Op: providers.OpRefresh, Message: providerMessage(err), Err: err}
	}

	grant := grantFromToken(token)
	// Google echoes back the same refresh token on refresh grants; only
	// report a rotation when the value actually changed.
	if token.RefreshToken == refreshToken {
		grant.RefreshToken = ""
	}
	return grant, nil
}

// grantFromToken converts an oauth2.Token into the broker's grant shape.
// Granted scopes ride in the token's extra fields.
func grantFromToken(token *oauth2.Token) *providers.TokenGrant {
	grant := &providers.TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    time.Until(token.Expiry),
	}
	if scope, ok := token.Extra("scope").(string); ok {
		grant.Scope = scope
	}
	return grant
}

// providerMessage extracts Google's own error description when available.
func providerMessage(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			if retrieveErr.ErrorDescription != "" {
				return retrieveErr.ErrorCode + ": " + retrieveErr.ErrorDescription
			}
			return retrieveErr.ErrorCode
		}
		return string(retrieveErr.Body)
	}
	return err.Error()
}
