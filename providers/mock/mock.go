// Package mock provides a mock implementation of providers.Client for testing.
package mock

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentauth/agentauth/providers"
)

// Client is a mock providers.Client. Each method delegates to its Func field,
// and call counts are tracked for assertions.
type Client struct {
	NameFunc                  func() string
	BuildAuthorizationURLFunc func(p providers.AuthURLParams) string
	ExchangeCodeFunc          func(ctx context.Context, code string, creds providers.Credentials) (*providers.TokenGrant, error)
	RefreshFunc               func(ctx context.Context, refreshToken string, creds providers.Credentials) (*providers.TokenGrant, error)

	mu         sync.Mutex
	callCounts map[string]int
}

// New creates a mock client with working defaults: exchanges succeed with
// fixed tokens, refreshes return a fresh access token.
func New() *Client {
	return &Client{
		callCounts: make(map[string]int),
		NameFunc: func() string {
			return "google"
		},
		BuildAuthorizationURLFunc: func(p providers.AuthURLParams) string {
			q := url.Values{}
			q.Set("client_id", p.ClientID)
			q.Set("redirect_uri", p.RedirectURI)
			q.Set("scope", strings.Join(p.Scopes, " "))
			q.Set("state", p.State)
			return "https://mock.example.com/authorize?" + q.Encode()
		},
		ExchangeCodeFunc: func(_ context.Context, _ string, _ providers.Credentials) (*providers.TokenGrant, error) {
			return &providers.TokenGrant{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				ExpiresIn:    time.Hour,
			}, nil
		},
		RefreshFunc: func(_ context.Context, _ string, _ providers.Credentials) (*providers.TokenGrant, error) {
			return &providers.TokenGrant{
				AccessToken: "mock-refreshed-access-token",
				ExpiresIn:   time.Hour,
			}, nil
		},
	}
}

var _ providers.Client = (*Client)(nil)

func (c *Client) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callCounts == nil {
		c.callCounts = make(map[string]int)
	}
	c.callCounts[method]++
}

// CallCount returns how many times the named method was invoked.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCounts[method]
}

func (c *Client) Name() string {
	c.record("Name")
	return c.NameFunc()
}

func (c *Client) BuildAuthorizationURL(p providers.AuthURLParams) string {
	c.record("BuildAuthorizationURL")
	return c.BuildAuthorizationURLFunc(p)
}

func (c *Client) ExchangeCode(ctx context.Context, code string, creds providers.Credentials) (*providers.TokenGrant, error) {
	c.record("ExchangeCode")
	return c.ExchangeCodeFunc(ctx, code, creds)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string, creds providers.Credentials) (*providers.TokenGrant, error) {
	c.record("Refresh")
	return c.RefreshFunc(ctx, refreshToken, creds)
}
