package google

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/agentauth/agentauth/providers"
)

// rewriteTransport sends every request to the test server regardless of the
// URL the oauth2 endpoint carries.
type rewriteTransport struct {
	host string
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(&Config{
		HTTPClient: &http.Client{Transport: rewriteTransport{host: srv.Listener.Addr().String()}},
	})
}

var testCreds = providers.Credentials{
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	RedirectURI:  "https://broker.example.com/oauth/callback",
}

func TestName(t *testing.T) {
	if got := New(nil).Name(); got != "google" {
		t.Errorf("Name = %q", got)
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	raw := New(nil).BuildAuthorizationURL(providers.AuthURLParams{
		ClientID:    "client-id",
		RedirectURI: "https://broker.example.com/oauth/callback",
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.send",
			"https://www.googleapis.com/auth/drive.file",
		},
		State: "state-token",
	})

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("URL does not parse: %v", err)
	}
	q := u.Query()

	if got := q.Get("client_id"); got != "client-id" {
		t.Errorf("client_id = %q", got)
	}
	if got := q.Get("redirect_uri"); got != "https://broker.example.com/oauth/callback" {
		t.Errorf("redirect_uri = %q", got)
	}
	if got := q.Get("state"); got != "state-token" {
		t.Errorf("state = %q", got)
	}
	if got := q.Get("scope"); got != "https://www.googleapis.com/auth/gmail.send https://www.googleapis.com/auth/drive.file" {
		t.Errorf("scope = %q", got)
	}

	// Offline access and forced consent are what make Google return a
	// refresh token for repeat connections.
	if got := q.Get("access_type"); got != "offline" {
		t.Errorf("access_type = %q, want offline", got)
	}
	if got := q.Get("prompt"); got != "consent" {
		t.Errorf("prompt = %q, want consent", got)
	}
}

func TestExchangeCode(t *testing.T) {
	var gotCode string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		gotCode = r.FormValue("code")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "https://www.googleapis.com/auth/gmail.send",
		})
	})

	grant, err := client.ExchangeCode(t.Context(), "auth-code", testCreds)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	if gotCode != "auth-code" {
		t.Errorf("provider received code %q", gotCode)
	}
	if grant.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q", grant.AccessToken)
	}
	if grant.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q", grant.RefreshToken)
	}
	if grant.Scope != "https://www.googleapis.com/auth/gmail.send" {
		t.Errorf("Scope = %q", grant.Scope)
	}
	if grant.ExpiresIn < 55*time.Minute || grant.ExpiresIn > time.Hour {
		t.Errorf("ExpiresIn = %v, want about an hour", grant.ExpiresIn)
	}
}

func TestExchangeCodeSurfacesProviderError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "Code was already redeemed.",
		})
	})

	_, err := client.ExchangeCode(t.Context(), "used-code", testCreds)
	var provErr *providers.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *providers.Error", err)
	}
	if provErr.Op != providers.OpExchange {
		t.Errorf("Op = %q", provErr.Op)
	}
	if provErr.Message != "invalid_grant: Code was already redeemed." {
		t.Errorf("Message = %q", provErr.Message)
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name        string
		responds    string
		wantRotated string
	}{
		// Google echoes back the presented refresh token; the grant reports
		// no rotation in that case.
		{"echoed token", "stored-refresh", ""},
		{"rotated token", "new-refresh", "new-refresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotGrantType, gotRefresh string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_ = r.ParseForm()
				gotGrantType = r.FormValue("grant_type")
				gotRefresh = r.FormValue("refresh_token")
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "access-2",
					"refresh_token": tt.responds,
					"token_type":    "Bearer",
					"expires_in":    3600,
				})
			})

			grant, err := client.Refresh(t.Context(), "stored-refresh", testCreds)
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}

			if gotGrantType != "refresh_token" {
				t.Errorf("grant_type = %q", gotGrantType)
			}
			if gotRefresh != "stored-refresh" {
				t.Errorf("refresh_token sent = %q", gotRefresh)
			}
			if grant.AccessToken != "access-2" {
				t.Errorf("AccessToken = %q", grant.AccessToken)
			}
			if grant.RefreshToken != tt.wantRotated {
				t.Errorf("RefreshToken = %q, want %q", grant.RefreshToken, tt.wantRotated)
			}
		})
	}
}

func TestRefreshSurfacesProviderError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})

	_, err := client.Refresh(t.Context(), "revoked", testCreds)
	var provErr *providers.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *providers.Error", err)
	}
	if provErr.Op != providers.OpRefresh {
		t.Errorf("Op = %q", provErr.Op)
	}
	if provErr.Message != "invalid_grant" {
		t.Errorf("Message = %q", provErr.Message)
	}
}

func TestExpiryFrom(t *testing.T) {
	grant := &providers.TokenGrant{ExpiresIn: time.Hour}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := grant.ExpiryFrom(now); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiryFrom = %v", got)
	}
}
