package agentauth

import "time"

// Wire types for the broker's JSON API.

// connectURLRequest starts a consent flow for one of the tenant's end-users.
type connectURLRequest struct {
	ExternalUserID string   `json:"externalUserId"`
	Service        string   `json:"service,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	RedirectURL    string   `json:"redirectUrl,omitempty"`
}

// connectURLResponse carries the consent URL and its validity window.
type connectURLResponse struct {
	ConnectURL string `json:"connectUrl"`
	ExpiresIn  int    `json:"expiresIn"`
}

// tokenResponse is a currently valid access token for an end-user.
type tokenResponse struct {
	AccessToken string   `json:"accessToken"`
	ExpiresAt   string   `json:"expiresAt"` // RFC 3339
	Scopes      []string `json:"scopes"`
}

// createKeyRequest names a new API key.
type createKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// apiKeyResponse describes an API key. Key is populated only in the creation
// response; afterwards only the masked form is ever available.
type apiKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Key        string     `json:"key,omitempty"`
	MaskedKey  string     `json:"maskedKey,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// keyListResponse wraps the tenant's active keys.
type keyListResponse struct {
	Keys []apiKeyResponse `json:"keys"`
}

// credentialRequest saves a tenant's provider OAuth app.
type credentialRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri,omitempty"`
}

// credentialResponse is the masked read shape of provider credentials. The
// client secret never appears here.
type credentialResponse struct {
	ClientID    string    `json:"clientId"`
	RedirectURI string    `json:"redirectUri"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// errorResponse is the JSON error shape of every API endpoint.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
