package broker

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/providers"
	"github.com/agentauth/agentauth/scopes"
)

// connectWindowSeconds is how long a returned consent URL stays usable,
// matching the state token TTL.
const connectWindowSeconds = 600

// defaultScopes is requested when a tenant omits scopes from BeginConnect.
var defaultScopes = []string{"gmail.readonly"}

// BeginConnectRequest is a tenant's request to start a consent flow for one
// of its end-users.
type BeginConnectRequest struct {
	ExternalUserID string
	Service        string   // defaults to "google"
	Scopes         []string // canonical names, defaults to gmail.readonly
	RedirectURL    string   // optional post-connect redirect
}

// ConnectOffer is the answer to BeginConnect: a consent URL the tenant sends
// its end-user to, and how long it stays valid.
type ConnectOffer struct {
	URL       string
	ExpiresIn int // seconds
}

// BeginConnect validates the request, mints a state token, and builds the
// provider consent URL. The tenant must have configured provider credentials
// first; that is a precondition, not an internal failure.
func (b *Broker) BeginConnect(ctx context.Context, tenantID string, req BeginConnectRequest) (*ConnectOffer, error) {
	ctx, span := b.tracer.Start(ctx, "broker.BeginConnect")
	defer span.End()
	instrumentation.AddFlowAttributes(span, tenantID, req.Service)

	offer, err := b.beginConnect(ctx, tenantID, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrErrorCode, string(AsError(err).Code)))
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return offer, nil
}

func (b *Broker) beginConnect(ctx context.Context, tenantID string, req BeginConnectRequest) (*ConnectOffer, error) {
	if req.ExternalUserID == "" {
		return nil, newError(CodeInvalidRequest, "externalUserId is required")
	}

	service := req.Service
	if service == "" {
		service = "google"
	}
	client, ok := b.provider(service)
	if !ok {
		return nil, newError(CodeInvalidRequest, "unsupported service: "+service)
	}

	requested := req.Scopes
	if len(requested) == 0 {
		requested = defaultScopes
	}
	providerScopes, err := scopes.Resolve(requested)
	if err != nil {
		return nil, wrapError(CodeInvalidRequest, err.Error(), err)
	}

	creds, err := b.loadProviderCredentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	state, err := b.states.Create(ctx, tenantID, req.ExternalUserID, service, req.RedirectURL)
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to create auth state", err)
	}

	authURL := client.BuildAuthorizationURL(providers.AuthURLParams{
		ClientID:    creds.ClientID,
		RedirectURI: creds.RedirectURI,
		Scopes:      providerScopes,
		State:       state,
	})

	b.auditor.LogConnectStarted(tenantID, req.ExternalUserID, service, strings.Join(requested, " "))
	b.metrics.RecordConnectStarted(ctx, service)

	return &ConnectOffer{URL: authURL, ExpiresIn: connectWindowSeconds}, nil
}

// CallbackRequest carries the query parameters of a provider redirect.
type CallbackRequest struct {
	Code          string
	State         string
	ProviderError string // the provider's error query parameter, if any
}

// CompleteConnect finishes a consent flow from the provider redirect. There
// is no caller credential here; authenticity comes entirely from the
// single-use state token. Every outcome, success or failure, is reported as
// a browser redirect, never a raw error response.
func (b *Broker) CompleteConnect(ctx context.Context, req CallbackRequest) string {
	ctx, span := b.tracer.Start(ctx, "broker.CompleteConnect")
	defer span.End()

	state, err := b.states.Resolve(ctx, req.State)
	if err != nil {
		// Without a resolved state there is no tenant redirect to honor.
		be := AsError(err)
		b.logger.Warn("callback state resolution failed", "code", be.Code)
		b.metrics.RecordCallbackProcessed(ctx, string(be.Code))
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrOutcome, string(be.Code)))
		return b.genericErrorURL(string(be.Code))
	}
	instrumentation.AddFlowAttributes(span, state.TenantID, state.Service)

	fail := func(code string, cause error) string {
		if cause != nil {
			b.logger.Error("callback failed", "code", code, "tenant_id", state.TenantID, "error", cause)
		}
		b.auditor.LogConnectCompleted(state.TenantID, state.ExternalUserID, state.Service, false, code)
		b.metrics.RecordCallbackProcessed(ctx, code)
		instrumentation.RecordError(span, cause)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrOutcome, code))
		return b.redirectURL(state.RedirectURL, map[string]string{
			"error":  code,
			"userId": state.ExternalUserID,
		}, b.genericErrorURL(code))
	}

	if req.ProviderError != "" {
		return fail("access_denied", nil)
	}
	if req.Code == "" {
		return fail("token_exchange_failed", nil)
	}

	client, ok := b.provider(state.Service)
	if !ok {
		return fail("internal_error", nil)
	}

	creds, err := b.loadProviderCredentials(ctx, state.TenantID)
	if err != nil {
		be := AsError(err)
		if be.Code == CodeCredentialsNotConfigured {
			return fail("credentials_not_found", nil)
		}
		return fail("internal_error", err)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	start := time.Now()
	grant, err := client.ExchangeCode(exchangeCtx, req.Code, creds)
	cancel()
	b.metrics.RecordProviderAPICall(ctx, state.Service, "exchange",
		float64(time.Since(start).Microseconds())/1000, err)
	instrumentation.AddProviderAttributes(span, state.Service, "exchange")
	if err != nil {
		return fail("token_exchange_failed", err)
	}

	// The state is consumed; losing the write now would strand the user.
	// The final persistence step ignores inbound cancellation.
	writeCtx := context.WithoutCancel(ctx)
	if err := b.vault.saveGrant(writeCtx, state.TenantID, state.ExternalUserID, state.Service, grant); err != nil {
		return fail("storage_failed", err)
	}

	b.auditor.LogConnectCompleted(state.TenantID, state.ExternalUserID, state.Service, true, "")
	b.metrics.RecordCallbackProcessed(ctx, "success")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrOutcome, "success"))
	instrumentation.SetSpanSuccess(span)

	return b.redirectURL(state.RedirectURL, map[string]string{
		"success": "true",
		"userId":  state.ExternalUserID,
	}, b.genericSuccessURL(state.ExternalUserID))
}

// redirectURL appends params to the tenant's redirect URL, falling back to
// the given broker-hosted page when none was supplied or it does not parse.
func (b *Broker) redirectURL(target string, params map[string]string, fallback string) string {
	if target == "" {
		return fallback
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fallback
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *Broker) genericSuccessURL(externalUserID string) string {
	return b.baseURL + "/oauth-success?userId=" + url.QueryEscape(externalUserID)
}

func (b *Broker) genericErrorURL(code string) string {
	return b.baseURL + "/oauth-error?error=" + url.QueryEscape(code)
}
