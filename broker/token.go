package broker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/security"
	"github.com/agentauth/agentauth/storage"
)

// Token is the answer to GetToken: a currently valid plaintext access token
// and the scopes of the most recent consent grant.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
	Refreshed   bool // whether this read refreshed against the provider
}

// GetToken returns a valid access token for the (tenant, external user,
// service) triple, refreshing it against the provider first when the stored
// expiry is within the safety buffer. A missing record is the expected
// signal that the tenant should fall back to BeginConnect.
func (b *Broker) GetToken(ctx context.Context, tenantID, externalUserID, service string) (*Token, error) {
	ctx, span := b.tracer.Start(ctx, "broker.GetToken")
	defer span.End()
	instrumentation.AddFlowAttributes(span, tenantID, service)

	token, err := b.getToken(ctx, tenantID, externalUserID, service)
	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrErrorCode, string(AsError(err).Code)))
		return nil, err
	}
	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrRefreshed, token.Refreshed))
	instrumentation.SetSpanSuccess(span)
	return token, nil
}

func (b *Broker) getToken(ctx context.Context, tenantID, externalUserID, service string) (*Token, error) {
	if externalUserID == "" {
		return nil, newError(CodeInvalidRequest, "userId is required")
	}
	if service == "" {
		service = "google"
	}
	if _, ok := b.provider(service); !ok {
		return nil, newError(CodeInvalidRequest, "unsupported service: "+service)
	}

	rec, err := b.store.GetUserToken(ctx, tenantID, externalUserID, service)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(CodeUserNotConnected, "user has not connected this service")
	}
	if err != nil {
		return nil, wrapError(CodeInternal, "token lookup failed", err)
	}

	if b.now().Add(refreshBuffer).Before(rec.Expiry) {
		access, err := b.vault.accessToken(ctx, rec)
		if err != nil {
			return nil, b.integrityOrInternal(err, rec.TenantID, "access_token")
		}
		b.metrics.RecordTokenRead(ctx, false)
		return &Token{AccessToken: access, ExpiresAt: rec.Expiry, Scopes: rec.Scopes}, nil
	}

	token, err := b.refreshAndServe(ctx, rec)
	if err != nil {
		return nil, err
	}
	b.metrics.RecordTokenRead(ctx, true)
	return token, nil
}

// refreshAndServe runs the refresh sub-flow for a record whose expiry is
// inside the safety buffer. On provider failure the stored record is left
// untouched so scopes and history survive a later reconnect.
func (b *Broker) refreshAndServe(ctx context.Context, rec *storage.TokenRecord) (*Token, error) {
	creds, err := b.loadProviderCredentials(ctx, rec.TenantID)
	if err != nil {
		return nil, err
	}

	refreshToken, err := b.vault.refreshToken(ctx, rec)
	if err != nil {
		return nil, b.integrityOrInternal(err, rec.TenantID, "refresh_token")
	}

	client, _ := b.provider(rec.Service)
	refreshCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	start := time.Now()
	grant, err := client.Refresh(refreshCtx, refreshToken, creds)
	cancel()
	b.metrics.RecordProviderAPICall(ctx, rec.Service, "refresh",
		float64(time.Since(start).Microseconds())/1000, err)
	instrumentation.AddProviderAttributes(trace.SpanFromContext(ctx), rec.Service, "refresh")

	b.auditor.LogTokenRefreshed(rec.TenantID, rec.ExternalUserID, rec.Service, err == nil)
	b.metrics.RecordTokenRefresh(ctx, err == nil)
	if err != nil {
		return nil, wrapError(CodeRefreshFailed, "token refresh failed, user must reconnect", err)
	}

	expiry := grant.ExpiryFrom(b.now())

	// Finish the write even if the inbound request is abandoned.
	writeCtx := context.WithoutCancel(ctx)
	if grant.RefreshToken != "" {
		// The provider rotated the refresh token; persist both.
		err = b.vault.replaceTokens(writeCtx, rec, grant.AccessToken, grant.RefreshToken, expiry)
	} else {
		err = b.vault.updateAccess(writeCtx, rec.ID, grant.AccessToken, expiry)
	}
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to persist refreshed token", err)
	}

	return &Token{
		AccessToken: grant.AccessToken,
		ExpiresAt:   expiry,
		Scopes:      rec.Scopes,
		Refreshed:   true,
	}, nil
}

// integrityOrInternal classifies a decryption failure. Integrity failures
// are alerting-grade and must never be masked as not-found.
func (b *Broker) integrityOrInternal(err error, tenantID, where string) error {
	if errors.Is(err, security.ErrIntegrity) {
		b.auditor.LogIntegrityFailure(tenantID, where)
		return wrapError(CodeIntegrityFailure, "stored token failed integrity check", err)
	}
	return wrapError(CodeInternal, "failed to decrypt stored token", err)
}
