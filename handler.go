// Package agentauth exposes the OAuth token broker over HTTP: the tenant API
// (connect URLs, token reads, key and credential management), the provider
// callback, the provisioning webhook, and the interstitial pages.
package agentauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/agentauth/agentauth/broker"
	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/internal/httputil"
	"github.com/agentauth/agentauth/provisioning"
	"github.com/agentauth/agentauth/security"
)

// maxWebhookBody bounds provisioning webhook payloads.
const maxWebhookBody = 1 << 20

// Handler is the broker's HTTP surface.
type Handler struct {
	broker       *broker.Broker
	provisioning *provisioning.Service

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	limiter *security.RateLimiter

	baseURL    string
	trustProxy bool
	proxyCount int

	mux  *http.ServeMux
	root http.Handler
}

// NewHandler assembles the HTTP surface from its collaborators.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var metrics *instrumentation.Metrics
	tracer := tracenoop.NewTracerProvider().Tracer("httpapi")
	if cfg.Instrumentation != nil {
		metrics = cfg.Instrumentation.Metrics()
		tracer = cfg.Instrumentation.Tracer("httpapi")
	}

	var limiter *security.RateLimiter
	if cfg.RateLimitPerSecond >= 0 {
		rate := cfg.RateLimitPerSecond
		if rate == 0 {
			rate = defaultRateLimitPerSecond
		}
		burst := cfg.RateLimitBurst
		if burst == 0 {
			burst = defaultRateLimitBurst
		}
		limiter = security.NewRateLimiter(rate, burst, cfg.Logger)
	}

	h := &Handler{
		broker:       cfg.Broker,
		provisioning: cfg.Provisioning,
		logger:       cfg.Logger,
		metrics:      metrics,
		tracer:       tracer,
		limiter:      limiter,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		trustProxy:   cfg.TrustProxyHeaders,
		proxyCount:   cfg.TrustedProxyCount,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/connect-url", h.handleConnectURL)
	mux.HandleFunc("GET /api/v1/token", h.handleGetToken)
	mux.HandleFunc("GET /oauth/callback", h.handleCallback)
	mux.HandleFunc("POST /api/v1/keys", h.handleCreateKey)
	mux.HandleFunc("GET /api/v1/keys", h.handleListKeys)
	mux.HandleFunc("DELETE /api/v1/keys/{id}", h.handleRevokeKey)
	mux.HandleFunc("GET /api/v1/credentials", h.handleGetCredential)
	mux.HandleFunc("POST /api/v1/credentials", h.handleSaveCredential)
	mux.HandleFunc("DELETE /api/v1/credentials", h.handleDeleteCredential)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /oauth-success", h.handleSuccessPage)
	mux.HandleFunc("GET /oauth-error", h.handleErrorPage)
	if cfg.Provisioning != nil {
		mux.HandleFunc("POST /webhooks/provisioning", h.handleProvisioningWebhook)
	}
	h.mux = mux
	h.root = security.RequestIDMiddleware(http.HandlerFunc(h.serve))

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// serve runs inside the request ID middleware: security headers, per-IP rate
// limiting, request metrics, then the route table.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.baseURL)

	if h.limiter != nil && r.URL.Path != "/healthz" {
		ip := h.clientIP(r)
		if !h.limiter.Allow(ip) {
			h.broker.Auditor().LogRateLimitExceeded(ip)
			h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
			h.writeError(w, "rate_limited", "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	ctx, span := h.tracer.Start(r.Context(), "http.request")
	defer span.End()
	r = r.WithContext(ctx)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, rec.status)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status,
		float64(time.Since(start).Microseconds())/1000)
}

func (h *Handler) clientIP(r *http.Request) string {
	return httputil.ClientIP(r, h.trustProxy, h.proxyCount)
}

// authenticate resolves the bearer API key to a tenant id, writing the error
// response itself on failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, key, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || key == "" {
		h.broker.Auditor().LogAuthFailure(h.clientIP(r), "missing_bearer")
		h.metrics.RecordAuthFailure(r.Context(), "missing_bearer")
		h.writeError(w, string(broker.CodeInvalidAPIKey), "missing bearer API key", http.StatusUnauthorized)
		return "", false
	}

	tenantID, err := h.broker.ValidateAPIKey(r.Context(), strings.TrimSpace(key))
	if err != nil {
		h.broker.Auditor().LogAuthFailure(h.clientIP(r), "invalid_api_key")
		h.metrics.RecordAuthFailure(r.Context(), "invalid_api_key")
		h.writeBrokerError(w, err)
		return "", false
	}
	return tenantID, true
}

func (h *Handler) handleConnectURL(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req connectURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, string(broker.CodeInvalidRequest), "invalid JSON body", http.StatusBadRequest)
		return
	}

	offer, err := h.broker.BeginConnect(r.Context(), tenantID, broker.BeginConnectRequest{
		ExternalUserID: req.ExternalUserID,
		Service:        req.Service,
		Scopes:         req.Scopes,
		RedirectURL:    req.RedirectURL,
	})
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, connectURLResponse{
		ConnectURL: offer.URL,
		ExpiresIn:  offer.ExpiresIn,
	})
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	token, err := h.broker.GetToken(r.Context(), tenantID, q.Get("userId"), q.Get("service"))
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt.UTC().Format(time.RFC3339),
		Scopes:      token.Scopes,
	})
}

// handleCallback is the provider redirect target. It never writes a JSON
// error; every outcome is a browser redirect.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect := h.broker.CompleteConnect(r.Context(), broker.CallbackRequest{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		ProviderError: q.Get("error"),
	})
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req createKeyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, string(broker.CodeInvalidRequest), "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	issued, err := h.broker.IssueKey(r.Context(), tenantID, req.Name)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, apiKeyResponse{
		ID:        issued.ID,
		Name:      issued.Name,
		Prefix:    issued.Prefix,
		Key:       issued.Key,
		MaskedKey: issued.MaskedKey,
		CreatedAt: issued.CreatedAt,
	})
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	keys, err := h.broker.ListKeys(r.Context(), tenantID)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	resp := keyListResponse{Keys: make([]apiKeyResponse, 0, len(keys))}
	for _, k := range keys {
		item := apiKeyResponse{
			ID:        k.ID,
			Name:      k.Name,
			Prefix:    k.Prefix,
			CreatedAt: k.CreatedAt,
		}
		if !k.LastUsedAt.IsZero() {
			lastUsed := k.LastUsedAt
			item.LastUsedAt = &lastUsed
		}
		resp.Keys = append(resp.Keys, item)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if err := h.broker.RevokeKey(r.Context(), tenantID, r.PathValue("id")); err != nil {
		h.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	view, err := h.broker.GetCredential(r.Context(), tenantID)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, credentialResponse{
		ClientID:    view.ClientID,
		RedirectURI: view.RedirectURI,
		UpdatedAt:   view.UpdatedAt,
	})
}

func (h *Handler) handleSaveCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, string(broker.CodeInvalidRequest), "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := h.broker.SaveCredential(r.Context(), tenantID, req.ClientID, req.ClientSecret, req.RedirectURI); err != nil {
		h.writeBrokerError(w, err)
		return
	}

	view, err := h.broker.GetCredential(r.Context(), tenantID)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, credentialResponse{
		ClientID:    view.ClientID,
		RedirectURI: view.RedirectURI,
		UpdatedAt:   view.UpdatedAt,
	})
}

func (h *Handler) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if err := h.broker.DeleteCredential(r.Context(), tenantID); err != nil {
		h.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProvisioningWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, string(broker.CodeInvalidRequest), "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := provisioning.SignatureHeaders{
		ID:        r.Header.Get("svix-id"),
		Timestamp: r.Header.Get("svix-timestamp"),
		Signature: r.Header.Get("svix-signature"),
	}
	err = h.provisioning.ProcessWebhook(r.Context(), headers, payload)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, provisioning.ErrInvalidSignature):
		h.writeError(w, "invalid_signature", "webhook signature verification failed", http.StatusUnauthorized)
	case errors.Is(err, provisioning.ErrMalformedEvent):
		h.writeError(w, string(broker.CodeInvalidRequest), "malformed webhook event", http.StatusBadRequest)
	default:
		h.logger.Error("provisioning webhook failed", "error", err)
		h.writeError(w, string(broker.CodeInternal), "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var interstitialTmpl = template.Must(template.New("interstitial").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p>You can close this window.</p>
</body>
</html>`))

type interstitialData struct {
	Title   string
	Message string
}

// handleSuccessPage is the generic landing page when a tenant supplied no
// post-connect redirect.
func (h *Handler) handleSuccessPage(w http.ResponseWriter, r *http.Request) {
	h.serveInterstitial(w, interstitialData{
		Title:   "Connection successful",
		Message: fmt.Sprintf("Account %s is now connected.", r.URL.Query().Get("userId")),
	})
}

func (h *Handler) handleErrorPage(w http.ResponseWriter, r *http.Request) {
	h.serveInterstitial(w, interstitialData{
		Title:   "Connection failed",
		Message: fmt.Sprintf("The connection could not be completed (%s). Please try again.", r.URL.Query().Get("error")),
	})
}

func (h *Handler) serveInterstitial(w http.ResponseWriter, data interstitialData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := interstitialTmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render interstitial", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}

// writeBrokerError maps a broker error to its HTTP response. Internal and
// integrity failures are logged with their cause and reported generically.
func (h *Handler) writeBrokerError(w http.ResponseWriter, err error) {
	be := broker.AsError(err)
	message := be.Message
	if be.Code == broker.CodeInternal || be.Code == broker.CodeIntegrityFailure {
		h.logger.Error("request failed", "code", be.Code, "error", err)
		message = "internal error"
	}
	h.writeError(w, string(be.Code), message, be.HTTPStatus())
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
