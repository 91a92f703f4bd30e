// Package broker orchestrates the token broker's flows: issuing consent
// URLs, completing provider token exchanges, and serving tokens with
// refresh-on-read. It composes the storage, provider, scope, and security
// packages; the HTTP surface lives in the root package.
package broker

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/providers"
	"github.com/agentauth/agentauth/security"
	"github.com/agentauth/agentauth/storage"
)

const (
	// refreshBuffer is the safety window before access-token expiry inside
	// which a read triggers a refresh.
	refreshBuffer = 300 * time.Second

	// stateTTL bounds a pending consent round-trip.
	stateTTL = 10 * time.Minute

	// providerTimeout bounds each provider network call.
	providerTimeout = 30 * time.Second
)

// Config carries the broker's collaborators. Store, Cipher, and at least one
// provider client are required; everything else defaults.
type Config struct {
	Store  storage.Store
	Cipher *security.Cipher

	// Providers maps service names to their exchange clients. The broker
	// rejects requests naming a service with no client.
	Providers map[string]providers.Client

	// BaseURL is the broker's public base URL, used for the generic
	// success and error interstitial pages.
	BaseURL string

	// CallbackURL is the broker's provider-redirect endpoint, used as the
	// default redirect URI when a tenant saves credentials without one.
	CallbackURL string

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Broker implements the token broker's operations. It is stateless between
// requests; all durable state lives in the store.
type Broker struct {
	store     storage.Store
	cipher    *security.Cipher
	providers map[string]providers.Client

	states *stateManager
	vault  *tokenVault

	baseURL     string
	callbackURL string

	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a broker from the given configuration.
func New(cfg Config) (*Broker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("cipher is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auditor == nil {
		cfg.Auditor = security.NewAuditor(cfg.Logger, false)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var metrics *instrumentation.Metrics
	tracer := tracenoop.NewTracerProvider().Tracer("broker")
	if cfg.Instrumentation != nil {
		metrics = cfg.Instrumentation.Metrics()
		tracer = cfg.Instrumentation.Tracer("broker")
	}
	cfg.Auditor.SetMetrics(metrics)

	store := cfg.Store
	if metrics != nil {
		store = storage.WithMetrics(store, metrics)
	}

	b := &Broker{
		store:       store,
		cipher:      cfg.Cipher,
		providers:   cfg.Providers,
		baseURL:     cfg.BaseURL,
		callbackURL: cfg.CallbackURL,
		logger:      cfg.Logger,
		auditor:     cfg.Auditor,
		metrics:     metrics,
		tracer:      tracer,
		now:         cfg.Now,
	}
	b.states = &stateManager{store: store, ttl: stateTTL, now: cfg.Now}
	b.vault = &tokenVault{tokens: store, cipher: cfg.Cipher, metrics: metrics, now: cfg.Now}
	return b, nil
}

// provider returns the exchange client for a service name.
func (b *Broker) provider(service string) (providers.Client, bool) {
	client, ok := b.providers[service]
	return client, ok
}

// Auditor exposes the broker's auditor for collaborators that log security
// events outside a broker operation, like the provisioning webhook.
func (b *Broker) Auditor() *security.Auditor {
	return b.auditor
}
