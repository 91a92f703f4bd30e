// Command agentauth runs the OAuth token broker as a standalone HTTP service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentauth/agentauth"
	"github.com/agentauth/agentauth/broker"
	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/providers"
	"github.com/agentauth/agentauth/providers/google"
	"github.com/agentauth/agentauth/provisioning"
	"github.com/agentauth/agentauth/security"
	"github.com/agentauth/agentauth/storage"
	"github.com/agentauth/agentauth/storage/memory"
	"github.com/agentauth/agentauth/storage/sqlite"
)

type config struct {
	ListenAddr string `env:"AGENTAUTH_LISTEN_ADDR" envDefault:":8080"`
	BaseURL    string `env:"AGENTAUTH_BASE_URL" envDefault:"http://localhost:8080"`

	// EncryptionKey is the hex-encoded 32-byte AES-256 key for token storage.
	EncryptionKey string `env:"AGENTAUTH_ENCRYPTION_KEY,required"`

	// CallbackURL overrides the default <BaseURL>/oauth/callback.
	CallbackURL string `env:"AGENTAUTH_CALLBACK_URL"`

	Storage    string `env:"AGENTAUTH_STORAGE" envDefault:"memory"`
	SQLitePath string `env:"AGENTAUTH_SQLITE_PATH" envDefault:"agentauth.db"`

	RateLimitPerSecond int `env:"AGENTAUTH_RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst     int `env:"AGENTAUTH_RATE_LIMIT_BURST" envDefault:"20"`

	// WebhookSecret enables the provisioning webhook when set.
	WebhookSecret string `env:"AGENTAUTH_WEBHOOK_SECRET"`

	LogLevel  string `env:"AGENTAUTH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"AGENTAUTH_LOG_FORMAT" envDefault:"json"`

	AuditLogClientIPs bool `env:"AGENTAUTH_AUDIT_LOG_CLIENT_IPS" envDefault:"false"`

	TelemetryEnabled bool   `env:"AGENTAUTH_TELEMETRY_ENABLED" envDefault:"false"`
	ServiceVersion   string `env:"AGENTAUTH_SERVICE_VERSION" envDefault:"dev"`

	TrustProxyHeaders bool `env:"AGENTAUTH_TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"AGENTAUTH_TRUSTED_PROXIES" envDefault:"1"`

	ReadHeaderTimeout time.Duration `env:"AGENTAUTH_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"AGENTAUTH_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentauth:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	key, err := security.KeyFromHex(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("AGENTAUTH_ENCRYPTION_KEY: %w", err)
	}
	cipher, err := security.NewCipher(key)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "agentauth",
		ServiceVersion: cfg.ServiceVersion,
		Enabled:        cfg.TelemetryEnabled,
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	callbackURL := cfg.CallbackURL
	if callbackURL == "" {
		callbackURL = baseURL + "/oauth/callback"
	}

	b, err := broker.New(broker.Config{
		Store:           store,
		Cipher:          cipher,
		Providers:       map[string]providers.Client{"google": google.New(nil)},
		BaseURL:         baseURL,
		CallbackURL:     callbackURL,
		Logger:          logger,
		Auditor:         security.NewAuditor(logger, cfg.AuditLogClientIPs),
		Instrumentation: inst,
	})
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	var prov *provisioning.Service
	if cfg.WebhookSecret != "" {
		prov, err = provisioning.New(provisioning.Config{
			Secret:          cfg.WebhookSecret,
			Store:           store,
			Broker:          b,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			return fmt.Errorf("init provisioning: %w", err)
		}
	} else {
		logger.Info("provisioning webhook disabled, no secret configured")
	}

	handler, err := agentauth.NewHandler(agentauth.Config{
		BaseURL:            baseURL,
		Broker:             b,
		Provisioning:       prov,
		Logger:             logger,
		Instrumentation:    inst,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		TrustProxyHeaders:  cfg.TrustProxyHeaders,
		TrustedProxyCount:  cfg.TrustedProxyCount,
	})
	if err != nil {
		return fmt.Errorf("init handler: %w", err)
	}
	defer handler.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentauth listening",
			"addr", cfg.ListenAddr,
			"base_url", baseURL,
			"storage", cfg.Storage,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config) (storage.Store, error) {
	switch cfg.Storage {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want memory or sqlite)", cfg.Storage)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("AGENTAUTH_LOG_LEVEL: %w", err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("AGENTAUTH_LOG_FORMAT: unknown format %q", format)
	}
	return slog.New(handler), nil
}
