package agentauth

import (
	"fmt"
	"log/slog"

	"github.com/agentauth/agentauth/broker"
	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/provisioning"
)

const (
	// defaultRateLimitPerSecond is the sustained per-IP request rate.
	defaultRateLimitPerSecond = 10

	// defaultRateLimitBurst allows short spikes above the sustained rate.
	defaultRateLimitBurst = 20
)

// Config assembles the HTTP surface. Broker and BaseURL are required;
// Provisioning is optional (without it the webhook endpoint is absent).
type Config struct {
	// BaseURL is the broker's public base URL, used in security headers
	// and the generic interstitial pages.
	BaseURL string

	Broker       *broker.Broker
	Provisioning *provisioning.Service

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// RateLimitPerSecond and RateLimitBurst bound per-IP request rates.
	// Zero means the defaults; a negative rate disables limiting.
	RateLimitPerSecond int
	RateLimitBurst     int

	// TrustProxyHeaders enables client IP extraction from forwarding
	// headers. Only set behind a trusted reverse proxy.
	TrustProxyHeaders bool
	TrustedProxyCount int
}

func (c *Config) validate() error {
	if c.Broker == nil {
		return fmt.Errorf("broker is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	return nil
}
