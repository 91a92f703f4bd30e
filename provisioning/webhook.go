// Package provisioning handles tenant lifecycle events delivered by the
// identity provider's signup webhook: tenant creation with an initial API
// key and welcome mail, and tenant deletion with full cascade.
package provisioning

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/agentauth/broker"
	"github.com/agentauth/agentauth/instrumentation"
	"github.com/agentauth/agentauth/storage"
)

const (
	// secretPrefix marks the webhook signing secret format.
	secretPrefix = "whsec_"

	// timestampTolerance bounds how stale or future-dated a webhook may be.
	timestampTolerance = 5 * time.Minute

	// signatureVersion is the only signature scheme accepted.
	signatureVersion = "v1"
)

// ErrInvalidSignature indicates the webhook signature did not verify. The
// HTTP surface maps it to an authentication failure.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// ErrMalformedEvent indicates the webhook payload could not be interpreted.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Verifier checks webhook signatures: HMAC-SHA256 over "id.timestamp.payload"
// with a base64 secret, constant-time comparison, bounded timestamp skew.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier creates a verifier from a "whsec_"-prefixed base64 secret.
func NewVerifier(secret string) (*Verifier, error) {
	if !strings.HasPrefix(secret, secretPrefix) {
		return nil, fmt.Errorf("webhook secret must start with %q", secretPrefix)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	return &Verifier{key: key, now: time.Now}, nil
}

// Verify checks the signature header against the payload. The header may
// carry multiple space-separated "v1,<base64>" candidates; any one matching
// accepts the webhook.
func (v *Verifier) Verify(id, timestamp string, payload []byte, signatureHeader string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", ErrInvalidSignature)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > timestampTolerance || skew < -timestampTolerance {
		return fmt.Errorf("timestamp outside tolerance: %w", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, v.key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range strings.Fields(signatureHeader) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != signatureVersion {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Event is a provisioning webhook event.
type Event struct {
	Type string    `json:"type"`
	Data EventUser `json:"data"`
}

// EventUser is the identity-provider user a provisioning event concerns.
type EventUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SignatureHeaders are the webhook's authentication headers.
type SignatureHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// Config carries the service's collaborators.
type Config struct {
	Secret string // "whsec_"-prefixed signing secret
	Store  storage.TenantStore
	Broker *broker.Broker
	Mailer Mailer

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	Now func() time.Time
}

// Service processes provisioning webhooks.
type Service struct {
	verifier *Verifier
	store    storage.TenantStore
	broker   *broker.Broker
	mailer   Mailer
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	now      func() time.Time
}

// New creates a provisioning service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tenant store is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	verifier, err := NewVerifier(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mailer == nil {
		cfg.Mailer = NewLogMailer(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var metrics *instrumentation.Metrics
	if cfg.Instrumentation != nil {
		metrics = cfg.Instrumentation.Metrics()
	}
	verifier.now = cfg.Now

	return &Service{
		verifier: verifier,
		store:    cfg.Store,
		broker:   cfg.Broker,
		mailer:   cfg.Mailer,
		logger:   cfg.Logger,
		metrics:  metrics,
		now:      cfg.Now,
	}, nil
}

// ProcessWebhook verifies and dispatches one webhook delivery. Unknown event
// types are acknowledged without action so new upstream events never cause
// redelivery storms.
func (s *Service) ProcessWebhook(ctx context.Context, headers SignatureHeaders, payload []byte) error {
	if err := s.verifier.Verify(headers.ID, headers.Timestamp, payload, headers.Signature); err != nil {
		return err
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Data.ID == "" {
		return fmt.Errorf("%w: missing user id", ErrMalformedEvent)
	}

	var err error
	switch event.Type {
	case "user.created":
		err = s.createTenant(ctx, event.Data)
	case "user.deleted":
		err = s.deleteTenant(ctx, event.Data.ID)
	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type)
	}
	s.metrics.RecordWebhookProcessed(ctx, event.Type, err == nil)
	return err
}

// createTenant provisions a tenant for a newly signed-up user. Redelivery of
// the same user is a no-op. The initial API key and welcome mail are best
// effort: their failure never fails the webhook, since the tenant can issue
// keys from the dashboard.
func (s *Service) createTenant(ctx context.Context, user EventUser) error {
	if _, err := s.store.GetTenantByExternalID(ctx, user.ID); err == nil {
		s.logger.Info("tenant already provisioned", "external_id", user.ID)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("tenant lookup: %w", err)
	}

	now := s.now()
	tenant := &storage.Tenant{
		ID:         uuid.NewString(),
		ExternalID: user.ID,
		Email:      user.Email,
		Name:       user.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	s.logger.Info("tenant provisioned", "tenant_id", tenant.ID)

	if _, err := s.broker.IssueKey(ctx, tenant.ID, broker.DefaultKeyName); err != nil {
		s.logger.Error("failed to issue initial api key", "tenant_id", tenant.ID, "error", err)
	}

	if user.Email != "" {
		if err := s.mailer.SendWelcome(ctx, user.Email, user.Name); err != nil {
			s.logger.Warn("failed to send welcome mail", "tenant_id", tenant.ID, "error", err)
		}
	}
	return nil
}

// deleteTenant removes a tenant and, via the store's cascade, every record
// it owns. A tenant already gone is a no-op.
func (s *Service) deleteTenant(ctx context.Context, externalID string) error {
	err := s.store.DeleteTenantByExternalID(ctx, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Info("tenant already deleted", "external_id", externalID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	s.logger.Info("tenant deleted", "external_id", externalID)
	return nil
}
