package provisioning

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/agentauth/agentauth/broker"
	"github.com/agentauth/agentauth/providers"
	"github.com/agentauth/agentauth/providers/mock"
	"github.com/agentauth/agentauth/security"
	"github.com/agentauth/agentauth/storage"
	"github.com/agentauth/agentauth/storage/memory"
)

const testSecret = "whsec_dGVzdC1zaWduaW5nLXNlY3JldA=="

// sign produces a valid signature header for a payload.
func sign(t *testing.T, secret, id, timestamp string, payload []byte) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(secret[len("whsec_"):])
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(payload)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	cipher, err := security.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	b, err := broker.New(broker.Config{
		Store:     store,
		Cipher:    cipher,
		Providers: map[string]providers.Client{"google": mock.New()},
		BaseURL:   "https://broker.example.com",
	})
	if err != nil {
		t.Fatalf("broker.New() error = %v", err)
	}

	svc, err := New(Config{
		Secret: testSecret,
		Store:  store,
		Broker: b,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, store
}

func deliver(t *testing.T, svc *Service, payload string) error {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	headers := SignatureHeaders{
		ID:        "msg_1",
		Timestamp: ts,
		Signature: sign(t, testSecret, "msg_1", ts, []byte(payload)),
	}
	return svc.ProcessWebhook(context.Background(), headers, []byte(payload))
}

func TestVerifierRejectsBadSignatures(t *testing.T) {
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	payload := []byte(`{"type":"user.created"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	tests := []struct {
		name      string
		id        string
		timestamp string
		signature string
	}{
		{"wrong signature", "msg_1", ts, "v1,AAAA"},
		{"empty header", "msg_1", ts, ""},
		{"unknown version", "msg_1", ts, "v2,AAAA"},
		{"garbled timestamp", "msg_1", "not-a-number", "v1,AAAA"},
		{"stale timestamp", "msg_1", strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10), "v1,AAAA"},
		{"future timestamp", "msg_1", strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10), "v1,AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.id, tt.timestamp, payload, tt.signature)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Verify() error = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestVerifierAcceptsAnyMatchingCandidate(t *testing.T) {
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	payload := []byte(`{"type":"user.created"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	good := sign(t, testSecret, "msg_1", ts, payload)

	header := "v1,AAAA " + good + " v2,BBBB"
	if err := v.Verify("msg_1", ts, payload, header); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestNewVerifierRejectsBadSecrets(t *testing.T) {
	for _, secret := range []string{"", "nosecret", "whsec_!!!", "whsec_"} {
		if _, err := NewVerifier(secret); err == nil {
			t.Errorf("NewVerifier(%q) succeeded, want error", secret)
		}
	}
}

func TestUserCreatedProvisionsTenant(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	payload := `{"type":"user.created","data":{"id":"user_ext_1","email":"new@example.com","name":"New User"}}`
	if err := deliver(t, svc, payload); err != nil {
		t.Fatalf("ProcessWebhook() error = %v", err)
	}

	tenant, err := store.GetTenantByExternalID(ctx, "user_ext_1")
	if err != nil {
		t.Fatalf("tenant not created: %v", err)
	}
	if tenant.Email != "new@example.com" {
		t.Errorf("Email = %q, want new@example.com", tenant.Email)
	}

	keys, err := store.ListAPIKeys(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].Name != broker.DefaultKeyName {
		t.Errorf("initial key = %+v, want one %q key", keys, broker.DefaultKeyName)
	}

	// Redelivery is idempotent: no duplicate tenant, no second key.
	if err := deliver(t, svc, payload); err != nil {
		t.Fatalf("redelivered ProcessWebhook() error = %v", err)
	}
	keys, err = store.ListAPIKeys(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("key count after redelivery = %d, want 1", len(keys))
	}
}

func TestUserDeletedCascades(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := deliver(t, svc, `{"type":"user.created","data":{"id":"user_ext_2","email":"bye@example.com"}}`); err != nil {
		t.Fatalf("ProcessWebhook() error = %v", err)
	}
	tenant, err := store.GetTenantByExternalID(ctx, "user_ext_2")
	if err != nil {
		t.Fatalf("tenant not created: %v", err)
	}

	if err := deliver(t, svc, `{"type":"user.deleted","data":{"id":"user_ext_2"}}`); err != nil {
		t.Fatalf("ProcessWebhook() error = %v", err)
	}

	if _, err := store.GetTenant(ctx, tenant.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTenant() after delete error = %v, want ErrNotFound", err)
	}
	keys, err := store.ListAPIKeys(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys survived tenant deletion: %d", len(keys))
	}

	// Deleting an unknown tenant is acknowledged, not an error.
	if err := deliver(t, svc, `{"type":"user.deleted","data":{"id":"never_seen"}}`); err != nil {
		t.Errorf("delete of unknown tenant error = %v, want nil", err)
	}
}

func TestUnknownEventAcknowledged(t *testing.T) {
	svc, _ := newTestService(t)
	if err := deliver(t, svc, `{"type":"user.updated","data":{"id":"user_ext_3"}}`); err != nil {
		t.Errorf("ProcessWebhook() error = %v, want nil", err)
	}
}

func TestMalformedEventRejected(t *testing.T) {
	svc, _ := newTestService(t)

	if err := deliver(t, svc, `not json`); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("ProcessWebhook() error = %v, want ErrMalformedEvent", err)
	}
	if err := deliver(t, svc, `{"type":"user.created","data":{}}`); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("ProcessWebhook() error = %v, want ErrMalformedEvent", err)
	}
}
