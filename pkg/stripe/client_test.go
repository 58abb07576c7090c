package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	stripego "github.com/stripe/stripe-go/v84"

	"github.com/calyxlabs/billingcore/pkg/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), config.StripeConfig{
		APIKey:           "sk_test_123",
		WebhookSecret:    "whsec_test_secret",
		Env:              "test",
		WebhookTolerance: 5 * time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func signPayload(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestNewClientValidatesKeyEnvPairing(t *testing.T) {
	_, err := NewClient(context.Background(), config.StripeConfig{
		APIKey:        "sk_live_123",
		WebhookSecret: "whsec_x",
		Env:           "test",
	}, nil)
	if err == nil {
		t.Fatal("expected live key in test env to be rejected")
	}
}

func TestNewClientLeavesGlobalKeyUnset(t *testing.T) {
	c := newTestClient(t)
	if c.API() == nil {
		t.Fatal("expected wrapped api client")
	}
	if stripego.Key != "" {
		t.Fatalf("expected package-global key to stay unset, got %q", stripego.Key)
	}
}

func TestVerifyEvent_AcceptsValidSignature(t *testing.T) {
	client := newTestClient(t)
	payload := []byte(`{"id":"evt_1","object":"event","api_version":"2025-12-15.clover","type":"product.created","data":{"object":{}}}`)

	event, err := client.VerifyEvent(payload, signPayload("whsec_test_secret", payload, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.ID != "evt_1" {
		t.Fatalf("unexpected event id %q", event.ID)
	}
}

func TestVerifyEvent_RejectsTamperedPayload(t *testing.T) {
	client := newTestClient(t)
	payload := []byte(`{"id":"evt_1","type":"product.created","data":{"object":{}}}`)
	header := signPayload("whsec_test_secret", payload, time.Now())

	_, err := client.VerifyEvent([]byte(`{"id":"evt_2"}`), header)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyEvent_RejectsStaleTimestamp(t *testing.T) {
	client := newTestClient(t)
	payload := []byte(`{"id":"evt_1","type":"product.created","data":{"object":{}}}`)
	header := signPayload("whsec_test_secret", payload, time.Now().Add(-time.Hour))

	_, err := client.VerifyEvent(payload, header)
	if !errors.Is(err, ErrSignatureStale) {
		t.Fatalf("expected ErrSignatureStale, got %v", err)
	}
}
