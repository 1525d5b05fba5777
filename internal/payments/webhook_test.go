package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"
)

const testSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload string, secret string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

const completedEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {"object": {"id": "cs_test_1", "object": "checkout.session", "payment_status": "paid", "metadata": {"orderId": "ord_1"}}}
}`

func TestVerifyAcceptsValidSignature(t *testing.T) {
	header, body := signedPayload(t, completedEvent, testSecret)
	event, err := NewWebhookVerifier(testSecret).Verify(body, header)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if event.ID != "evt_1" || event.OrderID != "ord_1" || event.SessionID != "cs_test_1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if !event.Completed() {
		t.Fatalf("expected completed event")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	header, _ := signedPayload(t, completedEvent, testSecret)
	tampered := []byte(completedEvent[:len(completedEvent)-2] + ` }`)
	if _, err := NewWebhookVerifier(testSecret).Verify(tampered, header); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	otherHeader, body := signedPayload(t, completedEvent, "whsec_other")
	if _, err := NewWebhookVerifier(testSecret).Verify(body, otherHeader); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for wrong secret, got %v", err)
	}
}

func TestVerifyRequiresMaterial(t *testing.T) {
	header, body := signedPayload(t, completedEvent, testSecret)
	if _, err := NewWebhookVerifier("").Verify(body, header); !errors.Is(err, ErrWebhookSecretMissing) {
		t.Fatalf("expected ErrWebhookSecretMissing, got %v", err)
	}
	if _, err := NewWebhookVerifier(testSecret).Verify(body, ""); !errors.Is(err, ErrSignatureMissing) {
		t.Fatalf("expected ErrSignatureMissing, got %v", err)
	}
}

func TestWebhookEventCompleted(t *testing.T) {
	cases := []struct {
		event WebhookEvent
		want  bool
	}{
		{WebhookEvent{Type: "checkout.session.completed", PaymentStatus: "paid"}, true},
		{WebhookEvent{Type: "checkout.session.completed", PaymentStatus: "unpaid"}, false},
		{WebhookEvent{Type: "checkout.session.async_payment_succeeded"}, true},
		{WebhookEvent{Type: "payment_intent.created"}, false},
	}
	for _, tc := range cases {
		if got := tc.event.Completed(); got != tc.want {
			t.Errorf("%+v: got %v want %v", tc.event, got, tc.want)
		}
	}
}
