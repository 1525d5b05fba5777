package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

var (
	// ErrWebhookSecretMissing means no signing secret is configured.
	ErrWebhookSecretMissing = errors.New("payments: webhook secret is not configured")
	// ErrSignatureMissing means the request carried no signature header.
	ErrSignatureMissing = errors.New("payments: webhook signature header is missing")
	// ErrSignatureInvalid means the signature did not verify against the raw body.
	ErrSignatureInvalid = errors.New("payments: webhook signature is invalid")
)

// WebhookEvent is the verified subset of a gateway event the reconciler needs.
type WebhookEvent struct {
	ID            string
	Type          string
	OrderID       string
	SessionID     string
	PaymentStatus string
}

// Completed reports whether the event asserts a captured payment for a checkout session.
func (e WebhookEvent) Completed() bool {
	switch stripe.EventType(e.Type) {
	case stripe.EventTypeCheckoutSessionCompleted:
		return e.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid)
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		return true
	}
	return false
}

// WebhookVerifier authenticates raw webhook bodies.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier returns a verifier; an empty secret makes every Verify fail.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: strings.TrimSpace(secret)}
}

// Configured reports whether a signing secret is present.
func (v *WebhookVerifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify checks signature against the untouched payload and only then decodes it.
func (v *WebhookVerifier) Verify(payload []byte, signature string) (WebhookEvent, error) {
	if !v.Configured() {
		return WebhookEvent{}, ErrWebhookSecretMissing
	}
	if strings.TrimSpace(signature) == "" {
		return WebhookEvent{}, ErrSignatureMissing
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") || event.Data == nil {
		return out, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("payments: decode checkout session: %w", err)
	}
	out.SessionID = session.ID
	out.PaymentStatus = string(session.PaymentStatus)
	out.OrderID = strings.TrimSpace(session.Metadata[MetadataOrderID])
	return out, nil
}
