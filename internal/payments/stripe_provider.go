package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const defaultStripeTimeout = 10 * time.Second

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider. An empty APIKey yields an unconfigured
// provider rather than an error so the process can start without payment credentials.
type StripeProviderConfig struct {
	APIKey   string
	Timeout  time.Duration
	Backends *stripe.Backends
	Logger   StripeLogger
	Sessions stripeSessionAPI
}

// StripeProvider implements Provider with Stripe Checkout.
type StripeProvider struct {
	sessions stripeSessionAPI
	timeout  time.Duration
	logger   StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs the provider.
func NewStripeProvider(cfg StripeProviderConfig) *StripeProvider {
	sessions := cfg.Sessions
	if sessions == nil {
		if key := strings.TrimSpace(cfg.APIKey); key != "" {
			sessions = client.New(key, cfg.Backends).CheckoutSessions
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStripeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{sessions: sessions, timeout: timeout, logger: logger}
}

// Configured implements Provider.
func (p *StripeProvider) Configured() bool {
	return p != nil && p.sessions != nil
}

// CreateCheckoutSession opens a payment-mode session. The order id is written to both session and
// payment-intent metadata so it survives the round trip to the webhook.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if !p.Configured() {
		return CheckoutSession{}, ErrNotConfigured
	}
	if len(req.Items) == 0 {
		return CheckoutSession{}, errors.New("stripe: at least one line item is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
	}
	params.Context = ctx
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(req.Locale)
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[MetadataOrderID] = req.OrderID
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}

	params.LineItems = make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		})
	}

	session, err := p.sessions.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.session.failed", map[string]any{"orderId": req.OrderID, "error": err})
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"orderId":   req.OrderID,
		"sessionId": session.ID,
		"items":     len(req.Items),
	})
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}
