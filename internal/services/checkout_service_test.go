package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"testing"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/payments"
	"github.com/meditationastro/medinow-orders/internal/platform/auth"
)

type stubProvider struct {
	configured bool
	session    payments.CheckoutSession
	err        error
	requests   []payments.CheckoutSessionRequest
}

func (s *stubProvider) Configured() bool { return s.configured }

func (s *stubProvider) CreateCheckoutSession(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.requests = append(s.requests, req)
	return s.session, s.err
}

type checkoutFixture struct {
	orders   OrderService
	checkout CheckoutService
	provider *stubProvider
}

func newCheckoutFixture(t *testing.T, successURL string) checkoutFixture {
	t.Helper()
	orders, repo, _ := newTestOrderService(t)
	provider := &stubProvider{
		configured: true,
		session:    payments.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/pay/cs_test_1"},
	}
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:     repo,
		OrderState: orders,
		Provider:   provider,
		SuccessURL: successURL,
		CancelURL:  "https://shop.example.com/cancelled",
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return checkoutFixture{orders: orders, checkout: checkout, provider: provider}
}

func TestCheckoutCreateSession(t *testing.T) {
	f := newCheckoutFixture(t, "https://shop.example.com/thanks?ref=mail")
	ctx := context.Background()
	order, err := f.orders.Create(ctx, createCmd("STRIPE", nil, "ada@example.com"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: order.ID, Email: "ADA@example.com", Locale: "fr-CA", Metadata: map[string]string{" campaign ": " spring ", "": "x"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if res.SessionID != "cs_test_1" || res.URL == "" || res.OrderID != order.ID {
		t.Fatalf("unexpected result %+v", res)
	}

	if len(f.provider.requests) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(f.provider.requests))
	}
	req := f.provider.requests[0]
	if req.OrderID != order.ID || req.Currency != "USD" || req.CustomerEmail != "ada@example.com" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Locale != "fr-CA" {
		t.Fatalf("locale = %q", req.Locale)
	}
	if len(req.Metadata) != 1 || req.Metadata["campaign"] != "spring" {
		t.Fatalf("metadata = %v", req.Metadata)
	}
	if len(req.Items) != 2 || req.Items[0].UnitAmount != 1999 || req.Items[0].Quantity != 3 || req.Items[0].Name != "Reading (60 min)" {
		t.Fatalf("unexpected items %+v", req.Items)
	}
	success, err := url.Parse(req.SuccessURL)
	if err != nil {
		t.Fatalf("parse success url: %v", err)
	}
	q := success.Query()
	if q.Get("orderId") != order.ID || q.Get("email") != "ada@example.com" || q.Get("ref") != "mail" {
		t.Fatalf("success url query = %v", q)
	}

	stored, err := f.orders.Get(ctx, order.ID, admin)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.StripeSessionID != "cs_test_1" {
		t.Fatalf("session not attached: %+v", stored)
	}
}

func TestCheckoutCreateSessionRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("misconfigured", func(t *testing.T) {
		f := newCheckoutFixture(t, "")
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: "ord_1", Email: "a@example.com"})
		if !errors.Is(err, ErrCheckoutGatewayMisconfigured) {
			t.Fatalf("expected misconfigured, got %v", err)
		}
	})

	t.Run("provider without key", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		f.provider.configured = false
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: "ord_1", Email: "a@example.com"})
		if !errors.Is(err, ErrCheckoutGatewayMisconfigured) {
			t.Fatalf("expected misconfigured, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: "ord_1"})
		if !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: "ord_missing", Email: "a@example.com"})
		if !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("email mismatch", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		order, _ := f.orders.Create(ctx, createCmd("STRIPE", nil, "a@example.com"))
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: order.ID, Email: "eve@example.com"})
		if !errors.Is(err, ErrOrderPermissionDenied) {
			t.Fatalf("expected permission denied, got %v", err)
		}
	})

	t.Run("other account", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		order, _ := f.orders.Create(ctx, createCmd("STRIPE", shopperA, "a@example.com"))
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: order.ID, Email: "a@example.com", Caller: &auth.Identity{UID: "user-z"}})
		if !errors.Is(err, ErrOrderPermissionDenied) {
			t.Fatalf("expected permission denied, got %v", err)
		}
	})

	t.Run("manual order", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		order, _ := f.orders.Create(ctx, createCmd("MANUAL", nil, "a@example.com"))
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: order.ID, Email: "a@example.com"})
		if !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})

	t.Run("already paid", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		order, _ := f.orders.Create(ctx, createCmd("STRIPE", nil, "a@example.com"))
		if _, err := f.orders.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, EventID: "evt_1"}); err != nil {
			t.Fatalf("MarkPaid: %v", err)
		}
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: order.ID, Email: "a@example.com"})
		if !errors.Is(err, ErrOrderConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if len(f.provider.requests) != 0 {
			t.Fatalf("gateway must not be called")
		}
	})

	t.Run("gateway failure", func(t *testing.T) {
		f := newCheckoutFixture(t, "https://shop.example.com/thanks")
		f.provider.err = errors.New("card_declined")
		order, _ := f.orders.Create(ctx, createCmd("STRIPE", nil, "a@example.com"))
		_, err := f.checkout.CreateSession(ctx, CreateCheckoutSessionCommand{OrderID: order.ID, Email: "a@example.com"})
		if !errors.Is(err, ErrCheckoutGatewayFailure) {
			t.Fatalf("expected gateway failure, got %v", err)
		}
	})
}

func TestSessionMetadata(t *testing.T) {
	long := strings.Repeat("v", maxMetadataValueLen+10)
	extra := map[string]string{
		"orderId":               "ord_forged",
		"userId":                "someone-else",
		"utm_source":            "newsletter",
		"blank":                 "  ",
		strings.Repeat("k", 41): "too long key",
		"note":                  long,
	}

	got := sessionMetadata(extra, domain.Order{ID: "ord_1", UserID: "user-a"})
	want := map[string]string{
		"utm_source": "newsletter",
		"note":       strings.Repeat("v", maxMetadataValueLen),
		"userId":     "user-a",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sessionMetadata = %v", got)
	}

	if got := sessionMetadata(map[string]string{"userId": "forged"}, domain.Order{ID: "ord_2"}); got != nil {
		t.Fatalf("guest order metadata = %v", got)
	}

	many := make(map[string]string, 30)
	for i := 0; i < 30; i++ {
		many[fmt.Sprintf("k%02d", i)] = "v"
	}
	if got := sessionMetadata(many, domain.Order{}); len(got) != maxMetadataEntries {
		t.Fatalf("expected %d entries, got %d", maxMetadataEntries, len(got))
	}
}
