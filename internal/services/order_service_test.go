package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/platform/auth"
	"github.com/meditationastro/medinow-orders/internal/repositories/memory"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type loggedEvent struct {
	name   string
	fields map[string]any
}

type eventLog struct {
	events []loggedEvent
}

func (l *eventLog) log(_ context.Context, event string, fields map[string]any) {
	l.events = append(l.events, loggedEvent{name: event, fields: fields})
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, e := range l.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%04d", n)
	}
}

func newTestOrderService(t *testing.T) (OrderService, *memory.OrderRepository, *eventLog) {
	t.Helper()
	repo := memory.NewOrderRepository()
	events := &eventLog{}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      repo,
		Clock:       func() time.Time { return testNow },
		IDGenerator: sequentialIDs(),
		Logger:      events.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc, repo, events
}

var (
	admin    = &auth.Identity{UID: "admin-1", Email: "ops@example.com", Roles: []string{auth.RoleAdmin}}
	shopperA = &auth.Identity{UID: "user-a", Email: "a@example.com", Roles: []string{auth.RoleUser}}
	shopperB = &auth.Identity{UID: "user-b", Email: "b@example.com", Roles: []string{auth.RoleUser}}
)

func createCmd(provider string, caller *auth.Identity, email string) CreateOrderCommand {
	return CreateOrderCommand{
		FullName:        "Ada Lovelace",
		Email:           email,
		PaymentProvider: provider,
		Caller:          caller,
		Items: []domain.LineItemInput{
			{ProductID: "p1", ProductTitle: "Reading", VersionTitle: "60 min", UnitPrice: "19.99", Quantity: "3"},
			{ProductID: "p2", ProductTitle: "Chart", UnitPrice: "5", Quantity: "1"},
		},
	}
}

func TestOrderServiceCreatePricesAndAssignsIDs(t *testing.T) {
	svc, repo, events := newTestOrderService(t)

	order, err := svc.Create(context.Background(), createCmd("STRIPE", nil, "ada@example.com"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.Total.StringFixed(2) != "64.97" {
		t.Fatalf("total = %s, want 64.97", order.Total.StringFixed(2))
	}
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("status = %s, want PENDING_PAYMENT", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("payment status = %s", order.PaymentStatus)
	}
	if order.ID != "ord_0003" || order.Items[0].ID != "itm_0001" || order.Items[1].ID != "itm_0002" {
		t.Fatalf("unexpected ids %s %s %s", order.ID, order.Items[0].ID, order.Items[1].ID)
	}
	if order.UserID != "" {
		t.Fatalf("guest order should have no user id, got %q", order.UserID)
	}
	if order.Currency != domain.DefaultCurrency || !order.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected defaults %+v", order)
	}
	if _, err := repo.FindByID(context.Background(), order.ID); err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if events.count(orderEventCreated) != 1 {
		t.Fatalf("expected one %s event", orderEventCreated)
	}
}

func TestOrderServiceCreateInitialStatusByProvider(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"":       domain.OrderStatusPending,
		"manual": domain.OrderStatusPending,
		"NONE":   domain.OrderStatusPending,
		"stripe": domain.OrderStatusPendingPayment,
	}
	for provider, want := range cases {
		t.Run(provider, func(t *testing.T) {
			svc, _, _ := newTestOrderService(t)
			order, err := svc.Create(context.Background(), createCmd(provider, shopperA, "a@example.com"))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if order.Status != want {
				t.Fatalf("status = %s, want %s", order.Status, want)
			}
			if order.UserID != shopperA.UID {
				t.Fatalf("user id = %q", order.UserID)
			}
		})
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateOrderCommand)
	}{
		{"missing name", func(c *CreateOrderCommand) { c.FullName = "  " }},
		{"markup only name", func(c *CreateOrderCommand) { c.FullName = "<b></b>" }},
		{"missing email", func(c *CreateOrderCommand) { c.Email = "" }},
		{"bad email", func(c *CreateOrderCommand) { c.Email = "not-an-email" }},
		{"no items", func(c *CreateOrderCommand) { c.Items = nil }},
		{"item without title", func(c *CreateOrderCommand) { c.Items[0].ProductTitle = "" }},
		{"unknown provider", func(c *CreateOrderCommand) { c.PaymentProvider = "PAYPAL" }},
		{"bad currency", func(c *CreateOrderCommand) { c.Currency = "dollars" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestOrderService(t)
			cmd := createCmd("STRIPE", nil, "ada@example.com")
			tc.mutate(&cmd)
			if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestOrderServiceCreateSanitizesText(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	cmd := createCmd("", nil, "ada@example.com")
	cmd.FullName = "<script>alert(1)</script>Ada   Lovelace"
	cmd.Notes = "leave at <b>door</b>"
	order, err := svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.FullName != "Ada Lovelace" {
		t.Fatalf("full name = %q", order.FullName)
	}
	if order.Notes != "leave at door" {
		t.Fatalf("notes = %q", order.Notes)
	}
}

func TestOrderServiceGetEnforcesOwnership(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	ctx := context.Background()
	byUID, err := svc.Create(ctx, createCmd("", shopperA, "other@example.com"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	byEmail, err := svc.Create(ctx, createCmd("", nil, "A@Example.com"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Get(ctx, byUID.ID, nil); !errors.Is(err, ErrOrderUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := svc.Get(ctx, byUID.ID, shopperA); err != nil {
		t.Fatalf("owner by uid: %v", err)
	}
	if _, err := svc.Get(ctx, byEmail.ID, shopperA); err != nil {
		t.Fatalf("owner by email: %v", err)
	}
	if _, err := svc.Get(ctx, byUID.ID, shopperB); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := svc.Get(ctx, byUID.ID, admin); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if _, err := svc.Get(ctx, "ord_missing", admin); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceListScopesToCaller(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	ctx := context.Background()
	for _, cmd := range []CreateOrderCommand{
		createCmd("", shopperA, "a@example.com"),
		createCmd("", nil, "a@example.com"),
		createCmd("", shopperB, "b@example.com"),
		createCmd("", nil, "someone@example.com"),
	} {
		if _, err := svc.Create(ctx, cmd); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	if _, err := svc.List(ctx, nil); !errors.Is(err, ErrOrderUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	mine, err := svc.List(ctx, shopperA)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("shopper A sees %d orders, want 2", len(mine))
	}
	for _, o := range mine {
		if o.UserID != shopperA.UID && !o.EmailMatches(shopperA.Email) {
			t.Fatalf("leaked order %+v", o)
		}
	}
	all, err := svc.List(ctx, admin)
	if err != nil {
		t.Fatalf("List admin: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("admin sees %d orders, want 4", len(all))
	}
}

func TestOrderServiceSetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("requires admin", func(t *testing.T) {
		svc, _, _ := newTestOrderService(t)
		order, _ := svc.Create(ctx, createCmd("", shopperA, "a@example.com"))
		_, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldStatus, Value: "CONFIRMED", Caller: shopperA})
		if !errors.Is(err, ErrOrderPermissionDenied) {
			t.Fatalf("expected permission denied, got %v", err)
		}
		_, err = svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldStatus, Value: "CONFIRMED"})
		if !errors.Is(err, ErrOrderUnauthenticated) {
			t.Fatalf("expected unauthenticated, got %v", err)
		}
	})

	t.Run("walks the lifecycle", func(t *testing.T) {
		svc, _, events := newTestOrderService(t)
		order, _ := svc.Create(ctx, createCmd("", nil, "a@example.com"))
		for _, next := range []string{"confirmed", "COMPLETED"} {
			updated, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldStatus, Value: next, Caller: admin})
			if err != nil {
				t.Fatalf("SetStatus %s: %v", next, err)
			}
			order = updated
		}
		if order.Status != domain.OrderStatusCompleted {
			t.Fatalf("status = %s", order.Status)
		}
		_, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldStatus, Value: "PENDING", Caller: admin})
		if !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
		if events.count(orderEventStatusChanged) != 2 {
			t.Fatalf("expected two status change events, got %d", events.count(orderEventStatusChanged))
		}
	})

	t.Run("payment status is monotonic", func(t *testing.T) {
		svc, _, _ := newTestOrderService(t)
		order, _ := svc.Create(ctx, createCmd("MANUAL", nil, "a@example.com"))
		paid, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldPaymentStatus, Value: "PAID", Caller: admin})
		if err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		if paid.PaymentStatus != domain.PaymentStatusPaid || paid.PaidAt == nil || paid.Status != domain.OrderStatusConfirmed {
			t.Fatalf("unexpected paid order %+v", paid)
		}
		_, err = svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldPaymentStatus, Value: "UNPAID", Caller: admin})
		if !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
	})

	t.Run("paidAt set once", func(t *testing.T) {
		svc, _, _ := newTestOrderService(t)
		order, _ := svc.Create(ctx, createCmd("MANUAL", nil, "a@example.com"))
		_, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldPaidAt, Value: "yesterday", Caller: admin})
		if !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
		updated, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldPaidAt, Value: "2026-03-01T10:00:00+02:00", Caller: admin})
		if err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		if want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC); !updated.PaidAt.Equal(want) {
			t.Fatalf("paidAt = %v, want %v", updated.PaidAt, want)
		}
		_, err = svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: StatusFieldPaidAt, Value: "2026-03-02T10:00:00Z", Caller: admin})
		if !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
	})

	t.Run("unknown field and order", func(t *testing.T) {
		svc, _, _ := newTestOrderService(t)
		order, _ := svc.Create(ctx, createCmd("", nil, "a@example.com"))
		if _, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Field: "total", Value: "0", Caller: admin}); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
		if _, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: "ord_nope", Field: StatusFieldStatus, Value: "CONFIRMED", Caller: admin}); !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestOrderServiceDelete(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	ctx := context.Background()
	order, _ := svc.Create(ctx, createCmd("", shopperA, "a@example.com"))

	if err := svc.Delete(ctx, order.ID, shopperA); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("owner delete should be denied, got %v", err)
	}
	if err := svc.Delete(ctx, order.ID, admin); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, order.ID, admin); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceTrack(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	ctx := context.Background()
	order, _ := svc.Create(ctx, createCmd("STRIPE", nil, "Ada@Example.com"))

	view, err := svc.Track(ctx, order.ID, "  ada@example.COM ", nil)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if view.ID != order.ID || view.Total.StringFixed(2) != "64.97" || len(view.Items) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	if _, err := svc.Track(ctx, order.ID, "eve@example.com", nil); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := svc.Track(ctx, "ord_missing", "ada@example.com", nil); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Track(ctx, "", "ada@example.com", nil); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.Track(ctx, order.ID, "ada@example.com", shopperB); err != nil {
		t.Fatalf("guest order tracked by any session: %v", err)
	}
}

func TestOrderServiceTrackChecksSession(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	ctx := context.Background()
	order, _ := svc.Create(ctx, createCmd("STRIPE", shopperA, "a@example.com"))

	tests := []struct {
		name   string
		email  string
		caller *auth.Identity
		want   error
	}{
		{"anonymous with email", "a@example.com", nil, nil},
		{"owner session", "a@example.com", shopperA, nil},
		{"admin session", "a@example.com", admin, nil},
		{"other account with right email", "a@example.com", shopperB, ErrOrderPermissionDenied},
		{"owner session with wrong email", "b@example.com", shopperA, ErrOrderPermissionDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Track(ctx, order.ID, tc.email, tc.caller)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Track: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderServiceMarkPaidIsIdempotent(t *testing.T) {
	svc, repo, events := newTestOrderService(t)
	ctx := context.Background()
	order, _ := svc.Create(ctx, createCmd("STRIPE", nil, "a@example.com"))

	first, err := svc.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, EventID: "evt_1", SessionID: "cs_1"})
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if !first.Applied {
		t.Fatalf("first delivery should apply")
	}
	if first.Order.PaymentStatus != domain.PaymentStatusPaid || first.Order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected order %+v", first.Order)
	}
	if first.Order.PaidAt == nil || !first.Order.PaidAt.Equal(testNow) || first.Order.StripeSessionID != "cs_1" {
		t.Fatalf("paidAt/session not recorded: %+v", first.Order)
	}

	again, err := svc.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, EventID: "evt_1", SessionID: "cs_1"})
	if err != nil {
		t.Fatalf("MarkPaid redelivery: %v", err)
	}
	if again.Applied {
		t.Fatalf("redelivery must not apply")
	}

	other, err := svc.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, EventID: "evt_2"})
	if err != nil {
		t.Fatalf("MarkPaid second event: %v", err)
	}
	if other.Applied {
		t.Fatalf("already paid order must not apply again")
	}

	stored, _ := repo.FindByID(ctx, order.ID)
	if len(stored.ProcessedEventIDs) != 2 || !stored.PaidAt.Equal(testNow) {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	if events.count(orderEventPaidDuplicate) != 1 {
		t.Fatalf("expected one duplicate event, got %d", events.count(orderEventPaidDuplicate))
	}
}

func TestOrderServiceMarkPaidKeepsCompletedAndFlagsCancelled(t *testing.T) {
	ctx := context.Background()

	svc, _, events := newTestOrderService(t)
	cancelled, _ := svc.Create(ctx, createCmd("STRIPE", nil, "a@example.com"))
	if _, err := svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: cancelled.ID, Field: StatusFieldStatus, Value: "CANCELLED", Caller: admin}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res, err := svc.MarkPaid(ctx, MarkPaidCommand{OrderID: cancelled.ID, EventID: "evt_c"})
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if !res.Applied || res.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment on cancelled order should still be recorded: %+v", res)
	}
	if events.count(orderEventPaidCancelled) != 1 {
		t.Fatalf("expected cancelled-order payment to be logged")
	}

	if _, err := svc.MarkPaid(ctx, MarkPaidCommand{OrderID: "ord_missing", EventID: "evt_x"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceMarkPaidBoundsProcessedEvents(t *testing.T) {
	svc, repo, _ := newTestOrderService(t)
	ctx := context.Background()
	order, _ := svc.Create(ctx, createCmd("STRIPE", nil, "a@example.com"))
	for i := 0; i < processedEventLimit+5; i++ {
		if _, err := svc.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, EventID: fmt.Sprintf("evt_%d", i)}); err != nil {
			t.Fatalf("MarkPaid: %v", err)
		}
	}
	stored, _ := repo.FindByID(ctx, order.ID)
	if len(stored.ProcessedEventIDs) != processedEventLimit {
		t.Fatalf("processed ids = %d, want %d", len(stored.ProcessedEventIDs), processedEventLimit)
	}
	if stored.ProcessedEventIDs[0] != "evt_5" {
		t.Fatalf("oldest ids should be evicted first, got %s", stored.ProcessedEventIDs[0])
	}
}

func TestOrderServiceAttachCheckoutSession(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	ctx := context.Background()
	stripeOrder, _ := svc.Create(ctx, createCmd("STRIPE", nil, "a@example.com"))
	manualOrder, _ := svc.Create(ctx, createCmd("MANUAL", nil, "a@example.com"))

	updated, err := svc.AttachCheckoutSession(ctx, stripeOrder.ID, "cs_42")
	if err != nil {
		t.Fatalf("AttachCheckoutSession: %v", err)
	}
	if updated.StripeSessionID != "cs_42" {
		t.Fatalf("session = %q", updated.StripeSessionID)
	}
	if _, err := svc.AttachCheckoutSession(ctx, manualOrder.ID, "cs_43"); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
