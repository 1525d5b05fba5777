package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/notifications"
	"github.com/meditationastro/medinow-orders/internal/payments"
)

const (
	reconcileEventReceived = "webhook.received"
	reconcileEventSkipped  = "webhook.skipped"
	reconcileEventApplied  = "webhook.applied"
	reconcileEventNotify   = "webhook.notification_failed"

	skipUnhandledType = "unhandled_event_type"
	skipMissingOrder  = "missing_order_reference"
	skipDuplicate     = "already_processed"
)

// WebhookVerifier authenticates a raw webhook body.
type WebhookVerifier interface {
	Verify(payload []byte, signature string) (payments.WebhookEvent, error)
}

// PaymentReconcilerDeps bundles collaborators for webhook reconciliation.
type PaymentReconcilerDeps struct {
	Verifier       WebhookVerifier
	Orders         OrderService
	Notifications  NotificationQueue
	OwnerRecipient string
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	verifier      WebhookVerifier
	orders        OrderService
	notifications NotificationQueue
	owner         string
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

var _ PaymentReconciler = (*paymentReconciler)(nil)

// NewPaymentReconciler constructs the reconciler. Notifications may be nil.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Verifier == nil {
		return nil, errors.New("payment reconciler: webhook verifier is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentReconciler{
		verifier:      deps.Verifier,
		orders:        deps.Orders,
		notifications: deps.Notifications,
		owner:         strings.TrimSpace(deps.OwnerRecipient),
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// HandleWebhook verifies payload, then marks the referenced order paid for completed checkout
// events. Everything else is acknowledged with a Skipped reason. Notification failures never fail
// the delivery; the payment has already been recorded.
func (r *paymentReconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (ReconcileResult, error) {
	event, err := r.verifier.Verify(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrWebhookSecretMissing) ||
			errors.Is(err, payments.ErrSignatureMissing) ||
			errors.Is(err, payments.ErrSignatureInvalid) {
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
		}
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	result := ReconcileResult{
		EventID:   event.ID,
		EventType: event.Type,
		OrderID:   strings.TrimSpace(event.OrderID),
		At:        r.clock(),
	}
	fields := map[string]any{"eventId": event.ID, "eventType": event.Type, "orderId": result.OrderID}
	r.logger(ctx, reconcileEventReceived, fields)

	if !event.Completed() {
		result.Skipped = skipUnhandledType
		r.logger(ctx, reconcileEventSkipped, withField(fields, "reason", result.Skipped))
		return result, nil
	}
	if result.OrderID == "" {
		result.Skipped = skipMissingOrder
		r.logger(ctx, reconcileEventSkipped, withField(fields, "reason", result.Skipped))
		return result, nil
	}

	paid, err := r.orders.MarkPaid(ctx, MarkPaidCommand{
		OrderID:   result.OrderID,
		EventID:   event.ID,
		SessionID: event.SessionID,
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return result, fmt.Errorf("%w: %s", ErrWebhookOrderNotFound, result.OrderID)
		}
		return result, err
	}
	if !paid.Applied {
		result.Skipped = skipDuplicate
		r.logger(ctx, reconcileEventSkipped, withField(fields, "reason", result.Skipped))
		return result, nil
	}

	result.Applied = true
	r.logger(ctx, reconcileEventApplied, fields)
	r.notifyPaid(ctx, paid.Order)
	return result, nil
}

func (r *paymentReconciler) notifyPaid(ctx context.Context, order domain.Order) {
	if r.notifications == nil {
		return
	}
	payload := paidPayload(order)
	batch := []notifications.Notification{{
		Kind:      notifications.KindOrderPaidCustomer,
		Recipient: order.Email,
		OrderID:   order.ID,
		Payload:   payload,
	}}
	if r.owner != "" {
		batch = append(batch, notifications.Notification{
			Kind:      notifications.KindOrderPaidOwner,
			Recipient: r.owner,
			OrderID:   order.ID,
			Payload:   payload,
		})
	}
	for _, n := range batch {
		if err := r.notifications.Enqueue(ctx, n); err != nil {
			r.logger(ctx, reconcileEventNotify, map[string]any{
				"orderId": order.ID,
				"kind":    string(n.Kind),
				"error":   err,
			})
		}
	}
}

func paidPayload(order domain.Order) map[string]any {
	items := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"name":      item.DisplayName(),
			"quantity":  item.Quantity,
			"unitPrice": item.UnitPrice.StringFixed(2),
			"lineTotal": item.LineTotal.StringFixed(2),
		})
	}
	payload := map[string]any{
		"orderId":  order.ID,
		"fullName": order.FullName,
		"email":    order.Email,
		"phone":    order.Phone,
		"currency": order.Currency,
		"total":    order.Total.StringFixed(2),
		"items":    items,
	}
	if order.PaidAt != nil {
		payload["paidAt"] = order.PaidAt.UTC().Format(time.RFC3339)
	}
	return payload
}
