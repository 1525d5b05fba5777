package services

import (
	"context"
	"time"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/notifications"
	"github.com/meditationastro/medinow-orders/internal/platform/auth"
)

// OrderService owns the order aggregate: creation, scoped reads, admin mutation and the
// system-authority payment transition used by webhook reconciliation.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	Get(ctx context.Context, orderID string, caller *auth.Identity) (domain.Order, error)
	List(ctx context.Context, caller *auth.Identity) ([]domain.Order, error)
	SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (domain.Order, error)
	Delete(ctx context.Context, orderID string, caller *auth.Identity) error
	Track(ctx context.Context, orderID, email string, caller *auth.Identity) (domain.TrackingView, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (MarkPaidResult, error)
	AttachCheckoutSession(ctx context.Context, orderID, sessionID string) (domain.Order, error)
}

// CheckoutService opens hosted payment sessions for existing orders.
type CheckoutService interface {
	CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSessionResult, error)
}

// PaymentReconciler applies verified gateway events to orders.
type PaymentReconciler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (ReconcileResult, error)
}

// NotificationQueue accepts notifications for delivery outside the request path.
type NotificationQueue interface {
	Enqueue(ctx context.Context, n notifications.Notification) error
}

// NotificationDeliverer delivers one notification synchronously with bounded retries. It backs the
// Pub/Sub push endpoint.
type NotificationDeliverer interface {
	Deliver(ctx context.Context, n notifications.Notification) error
}

// SystemService reports readiness.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// CreateOrderCommand is the validated-at-boundary input for OrderService.Create.
type CreateOrderCommand struct {
	FullName        string
	Email           string
	Phone           string
	Notes           string
	Currency        string
	PaymentProvider string
	Items           []domain.LineItemInput
	Caller          *auth.Identity
}

// Field names accepted by SetOrderStatusCommand.
const (
	StatusFieldStatus        = "status"
	StatusFieldPaymentStatus = "paymentStatus"
	StatusFieldPaidAt        = "paidAt"
)

// SetOrderStatusCommand is an admin override of one lifecycle field.
type SetOrderStatusCommand struct {
	OrderID string
	Field   string
	Value   string
	Caller  *auth.Identity
}

// MarkPaidCommand records a gateway-confirmed payment.
type MarkPaidCommand struct {
	OrderID   string
	EventID   string
	SessionID string
}

// MarkPaidResult reports whether the call changed payment state. Applied is false for redeliveries.
type MarkPaidResult struct {
	Order   domain.Order
	Applied bool
}

// CreateCheckoutSessionCommand asks for a hosted payment page for an order.
type CreateCheckoutSessionCommand struct {
	OrderID string
	Email   string
	Locale  string
	// Metadata is caller attribution copied onto the gateway session. Reserved keys are ignored.
	Metadata map[string]string
	Caller   *auth.Identity
}

// CheckoutSessionResult is returned to the client for redirect.
type CheckoutSessionResult struct {
	OrderID   string
	SessionID string
	URL       string
}

// ReconcileResult summarises what a webhook delivery did.
type ReconcileResult struct {
	EventID   string
	EventType string
	OrderID   string
	Applied   bool
	// Skipped explains why the event was acknowledged without a state change.
	Skipped string
	At      time.Time
}
