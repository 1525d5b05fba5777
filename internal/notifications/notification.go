// Package notifications defines the outbound notification contract. Delivery transports (email
// providers, chat hooks) live outside this service; Sender is the seam they plug into.
package notifications

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Kind selects the template the external sender renders.
type Kind string

const (
	// KindOrderPaidCustomer confirms a successful payment to the buyer.
	KindOrderPaidCustomer Kind = "order_paid_customer"
	// KindOrderPaidOwner tells the shop owner a payment landed.
	KindOrderPaidOwner Kind = "order_paid_owner"
)

// Notification is the payload handed to a Sender. It is also the wire format for queued delivery.
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Recipient string         `json:"recipient"`
	OrderID   string         `json:"orderId"`
	Payload   map[string]any `json:"payload,omitempty"`
	QueuedAt  time.Time      `json:"queuedAt"`
}

// ErrInvalidNotification is returned for notifications missing a kind or recipient.
var ErrInvalidNotification = errors.New("notifications: invalid notification")

// Validate checks the fields every sender relies on.
func (n Notification) Validate() error {
	if strings.TrimSpace(string(n.Kind)) == "" {
		return errors.Join(ErrInvalidNotification, errors.New("kind is required"))
	}
	if strings.TrimSpace(n.Recipient) == "" {
		return errors.Join(ErrInvalidNotification, errors.New("recipient is required"))
	}
	return nil
}

// Sender delivers one notification. Implementations should honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
