// Package payments adapts the hosted card checkout gateway: opening checkout sessions and
// authenticating its asynchronous webhook events.
package payments

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned before any network call when gateway credentials are absent.
var ErrNotConfigured = errors.New("payments: gateway credentials are not configured")

// CheckoutLineItem is one gateway line, mapped 1:1 from an order item.
type CheckoutLineItem struct {
	Name       string
	Quantity   int64
	UnitAmount int64
}

// CheckoutSessionRequest carries everything the gateway needs to open a one-time payment session.
type CheckoutSessionRequest struct {
	OrderID       string
	Currency      string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Locale        string
	Metadata      map[string]string
	Items         []CheckoutLineItem
}

// CheckoutSession is the hosted page the buyer is redirected to.
type CheckoutSession struct {
	ID  string
	URL string
}

// Provider opens checkout sessions.
type Provider interface {
	// Configured reports whether credentials are present. Callers check it before doing any work.
	Configured() bool
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
}

// MetadataOrderID is the metadata key linking a gateway session back to the order.
const MetadataOrderID = "orderId"
