package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency applies when an order is created without a currency.
const DefaultCurrency = "USD"

// OrderStatus enumerates the closed set of order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending is the initial state for manual and no-payment orders.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPendingPayment is the initial state for card-checkout orders.
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	// OrderStatusConfirmed means payment landed or an admin accepted the order.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusCompleted means the order was fulfilled.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCancelled means the order was called off.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusPendingPayment: {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusCompleted, OrderStatusCancelled},
}

// ParseOrderStatus accepts any casing and reports whether the value is a known status.
func ParseOrderStatus(value string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case OrderStatusPending, OrderStatusPendingPayment, OrderStatusConfirmed, OrderStatusCompleted, OrderStatusCancelled:
		return status, true
	}
	return "", false
}

// CanTransition reports whether an order may move from current to target. Staying put is allowed.
func CanTransition(current, target OrderStatus) bool {
	if current == target {
		return true
	}
	return slices.Contains(orderStatusTransitions[current], target)
}

// IsPending reports whether the order has not yet been confirmed or closed.
func (s OrderStatus) IsPending() bool {
	return s == OrderStatusPending || s == OrderStatusPendingPayment
}

// PaymentProvider is the settlement path chosen when the order is created.
type PaymentProvider string

const (
	PaymentProviderStripe PaymentProvider = "STRIPE"
	PaymentProviderManual PaymentProvider = "MANUAL"
	PaymentProviderNone   PaymentProvider = "NONE"
)

// ParsePaymentProvider maps an empty value to NONE and rejects unknown providers.
func ParsePaymentProvider(value string) (PaymentProvider, bool) {
	provider := PaymentProvider(strings.ToUpper(strings.TrimSpace(value)))
	switch provider {
	case "":
		return PaymentProviderNone, true
	case PaymentProviderStripe, PaymentProviderManual, PaymentProviderNone:
		return provider, true
	}
	return "", false
}

// InitialStatus returns the status a freshly created order starts in.
func (p PaymentProvider) InitialStatus() OrderStatus {
	if p == PaymentProviderStripe {
		return OrderStatusPendingPayment
	}
	return OrderStatusPending
}

// PaymentStatus only ever moves from UNPAID to PAID.
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "UNPAID"
	PaymentStatusPaid   PaymentStatus = "PAID"
)

// ParsePaymentStatus accepts any casing.
func ParsePaymentStatus(value string) (PaymentStatus, bool) {
	status := PaymentStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case PaymentStatusUnpaid, PaymentStatusPaid:
		return status, true
	}
	return "", false
}

// Order is the aggregate root. Items are written together with the order and never change.
type Order struct {
	ID                string
	UserID            string
	FullName          string
	Email             string
	Phone             string
	Notes             string
	Currency          string
	Total             decimal.Decimal
	Status            OrderStatus
	PaymentProvider   PaymentProvider
	PaymentStatus     PaymentStatus
	StripeSessionID   string
	PaidAt            *time.Time
	Items             []OrderItem
	ProcessedEventIDs []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderItem is a priced line captured at purchase time.
type OrderItem struct {
	ID           string
	ProductID    string
	ProductTitle string
	VersionTitle string
	UnitPrice    decimal.Decimal
	Quantity     int64
	LineTotal    decimal.Decimal
}

// DisplayName is the label shown on the hosted payment page.
func (i OrderItem) DisplayName() string {
	if i.VersionTitle == "" {
		return i.ProductTitle
	}
	return i.ProductTitle + " (" + i.VersionTitle + ")"
}

// EmailMatches compares email against the order's email ignoring case and surrounding space.
func (o Order) EmailMatches(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && strings.EqualFold(strings.TrimSpace(o.Email), email)
}

// HasProcessedEvent reports whether a gateway event was already applied to the order.
func (o Order) HasProcessedEvent(eventID string) bool {
	return eventID != "" && slices.Contains(o.ProcessedEventIDs, eventID)
}

// IsPaid reports whether payment has been recorded.
func (o Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

// TrackingView is the trimmed projection returned to the public tracking lookup.
type TrackingView struct {
	ID              string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentProvider PaymentProvider
	Currency        string
	Total           decimal.Decimal
	PaidAt          *time.Time
	CreatedAt       time.Time
	Items           []TrackingItem
}

// TrackingItem summarises one line.
type TrackingItem struct {
	ProductTitle string
	VersionTitle string
	Quantity     int64
	LineTotal    decimal.Decimal
}

// NewTrackingView projects order onto the public tracking shape.
func NewTrackingView(order Order) TrackingView {
	items := make([]TrackingItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, TrackingItem{
			ProductTitle: item.ProductTitle,
			VersionTitle: item.VersionTitle,
			Quantity:     item.Quantity,
			LineTotal:    item.LineTotal,
		})
	}
	return TrackingView{
		ID:              order.ID,
		Status:          order.Status,
		PaymentStatus:   order.PaymentStatus,
		PaymentProvider: order.PaymentProvider,
		Currency:        order.Currency,
		Total:           order.Total,
		PaidAt:          order.PaidAt,
		CreatedAt:       order.CreatedAt,
		Items:           items,
	}
}
