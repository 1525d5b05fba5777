package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/payments"
	"github.com/meditationastro/medinow-orders/internal/platform/textutil"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

const (
	checkoutEventSessionCreated = "checkout.session.created"
	checkoutEventSessionFailed  = "checkout.session.failed"

	metadataUserID = "userId"

	maxMetadataEntries  = 20
	maxMetadataKeyLen   = 40
	maxMetadataValueLen = 500
)

// CheckoutServiceDeps bundles collaborators for the checkout service.
type CheckoutServiceDeps struct {
	Orders     repositories.OrderRepository
	OrderState OrderService
	Provider   payments.Provider
	SuccessURL string
	CancelURL  string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders     repositories.OrderRepository
	orderState OrderService
	provider   payments.Provider
	successURL string
	cancelURL  string
	logger     func(context.Context, string, map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs the checkout service. Redirect URLs may be empty; requests then
// fail as misconfigured.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.OrderState == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("checkout service: payment provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		orders:     deps.Orders,
		orderState: deps.OrderState,
		provider:   deps.Provider,
		successURL: strings.TrimSpace(deps.SuccessURL),
		cancelURL:  strings.TrimSpace(deps.CancelURL),
		logger:     logger,
	}, nil
}

func (s *checkoutService) CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSessionResult, error) {
	if !s.provider.Configured() || s.successURL == "" || s.cancelURL == "" {
		return CheckoutSessionResult{}, ErrCheckoutGatewayMisconfigured
	}

	orderID := strings.TrimSpace(cmd.OrderID)
	email := strings.TrimSpace(cmd.Email)
	if orderID == "" || email == "" {
		return CheckoutSessionResult{}, fmt.Errorf("%w: orderId and email are required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return CheckoutSessionResult{}, mapRepositoryError(err)
	}
	if !order.EmailMatches(email) {
		return CheckoutSessionResult{}, fmt.Errorf("%w: email does not match order", ErrOrderPermissionDenied)
	}
	if err := CanAccess(order, cmd.Caller, OperationTrack); err != nil {
		return CheckoutSessionResult{}, err
	}
	if order.PaymentProvider != domain.PaymentProviderStripe {
		return CheckoutSessionResult{}, fmt.Errorf("%w: order does not use card checkout", ErrOrderInvalidInput)
	}
	if order.IsPaid() {
		return CheckoutSessionResult{}, fmt.Errorf("%w: order is already paid", ErrOrderConflict)
	}
	if order.Status == domain.OrderStatusCancelled {
		return CheckoutSessionResult{}, fmt.Errorf("%w: order is cancelled", ErrOrderConflict)
	}

	successURL, err := withOrderQuery(s.successURL, order.ID, order.Email)
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: success url: %v", ErrCheckoutGatewayMisconfigured, err)
	}
	cancelURL, err := withOrderQuery(s.cancelURL, order.ID, order.Email)
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: cancel url: %v", ErrCheckoutGatewayMisconfigured, err)
	}

	items := make([]payments.CheckoutLineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, payments.CheckoutLineItem{
			Name:       item.DisplayName(),
			Quantity:   item.Quantity,
			UnitAmount: domain.MinorUnits(item.UnitPrice),
		})
	}

	session, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		OrderID:       order.ID,
		Currency:      order.Currency,
		CustomerEmail: order.Email,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		Locale:        textutil.CheckoutLocale(cmd.Locale),
		Metadata:      sessionMetadata(cmd.Metadata, order),
		Items:         items,
	})
	if err != nil {
		s.logger(ctx, checkoutEventSessionFailed, map[string]any{"orderId": order.ID, "error": err})
		if errors.Is(err, payments.ErrNotConfigured) {
			return CheckoutSessionResult{}, ErrCheckoutGatewayMisconfigured
		}
		return CheckoutSessionResult{}, fmt.Errorf("%w: %v", ErrCheckoutGatewayFailure, err)
	}

	if _, err := s.orderState.AttachCheckoutSession(ctx, order.ID, session.ID); err != nil {
		return CheckoutSessionResult{}, err
	}

	s.logger(ctx, checkoutEventSessionCreated, map[string]any{
		"orderId":   order.ID,
		"sessionId": session.ID,
		"guest":     order.UserID == "",
	})
	return CheckoutSessionResult{OrderID: order.ID, SessionID: session.ID, URL: session.URL}, nil
}

// sessionMetadata keeps caller attribution inside the gateway's metadata limits and stamps the
// owning account. The order id key is left to the provider.
func sessionMetadata(extra map[string]string, order domain.Order) map[string]string {
	normalized := textutil.NormalizeStringMap(extra)
	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(keys)+1)
	for _, k := range keys {
		if len(out) == maxMetadataEntries {
			break
		}
		v := normalized[k]
		if k == payments.MetadataOrderID || k == metadataUserID || len(k) > maxMetadataKeyLen || v == "" {
			continue
		}
		if runes := []rune(v); len(runes) > maxMetadataValueLen {
			v = string(runes[:maxMetadataValueLen])
		}
		out[k] = v
	}
	if order.UserID != "" {
		out[metadataUserID] = order.UserID
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func withOrderQuery(base, orderID, email string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("orderId", orderID)
	q.Set("email", email)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
