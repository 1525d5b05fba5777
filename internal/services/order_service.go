package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/platform/auth"
	"github.com/meditationastro/medinow-orders/internal/platform/textutil"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventDeleted       = "order.deleted"
	orderEventPaid          = "order.paid"
	orderEventPaidDuplicate = "order.paid.duplicate"
	orderEventPaidCancelled = "order.paid.cancelled"

	orderIDPrefix = "ord_"
	itemIDPrefix  = "itm_"

	maxNameLength  = 200
	maxNotesLength = 2000
	maxPhoneLength = 40
	maxTitleLength = 200

	// processedEventLimit bounds the dedupe list stored on each order.
	processedEventLimit = 50
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// errAlreadyProcessed aborts a MarkPaid transaction without writing.
var errAlreadyProcessed = errors.New("order: event already processed")

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders          repositories.OrderRepository
	defaultCurrency string
	clock           func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into an OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	return &orderService{
		orders:          deps.Orders,
		defaultCurrency: currency,
		clock:           func() time.Time { return clock().UTC() },
		newID:           idGen,
		logger:          logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	fullName := textutil.SanitizePlain(cmd.FullName, maxNameLength)
	email := strings.TrimSpace(cmd.Email)
	if err := domain.ValidateCustomer(fullName, email); err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	provider, ok := domain.ParsePaymentProvider(cmd.PaymentProvider)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: unsupported paymentProvider %q", ErrOrderInvalidInput, cmd.PaymentProvider)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if !currencyPattern.MatchString(currency) {
		return domain.Order{}, fmt.Errorf("%w: currency must be a three-letter code", ErrOrderInvalidInput)
	}

	inputs := make([]domain.LineItemInput, len(cmd.Items))
	for i, item := range cmd.Items {
		item.ProductTitle = textutil.SanitizePlain(item.ProductTitle, maxTitleLength)
		item.VersionTitle = textutil.SanitizePlain(item.VersionTitle, maxTitleLength)
		inputs[i] = item
	}
	priced, err := domain.PriceItems(inputs)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	now := s.clock()
	for i := range priced.Items {
		priced.Items[i].ID = itemIDPrefix + s.newID()
	}
	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		FullName:        fullName,
		Email:           email,
		Phone:           textutil.SanitizePlain(cmd.Phone, maxPhoneLength),
		Notes:           textutil.SanitizePlain(cmd.Notes, maxNotesLength),
		Currency:        currency,
		Total:           priced.Total,
		Status:          provider.InitialStatus(),
		PaymentProvider: provider,
		PaymentStatus:   domain.PaymentStatusUnpaid,
		Items:           priced.Items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cmd.Caller != nil {
		order.UserID = strings.TrimSpace(cmd.Caller.UID)
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":         order.ID,
		"paymentProvider": string(order.PaymentProvider),
		"items":           len(order.Items),
		"total":           order.Total.StringFixed(2),
		"guest":           order.UserID == "",
	})
	return order, nil
}

func (s *orderService) Get(ctx context.Context, orderID string, caller *auth.Identity) (domain.Order, error) {
	if caller == nil {
		return domain.Order{}, ErrOrderUnauthenticated
	}
	order, err := s.find(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := CanAccess(order, caller, OperationRead); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context, caller *auth.Identity) ([]domain.Order, error) {
	filter, err := ListFilterFor(caller)
	if err != nil {
		return nil, err
	}
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if filter.All {
		return orders, nil
	}
	// Never return an order the caller could not read on its own.
	visible := orders[:0]
	for _, order := range orders {
		if CanAccess(order, caller, OperationList) == nil {
			visible = append(visible, order)
		}
	}
	return visible, nil
}

func (s *orderService) SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (domain.Order, error) {
	if err := requireAdmin(cmd.Caller, OperationMutateStatus); err != nil {
		return domain.Order{}, err
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var previous string
	updated, err := s.orders.Update(ctx, orderID, func(order *domain.Order) error {
		now := s.clock()
		switch cmd.Field {
		case StatusFieldStatus:
			previous = string(order.Status)
			return applyStatus(order, cmd.Value, now)
		case StatusFieldPaymentStatus:
			previous = string(order.PaymentStatus)
			return applyPaymentStatus(order, cmd.Value, now)
		case StatusFieldPaidAt:
			if order.PaidAt != nil {
				previous = order.PaidAt.Format(time.RFC3339)
			}
			return applyPaidAt(order, cmd.Value, now)
		default:
			return fmt.Errorf("%w: field must be one of status, paymentStatus, paidAt", ErrOrderInvalidInput)
		}
	})
	if err != nil {
		return domain.Order{}, s.mapMutationError(err)
	}

	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"orderId":  updated.ID,
		"field":    cmd.Field,
		"previous": previous,
		"value":    cmd.Value,
		"actor":    cmd.Caller.UID,
	})
	return updated, nil
}

func (s *orderService) Delete(ctx context.Context, orderID string, caller *auth.Identity) error {
	if err := requireAdmin(caller, OperationDelete); err != nil {
		return err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if err := s.orders.Delete(ctx, orderID); err != nil {
		return mapRepositoryError(err)
	}
	s.logger(ctx, orderEventDeleted, map[string]any{"orderId": orderID, "actor": caller.UID})
	return nil
}

func (s *orderService) Track(ctx context.Context, orderID, email string, caller *auth.Identity) (domain.TrackingView, error) {
	orderID = strings.TrimSpace(orderID)
	email = strings.TrimSpace(email)
	if orderID == "" || email == "" {
		return domain.TrackingView{}, fmt.Errorf("%w: orderId and email are required", ErrOrderInvalidInput)
	}
	order, err := s.find(ctx, orderID)
	if err != nil {
		return domain.TrackingView{}, err
	}
	if !TrackMatches(order, email) {
		return domain.TrackingView{}, fmt.Errorf("%w: email does not match order", ErrOrderPermissionDenied)
	}
	if err := CanAccess(order, caller, OperationTrack); err != nil {
		return domain.TrackingView{}, err
	}
	return domain.NewTrackingView(order), nil
}

// MarkPaid runs with system authority. A redelivered event id is a no-op without a write; a new
// event for an order that is already paid only records the id.
func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (MarkPaidResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return MarkPaidResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var (
		applied       bool
		wasCancelled  bool
		unchangedCopy domain.Order
	)
	updated, err := s.orders.Update(ctx, orderID, func(order *domain.Order) error {
		applied, wasCancelled = false, false
		if order.HasProcessedEvent(cmd.EventID) {
			unchangedCopy = *order
			return errAlreadyProcessed
		}
		now := s.clock()
		if cmd.EventID != "" {
			order.ProcessedEventIDs = appendBounded(order.ProcessedEventIDs, cmd.EventID, processedEventLimit)
		}
		if order.StripeSessionID == "" && cmd.SessionID != "" {
			order.StripeSessionID = cmd.SessionID
		}
		order.UpdatedAt = now
		if order.IsPaid() {
			return nil
		}
		applied = true
		wasCancelled = order.Status == domain.OrderStatusCancelled
		order.PaymentStatus = domain.PaymentStatusPaid
		if order.PaidAt == nil {
			order.PaidAt = &now
		}
		if order.Status != domain.OrderStatusCompleted {
			order.Status = domain.OrderStatusConfirmed
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyProcessed):
		s.logger(ctx, orderEventPaidDuplicate, map[string]any{"orderId": orderID, "eventId": cmd.EventID})
		return MarkPaidResult{Order: unchangedCopy, Applied: false}, nil
	case err != nil:
		return MarkPaidResult{}, s.mapMutationError(err)
	}

	fields := map[string]any{"orderId": orderID, "eventId": cmd.EventID, "applied": applied}
	s.logger(ctx, orderEventPaid, fields)
	if wasCancelled {
		s.logger(ctx, orderEventPaidCancelled, map[string]any{"orderId": orderID, "eventId": cmd.EventID})
	}
	return MarkPaidResult{Order: updated, Applied: applied}, nil
}

func (s *orderService) AttachCheckoutSession(ctx context.Context, orderID, sessionID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	sessionID = strings.TrimSpace(sessionID)
	if orderID == "" || sessionID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id and session id are required", ErrOrderInvalidInput)
	}
	updated, err := s.orders.Update(ctx, orderID, func(order *domain.Order) error {
		if order.PaymentProvider != domain.PaymentProviderStripe {
			return fmt.Errorf("%w: order is not a card-checkout order", ErrOrderInvalidInput)
		}
		order.StripeSessionID = sessionID
		order.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapMutationError(err)
	}
	return updated, nil
}

func (s *orderService) find(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	return order, nil
}

// mapMutationError keeps service sentinels raised inside an Update callback intact.
func (s *orderService) mapMutationError(err error) error {
	for _, sentinel := range []error{ErrOrderInvalidInput, ErrOrderInvalidTransition, ErrOrderConflict} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return mapRepositoryError(err)
}

func applyStatus(order *domain.Order, value string, now time.Time) error {
	target, ok := domain.ParseOrderStatus(value)
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, value)
	}
	if !domain.CanTransition(order.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, target)
	}
	if order.Status != target {
		order.Status = target
		order.UpdatedAt = now
	}
	return nil
}

func applyPaymentStatus(order *domain.Order, value string, now time.Time) error {
	target, ok := domain.ParsePaymentStatus(value)
	if !ok {
		return fmt.Errorf("%w: unknown paymentStatus %q", ErrOrderInvalidInput, value)
	}
	switch {
	case target == order.PaymentStatus:
		return nil
	case target == domain.PaymentStatusUnpaid:
		return fmt.Errorf("%w: paymentStatus cannot return to %s", ErrOrderInvalidTransition, target)
	}
	order.PaymentStatus = domain.PaymentStatusPaid
	if order.PaidAt == nil {
		order.PaidAt = &now
	}
	if order.Status.IsPending() {
		order.Status = domain.OrderStatusConfirmed
	}
	order.UpdatedAt = now
	return nil
}

func applyPaidAt(order *domain.Order, value string, now time.Time) error {
	if order.PaidAt != nil {
		return fmt.Errorf("%w: paidAt is already set", ErrOrderInvalidTransition)
	}
	paidAt, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%w: paidAt must be an RFC 3339 timestamp", ErrOrderInvalidInput)
	}
	paidAt = paidAt.UTC()
	order.PaidAt = &paidAt
	order.UpdatedAt = now
	return nil
}

func appendBounded(values []string, value string, limit int) []string {
	values = append(values, value)
	if len(values) > limit {
		values = values[len(values)-limit:]
	}
	return values
}
