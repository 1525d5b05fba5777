package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/platform/auth"
	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
	"github.com/meditationastro/medinow-orders/internal/services"
)

const (
	maxOrderBodySize  = 64 * 1024
	maxStatusBodySize = 4 * 1024

	defaultTrackLimit  = 30
	defaultTrackWindow = time.Minute
)

// OrderHandlers exposes /orders. Creation and tracking work without a session; everything else
// requires a Firebase identity. A session sent with a tracking lookup must own the order.
type OrderHandlers struct {
	authn        *auth.Authenticator
	orders       services.OrderService
	idempotency  func(http.Handler) http.Handler
	trackLimiter rateLimiter
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency wraps POST /orders with an Idempotency-Key middleware. It runs after
// authentication so keys are scoped per caller.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) { h.idempotency = mw }
}

// WithTrackRateLimit bounds GET /orders/track per client address. A non-positive limit disables it.
func WithTrackRateLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) { h.trackLimiter = newWindowRateLimiter(limit, window, clock) }
}

// NewOrderHandlers constructs order handlers. A nil authenticator leaves identity to the caller's
// context, which tests rely on.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:        authn,
		orders:       orders,
		trackLimiter: newWindowRateLimiter(defaultTrackLimit, defaultTrackWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	optional, required, bestEffort := passthrough, passthrough, passthrough
	if h.authn != nil {
		optional = h.authn.OptionalFirebaseAuth()
		required = h.authn.RequireFirebaseAuth()
		bestEffort = h.authn.BestEffortFirebaseAuth()
	}
	idempotent := passthrough
	if h.idempotency != nil {
		idempotent = h.idempotency
	}

	r.With(rateLimitByIP(h.trackLimiter), bestEffort).Get("/track", h.trackOrder)
	r.With(optional, idempotent).Post("/", h.createOrder)
	r.With(required).Get("/", h.listOrders)
	r.With(required).Get("/{orderID}", h.getOrder)
	r.With(required).Patch("/{orderID}/status", h.setStatus)
	r.With(required).Delete("/{orderID}", h.deleteOrder)
}

func passthrough(next http.Handler) http.Handler { return next }

type createOrderItemRequest struct {
	ProductID    string             `json:"productId"`
	ProductTitle string             `json:"productTitle"`
	VersionTitle string             `json:"versionTitle"`
	UnitPrice    domain.LooseNumber `json:"unitPrice"`
	Quantity     domain.LooseNumber `json:"quantity"`
}

type createOrderRequest struct {
	FullName        string                   `json:"fullName"`
	Email           string                   `json:"email"`
	Phone           string                   `json:"phone"`
	Notes           string                   `json:"notes"`
	Currency        string                   `json:"currency"`
	PaymentProvider string                   `json:"paymentProvider"`
	Items           []createOrderItemRequest `json:"items"`
}

type setStatusRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type orderItemResponse struct {
	ID           string      `json:"id"`
	ProductID    string      `json:"productId,omitempty"`
	ProductTitle string      `json:"productTitle"`
	VersionTitle string      `json:"versionTitle,omitempty"`
	UnitPrice    json.Number `json:"unitPrice"`
	Quantity     int64       `json:"quantity"`
	LineTotal    json.Number `json:"lineTotal"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	UserID          string              `json:"userId,omitempty"`
	FullName        string              `json:"fullName"`
	Email           string              `json:"email"`
	Phone           string              `json:"phone,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	Currency        string              `json:"currency"`
	Total           json.Number         `json:"total"`
	Status          string              `json:"status"`
	PaymentProvider string              `json:"paymentProvider"`
	PaymentStatus   string              `json:"paymentStatus"`
	StripeSessionID string              `json:"stripeSessionId,omitempty"`
	PaidAt          string              `json:"paidAt,omitempty"`
	Items           []orderItemResponse `json:"items"`
	CreatedAt       string              `json:"createdAt"`
	UpdatedAt       string              `json:"updatedAt"`
}

type trackingItemResponse struct {
	ProductTitle string      `json:"productTitle"`
	VersionTitle string      `json:"versionTitle,omitempty"`
	Quantity     int64       `json:"quantity"`
	LineTotal    json.Number `json:"lineTotal"`
}

type trackingResponse struct {
	ID              string                 `json:"id"`
	Status          string                 `json:"status"`
	PaymentStatus   string                 `json:"paymentStatus"`
	PaymentProvider string                 `json:"paymentProvider"`
	Currency        string                 `json:"currency"`
	Total           json.Number            `json:"total"`
	PaidAt          string                 `json:"paidAt,omitempty"`
	CreatedAt       string                 `json:"createdAt"`
	Items           []trackingItemResponse `json:"items"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createOrderRequest
	if status, err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	items := make([]domain.LineItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.LineItemInput{
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			VersionTitle: item.VersionTitle,
			UnitPrice:    item.UnitPrice,
			Quantity:     item.Quantity,
		})
	}
	caller, _ := auth.IdentityFromContext(ctx)

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		FullName:        req.FullName,
		Email:           req.Email,
		Phone:           req.Phone,
		Notes:           req.Notes,
		Currency:        req.Currency,
		PaymentProvider: req.PaymentProvider,
		Items:           items,
		Caller:          caller,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"order": newOrderResponse(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.IdentityFromContext(ctx)
	orders, err := h.orders.List(ctx, caller)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, newOrderResponse(order))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.IdentityFromContext(ctx)
	order, err := h.orders.Get(ctx, chi.URLParam(r, "orderID"), caller)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order": newOrderResponse(order)})
}

func (h *OrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.IdentityFromContext(ctx)
	var req setStatusRequest
	if status, err := decodeJSONBody(r, maxStatusBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	order, err := h.orders.SetStatus(ctx, services.SetOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Field:   strings.TrimSpace(req.Field),
		Value:   strings.TrimSpace(req.Value),
		Caller:  caller,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order": newOrderResponse(order)})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.IdentityFromContext(ctx)
	if err := h.orders.Delete(ctx, chi.URLParam(r, "orderID"), caller); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *OrderHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	orderID := strings.TrimSpace(query.Get("orderId"))
	email := strings.TrimSpace(query.Get("email"))
	if orderID == "" || email == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId and email are required", http.StatusBadRequest))
		return
	}
	caller, _ := auth.IdentityFromContext(ctx)
	view, err := h.orders.Track(ctx, orderID, email, caller)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order": newTrackingResponse(view)})
}

func newOrderResponse(order domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ID:           item.ID,
			ProductID:    item.ProductID,
			ProductTitle: item.ProductTitle,
			VersionTitle: item.VersionTitle,
			UnitPrice:    money(item.UnitPrice),
			Quantity:     item.Quantity,
			LineTotal:    money(item.LineTotal),
		})
	}
	return orderResponse{
		ID:              order.ID,
		UserID:          order.UserID,
		FullName:        order.FullName,
		Email:           order.Email,
		Phone:           order.Phone,
		Notes:           order.Notes,
		Currency:        order.Currency,
		Total:           money(order.Total),
		Status:          string(order.Status),
		PaymentProvider: string(order.PaymentProvider),
		PaymentStatus:   string(order.PaymentStatus),
		StripeSessionID: order.StripeSessionID,
		PaidAt:          formatOptionalTime(order.PaidAt),
		Items:           items,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
}

func newTrackingResponse(view domain.TrackingView) trackingResponse {
	items := make([]trackingItemResponse, 0, len(view.Items))
	for _, item := range view.Items {
		items = append(items, trackingItemResponse{
			ProductTitle: item.ProductTitle,
			VersionTitle: item.VersionTitle,
			Quantity:     item.Quantity,
			LineTotal:    money(item.LineTotal),
		})
	}
	return trackingResponse{
		ID:              view.ID,
		Status:          string(view.Status),
		PaymentStatus:   string(view.PaymentStatus),
		PaymentProvider: string(view.PaymentProvider),
		Currency:        view.Currency,
		Total:           money(view.Total),
		PaidAt:          formatOptionalTime(view.PaidAt),
		CreatedAt:       formatTime(view.CreatedAt),
		Items:           items,
	}
}

// money renders a decimal as a JSON number with exactly two fraction digits.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
