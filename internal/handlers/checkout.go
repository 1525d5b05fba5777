package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meditationastro/medinow-orders/internal/platform/auth"
	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
	"github.com/meditationastro/medinow-orders/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes hosted checkout session creation. Guests may call it; the order email
// is the proof of ownership.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers. idempotency may be nil.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, idempotency func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:       authn,
		checkout:    checkout,
		idempotency: idempotency,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.OptionalFirebaseAuth())
	}
	if h.idempotency != nil {
		group = group.With(h.idempotency)
	}
	group.Post("/session", h.createSession)
}

type checkoutSessionRequest struct {
	OrderID  string            `json:"orderId"`
	Email    string            `json:"email"`
	Locale   string            `json:"locale"`
	Metadata map[string]string `json:"metadata"`
}

type checkoutSessionResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
	OrderID   string `json:"orderId"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req checkoutSessionRequest
	if status, err := decodeJSONBody(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	caller, _ := auth.IdentityFromContext(ctx)
	session, err := h.checkout.CreateSession(ctx, services.CreateCheckoutSessionCommand{
		OrderID:  req.OrderID,
		Email:    req.Email,
		Locale:   req.Locale,
		Metadata: req.Metadata,
		Caller:   caller,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, checkoutSessionResponse{
		URL:       session.URL,
		SessionID: session.SessionID,
		OrderID:   session.OrderID,
	})
}
