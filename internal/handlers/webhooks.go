package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
	"github.com/meditationastro/medinow-orders/internal/platform/requestctx"
	"github.com/meditationastro/medinow-orders/internal/services"
)

const (
	maxWebhookBodySize     = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	webhookReceivedPayload = `{"received":true}`
)

// WebhookHandlers receives payment gateway events. The body is read raw; the signature is computed
// over these exact bytes.
type WebhookHandlers struct {
	reconciler services.PaymentReconciler
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(reconciler services.PaymentReconciler) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler}
}

// Routes registers /payment and its /stripe alias.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.handlePayment)
	r.Post("/stripe", h.handlePayment)
}

func (h *WebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	result, err := h.reconciler.HandleWebhook(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	requestctx.Logger(ctx).Info("webhook processed",
		zap.String("eventId", result.EventID),
		zap.String("eventType", result.EventType),
		zap.String("orderId", result.OrderID),
		zap.Bool("applied", result.Applied),
		zap.String("skipped", result.Skipped),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(webhookReceivedPayload))
}
