package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meditationastro/medinow-orders/internal/notifications"
	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
	"github.com/meditationastro/medinow-orders/internal/platform/requestctx"
	"github.com/meditationastro/medinow-orders/internal/services"
)

const maxPushBodySize = 256 * 1024

// InternalNotificationHandlers is the Pub/Sub push target for queued notifications. Authentication
// is applied by the /internal group middleware.
type InternalNotificationHandlers struct {
	deliverer services.NotificationDeliverer
}

// NewInternalNotificationHandlers constructs the push handler.
func NewInternalNotificationHandlers(deliverer services.NotificationDeliverer) *InternalNotificationHandlers {
	return &InternalNotificationHandlers{deliverer: deliverer}
}

// Routes registers /notifications/deliver.
func (h *InternalNotificationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/notifications/deliver", h.deliver)
}

type pushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// deliver acknowledges with 204 once the notification was delivered or retried to exhaustion.
// Only a malformed envelope is rejected, which leaves redelivery to the subscription's policy.
func (h *InternalNotificationHandlers) deliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.deliverer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("delivery_unavailable", "notification delivery unavailable", http.StatusServiceUnavailable))
		return
	}

	var envelope pushEnvelope
	if status, err := decodeJSONBody(r, maxPushBodySize, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope.Message.Data))
	if err != nil || len(data) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "message.data must be base64 encoded", http.StatusBadRequest))
		return
	}
	var n notifications.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "message.data must be a notification", http.StatusBadRequest))
		return
	}

	fields := []zap.Field{
		zap.String("messageId", envelope.Message.MessageID),
		zap.String("notificationId", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("orderId", n.OrderID),
	}
	if err := h.deliverer.Deliver(ctx, n); err != nil {
		if errors.Is(err, notifications.ErrInvalidNotification) {
			logger.Warn("notification dropped", append(fields, zap.Error(err))...)
		} else {
			logger.Error("notification delivery failed", append(fields, zap.Error(err))...)
		}
	} else {
		logger.Info("notification delivered", fields...)
	}
	w.WriteHeader(http.StatusNoContent)
}
