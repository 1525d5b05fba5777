package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/meditationastro/medinow-orders/internal/platform/httpx"
	"github.com/meditationastro/medinow-orders/internal/platform/requestctx"
	"github.com/meditationastro/medinow-orders/internal/services"
)

// writeServiceError maps service sentinels onto the HTTP error envelope. Validation and access
// failures are reported verbatim; everything else is logged and answered generically.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderUnauthenticated):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrOrderPermissionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "access to this order is not allowed", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutGatewayMisconfigured):
		logFailure(ctx, "checkout gateway misconfigured", err)
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_not_configured", "card checkout is not available", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutGatewayFailure):
		logFailure(ctx, "checkout gateway failure", err)
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrWebhookSignatureInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookOrderNotFound):
		logFailure(ctx, "webhook references unknown order", err)
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "referenced order not found", http.StatusInternalServerError))
	default:
		logFailure(ctx, "request failed", err)
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func logFailure(ctx context.Context, msg string, err error) {
	requestctx.Logger(ctx).Error(msg, zap.Error(err))
}
