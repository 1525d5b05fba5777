package services

import (
	"errors"
	"fmt"

	"github.com/meditationastro/medinow-orders/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderUnauthenticated signals a missing caller identity.
	ErrOrderUnauthenticated = errors.New("order: authentication required")
	// ErrOrderPermissionDenied signals an identity without rights to the order.
	ErrOrderPermissionDenied = errors.New("order: permission denied")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates duplicates or a state that forbids the operation.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidTransition indicates a disallowed status change.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderRepositoryFailure wraps persistence failures.
	ErrOrderRepositoryFailure = errors.New("order: repository failure")

	// ErrCheckoutGatewayMisconfigured means payment credentials or redirect targets are absent.
	ErrCheckoutGatewayMisconfigured = errors.New("checkout: payment gateway not configured")
	// ErrCheckoutGatewayFailure means the gateway rejected or failed the request.
	ErrCheckoutGatewayFailure = errors.New("checkout: payment gateway failure")

	// ErrWebhookSignatureInvalid covers missing secret, missing header and signature mismatch.
	ErrWebhookSignatureInvalid = errors.New("webhook: signature verification failed")
	// ErrWebhookOrderNotFound means the event references an order that does not exist.
	ErrWebhookOrderNotFound = errors.New("webhook: referenced order not found")
)

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrOrderRepositoryFailure, err)
}
