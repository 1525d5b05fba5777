package services

import (
	"fmt"
	"strings"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/platform/auth"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

// Operation is an action the access guard decides on.
type Operation string

const (
	OperationRead         Operation = "read"
	OperationList         Operation = "list"
	OperationMutateStatus Operation = "mutate_status"
	OperationDelete       Operation = "delete"
	// OperationTrack is the lookup by order id and email. TrackMatches decides it; a session, when
	// present, can only narrow it.
	OperationTrack Operation = "track"
)

// CanAccess decides whether caller may perform op on order. It returns nil,
// ErrOrderUnauthenticated or ErrOrderPermissionDenied.
func CanAccess(order domain.Order, caller *auth.Identity, op Operation) error {
	if op == OperationTrack {
		return trackSessionCheck(order, caller)
	}
	if caller == nil || strings.TrimSpace(caller.UID) == "" {
		return ErrOrderUnauthenticated
	}
	if caller.IsAdmin() {
		return nil
	}
	switch op {
	case OperationRead, OperationList:
		if owns(order, caller) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on order %s", ErrOrderPermissionDenied, op, order.ID)
}

// TrackMatches reports whether email identifies the order's purchaser.
func TrackMatches(order domain.Order, email string) bool {
	return order.EmailMatches(email)
}

// ListFilterFor returns the list scope for caller: everything for admins, otherwise orders owned
// by uid or placed with the caller's email.
func ListFilterFor(caller *auth.Identity) (repositories.OrderListFilter, error) {
	if caller == nil || strings.TrimSpace(caller.UID) == "" {
		return repositories.OrderListFilter{}, ErrOrderUnauthenticated
	}
	if caller.IsAdmin() {
		return repositories.OrderListFilter{All: true}, nil
	}
	return repositories.OrderListFilter{UserID: caller.UID, Email: strings.TrimSpace(caller.Email)}, nil
}

// trackSessionCheck rejects a signed-in, non-admin caller looking up an order owned by another
// account. Anonymous callers are left to the email check.
func trackSessionCheck(order domain.Order, caller *auth.Identity) error {
	if caller == nil || strings.TrimSpace(caller.UID) == "" || caller.IsAdmin() {
		return nil
	}
	if order.UserID != "" && order.UserID != caller.UID {
		return fmt.Errorf("%w: order %s belongs to another account", ErrOrderPermissionDenied, order.ID)
	}
	return nil
}

func owns(order domain.Order, caller *auth.Identity) bool {
	if order.UserID != "" && order.UserID == caller.UID {
		return true
	}
	return order.EmailMatches(caller.Email)
}

func requireAdmin(caller *auth.Identity, op Operation) error {
	if caller == nil || strings.TrimSpace(caller.UID) == "" {
		return ErrOrderUnauthenticated
	}
	if !caller.IsAdmin() {
		return fmt.Errorf("%w: %s requires admin", ErrOrderPermissionDenied, op)
	}
	return nil
}
