package repositories

import (
	"context"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists the order aggregate. Items are stored with the order in a single write.
type OrderRepository interface {
	// Insert writes a new order and its items atomically. A duplicate id is a conflict.
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// List returns orders newest first. See OrderListFilter for scoping.
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	// Update runs mutate against the current stored order inside a transaction and persists the
	// result. If mutate returns an error nothing is written and that error is returned unchanged.
	Update(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error)
	Delete(ctx context.Context, orderID string) error
}

// OrderListFilter scopes List. With All set every order is returned; otherwise orders matching
// UserID or Email (case-insensitive) are returned. An empty non-All filter matches nothing.
type OrderListFilter struct {
	All    bool
	UserID string
	Email  string
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
