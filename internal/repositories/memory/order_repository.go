// Package memory keeps orders in process for local development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

// Error implements repositories.RepositoryError.
type Error struct {
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string       { return e.msg }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(id string) error {
	return &Error{msg: fmt.Sprintf("order %s not found", id), notFound: true}
}

// OrderRepository is a mutex-guarded map. Stored values are deep-copied on the way in and out.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

// Insert implements repositories.OrderRepository.
func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return &Error{msg: "order id is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return &Error{msg: fmt.Sprintf("order %s already exists", order.ID), conflict: true}
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

// FindByID implements repositories.OrderRepository.
func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFound(orderID)
	}
	return cloneOrder(order), nil
}

// List implements repositories.OrderRepository.
func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	uid := strings.TrimSpace(filter.UserID)
	email := strings.TrimSpace(filter.Email)

	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]domain.Order, 0)
	for _, order := range r.orders {
		match := filter.All ||
			(uid != "" && order.UserID == uid) ||
			(email != "" && strings.EqualFold(strings.TrimSpace(order.Email), email))
		if match {
			result = append(result, cloneOrder(order))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Update implements repositories.OrderRepository. The write lock makes the read-modify-write atomic.
func (r *OrderRepository) Update(_ context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFound(orderID)
	}
	working := cloneOrder(current)
	if err := mutate(&working); err != nil {
		return domain.Order{}, err
	}
	working.ID = orderID
	r.orders[orderID] = cloneOrder(working)
	return working, nil
}

// Delete implements repositories.OrderRepository.
func (r *OrderRepository) Delete(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[orderID]; !ok {
		return notFound(orderID)
	}
	delete(r.orders, orderID)
	return nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.ProcessedEventIDs = slices.Clone(order.ProcessedEventIDs)
	if order.PaidAt != nil {
		paidAt := *order.PaidAt
		order.PaidAt = &paidAt
	}
	return order
}
