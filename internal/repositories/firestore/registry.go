package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/meditationastro/medinow-orders/internal/platform/firestore"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

// Registry serves Firestore-backed repositories sharing one provider.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the repositories. extraChecks are added to the readiness probe.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	health, err := NewHealthRepository(provider, extraChecks...)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, orders: orders, health: health}, nil
}

func (r *Registry) Orders() repositories.OrderRepository  { return r.orders }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// Close releases the shared client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
