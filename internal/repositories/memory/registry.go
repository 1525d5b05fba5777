package memory

import (
	"context"

	"github.com/meditationastro/medinow-orders/internal/repositories"
)

// Registry serves in-process repositories.
type Registry struct {
	orders *OrderRepository
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds a registry whose health check always passes.
func NewRegistry() (*Registry, error) {
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}})
	if err != nil {
		return nil, err
	}
	return &Registry{orders: NewOrderRepository(), health: health}, nil
}

func (r *Registry) Orders() repositories.OrderRepository  { return r.orders }
func (r *Registry) Health() repositories.HealthRepository { return r.health }
func (r *Registry) Close(context.Context) error           { return nil }
