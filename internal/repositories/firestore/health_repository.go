package firestore

import (
	"context"
	"errors"
	"time"

	"google.golang.org/api/iterator"

	pfirestore "github.com/meditationastro/medinow-orders/internal/platform/firestore"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

// NewHealthRepository probes Firestore by reading at most one order document.
func NewHealthRepository(provider *pfirestore.Provider, extra ...repositories.DependencyCheck) (repositories.HealthRepository, error) {
	if provider == nil {
		return nil, errors.New("health repository requires firestore provider")
	}
	checks := append([]repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			client, err := provider.Client(ctx)
			if err != nil {
				return err
			}
			iter := client.Collection(orderCollection).Limit(1).Documents(ctx)
			defer iter.Stop()
			if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
				return pfirestore.WrapError("health", err)
			}
			return nil
		},
	}}, extra...)
	return repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyTimeout(3*time.Second))
}
